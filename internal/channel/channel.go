// Package channel defines the outbound messaging surface the schedulers
// and the inbound bridge deliver through.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Deliverer sends text to a conversation. silent asks for delivery
// without a notification sound where the channel supports it.
type Deliverer interface {
	Deliver(ctx context.Context, conversationID, text string, silent bool) error
}

// DeliveryError reports a failed send on a named channel.
type DeliveryError struct {
	Channel        string
	ConversationID string
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %s on %s: %v", e.ConversationID, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Fanout delivers to a primary channel and mirrors successful
// deliveries to secondaries. Only a primary failure is returned;
// mirror failures are logged.
type Fanout struct {
	Primary Deliverer
	Mirrors []Deliverer
	Logger  *slog.Logger
}

// Deliver implements Deliverer.
func (f *Fanout) Deliver(ctx context.Context, conversationID, text string, silent bool) error {
	if f.Primary == nil {
		return &DeliveryError{Channel: "fanout", ConversationID: conversationID, Err: errors.New("no primary channel")}
	}
	if err := f.Primary.Deliver(ctx, conversationID, text, silent); err != nil {
		return err
	}

	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, m := range f.Mirrors {
		if err := m.Deliver(ctx, conversationID, text, silent); err != nil {
			logger.Warn("mirror delivery failed", "conversation", conversationID, "error", err)
		}
	}
	return nil
}

// Log is a Deliverer that writes messages to a logger. It stands in
// for a real channel when none is configured.
type Log struct {
	Logger *slog.Logger
}

// Deliver implements Deliverer.
func (l Log) Deliver(_ context.Context, conversationID, text string, silent bool) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("message delivered", "channel", "log", "conversation", conversationID, "silent", silent, "text", text)
	return nil
}

// Func adapts a function to Deliverer.
type Func func(ctx context.Context, conversationID, text string, silent bool) error

// Deliver implements Deliverer.
func (f Func) Deliver(ctx context.Context, conversationID, text string, silent bool) error {
	return f(ctx, conversationID, text, silent)
}
