package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"unicode/utf8"

	"github.com/nugget/nudge/internal/channel"
)

const (
	// MaxMessageLength is Telegram's limit for one message, in runes.
	MaxMessageLength = 4096

	// chunkLength leaves room for the markup Format adds.
	chunkLength = 3500
)

// ConversationID maps a chat to the conversation id used by the stores.
func ConversationID(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}

// ChatID reverses ConversationID.
func ChatID(conversationID string) (int64, error) {
	id, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("conversation %q is not a telegram chat id", conversationID)
	}
	return id, nil
}

// Channel delivers text to Telegram chats as formatted HTML, split to
// fit the message limit.
type Channel struct {
	client *Client
	logger *slog.Logger
}

// NewChannel creates a Telegram deliverer.
func NewChannel(client *Client, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{client: client, logger: logger.With("component", "telegram")}
}

// Deliver implements channel.Deliverer.
func (c *Channel) Deliver(ctx context.Context, conversationID, text string, silent bool) error {
	chatID, err := ChatID(conversationID)
	if err != nil {
		return &channel.DeliveryError{Channel: "telegram", ConversationID: conversationID, Err: err}
	}
	for _, chunk := range Split(text, chunkLength) {
		if err := c.send(ctx, chatID, chunk, silent); err != nil {
			return &channel.DeliveryError{Channel: "telegram", ConversationID: conversationID, Err: err}
		}
	}
	return nil
}

// send posts chunk as HTML, falling back to plain text when the
// rendered markup is too long or Telegram rejects it.
func (c *Channel) send(ctx context.Context, chatID int64, chunk string, silent bool) error {
	plain := SendRequest{ChatID: chatID, Text: chunk, DisableNotification: silent}

	html := Format(chunk)
	if html == "" || utf8.RuneCountInString(html) > MaxMessageLength {
		return c.client.SendMessage(ctx, plain)
	}

	err := c.client.SendMessage(ctx, SendRequest{
		ChatID:              chatID,
		Text:                html,
		ParseMode:           "HTML",
		DisableNotification: silent,
	})
	if err == nil || !IsParseError(err) {
		return err
	}
	c.logger.Warn("telegram rejected HTML; sending plain text", "chat_id", chatID, "error", err)
	return c.client.SendMessage(ctx, plain)
}
