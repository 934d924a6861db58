package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/nudge/internal/channel"
	"github.com/nugget/nudge/internal/config"
)

var errNotConnected = errors.New("mqtt not connected")

// initialConnectWait bounds how long Start blocks on the first connect.
// Later attempts continue in the background.
const initialConnectWait = 30 * time.Second

// publisher is the part of the connection manager the Notifier uses.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Notifier mirrors deliveries to MQTT and publishes status topics. It
// implements channel.Deliverer.
type Notifier struct {
	cfg        config.MQTTConfig
	instanceID string
	tokens     *DailyTokens
	logger     *slog.Logger
	now        func() time.Time

	mu           sync.RWMutex
	cm           *autopaho.ConnectionManager
	pub          publisher
	lastDelivery time.Time
}

// New creates a Notifier but does not connect. Call [Notifier.Start]
// to connect and run the status loop. tokens may be nil.
func New(cfg config.MQTTConfig, instanceID string, tokens *DailyTokens, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:        cfg,
		instanceID: instanceID,
		tokens:     tokens,
		logger:     logger.With("component", "mqtt"),
		now:        time.Now,
	}
}

// Start connects to the broker and publishes status until ctx is
// cancelled. On every (re-)connect it publishes the birth message.
func (n *Notifier) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(n.cfg.Broker)
	if err != nil {
		return fmt.Errorf("mqtt broker %q: %w", n.cfg.Broker, err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: n.cfg.Username,
		ConnectPassword: []byte(n.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   n.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			n.logger.Info("mqtt connected to broker", "broker", n.cfg.Broker)
			n.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			n.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID(n.cfg.DeviceName, n.instanceID),
		},
	}

	// mqtts:// and ssl:// brokers get TLS.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("start mqtt connection: %w", err)
	}
	n.mu.Lock()
	n.cm = cm
	n.pub = cm
	n.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, initialConnectWait)
	defer cancel()
	if err := cm.AwaitConnection(waitCtx); err != nil {
		n.logger.Warn("mqtt broker not reachable yet", "broker", n.cfg.Broker, "error", err)
	}

	n.runLoop(ctx)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.RLock()
	cm := n.cm
	n.mu.RUnlock()
	if cm == nil {
		return nil
	}
	n.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

type deliveryPayload struct {
	ConversationID string    `json:"conversation_id"`
	Text           string    `json:"text"`
	Silent         bool      `json:"silent"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

// Deliver implements channel.Deliverer by publishing the message to the
// deliveries topic.
func (n *Notifier) Deliver(ctx context.Context, conversationID, text string, silent bool) error {
	n.mu.RLock()
	pub := n.pub
	n.mu.RUnlock()
	if pub == nil {
		return &channel.DeliveryError{Channel: "mqtt", ConversationID: conversationID, Err: errNotConnected}
	}

	at := n.now().UTC()
	payload, err := json.Marshal(deliveryPayload{
		ConversationID: conversationID,
		Text:           text,
		Silent:         silent,
		DeliveredAt:    at,
	})
	if err != nil {
		return &channel.DeliveryError{Channel: "mqtt", ConversationID: conversationID, Err: err}
	}

	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   n.deliveriesTopic(),
		Payload: payload,
		QoS:     1,
	}); err != nil {
		return &channel.DeliveryError{Channel: "mqtt", ConversationID: conversationID, Err: err}
	}

	n.mu.Lock()
	n.lastDelivery = at
	n.mu.Unlock()
	n.logger.Debug("mqtt delivery published", "conversation", conversationID, "silent", silent)
	return nil
}

// --- Topic helpers ---

func (n *Notifier) baseTopic() string {
	return n.cfg.TopicPrefix + "/" + n.cfg.DeviceName
}

func (n *Notifier) availabilityTopic() string {
	return n.baseTopic() + "/availability"
}

func (n *Notifier) deliveriesTopic() string {
	return n.baseTopic() + "/deliveries"
}

func (n *Notifier) stateTopic(entity string) string {
	return n.baseTopic() + "/" + entity + "/state"
}

func (n *Notifier) attributesTopic(entity string) string {
	return n.baseTopic() + "/" + entity + "/attributes"
}

func (n *Notifier) publishAvailability(ctx context.Context, pub publisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   n.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		n.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		n.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic status loop ---

func (n *Notifier) runLoop(ctx context.Context) {
	interval := time.Duration(n.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.publishStates(ctx)
		}
	}
}

type tokenAttributes struct {
	Requests     int64            `json:"requests"`
	ByModel      map[string]int64 `json:"by_model"`
	LastDelivery string           `json:"last_delivery"`
}

func (n *Notifier) publishStates(ctx context.Context) {
	n.mu.RLock()
	pub := n.pub
	last := n.lastDelivery
	n.mu.RUnlock()
	if pub == nil || n.tokens == nil {
		return
	}

	total, requests, byModel := n.tokens.Snapshot()
	attrs := tokenAttributes{Requests: requests, ByModel: byModel, LastDelivery: "never"}
	if !last.IsZero() {
		attrs.LastDelivery = last.Format(time.RFC3339)
	}
	attrJSON, err := json.Marshal(attrs)
	if err != nil {
		n.logger.Error("mqtt marshal token attributes", "error", err)
		return
	}

	for topic, payload := range map[string][]byte{
		n.stateTopic("tokens_today"):      []byte(fmt.Sprintf("%d", total)),
		n.attributesTopic("tokens_today"): attrJSON,
	} {
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     0,
			Retain:  true,
		}); err != nil {
			n.logger.Debug("mqtt state publish failed", "topic", topic, "error", err)
		}
	}
	n.logger.Debug("mqtt status published", "tokens_today", total)
}
