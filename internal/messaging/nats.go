// Package messaging relays live messenger activity over NATS so that other
// processes can observe conversations and feed outgoing text back into the
// active session.
package messaging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/multitask/messenger/internal/metrics"
)

// NATS subjects used by the relay.
const (
	SubjectEvents        = "messenger.events"        // + .<conversation_id>
	SubjectNotifications = "messenger.notifications" // + .<user_id>
	SubjectOutbox        = "messenger.outbox"
)

// Event is the relayed form of one live event.
type Event struct {
	Type           string      `json:"type"`
	ConversationID int64       `json:"conversation_id,omitempty"`
	At             time.Time   `json:"at"`
	Payload        interface{} `json:"payload,omitempty"`
}

// OutboxMessage is text to be submitted by the active session. A zero
// ConversationID means the currently open conversation.
type OutboxMessage struct {
	ConversationID int64  `json:"conversation_id,omitempty"`
	Text           string `json:"text"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "messenger",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Relay wraps the NATS connection.
type Relay struct {
	conn   *nats.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Connect dials NATS and returns a ready relay. It returns an error if the
// initial connection fails.
func Connect(cfg Config, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("[nats] disconnected", "err", err)
			} else {
				logger.Info("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("[nats] reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: connect: %w", err)
	}
	logger.Info("[nats] connected", "url", nc.ConnectedUrl())

	return &Relay{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// EventSubject returns the subject events of a conversation are published on.
func EventSubject(conversationID int64) string {
	return SubjectEvents + "." + strconv.FormatInt(conversationID, 10)
}

// NotificationSubject returns the subject a user's notifications are
// published on.
func NotificationSubject(userID int64) string {
	return SubjectNotifications + "." + strconv.FormatInt(userID, 10)
}

// Publish sends data to the given subject.
func (r *Relay) Publish(subject string, data []byte) error {
	if err := r.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// PublishEvent publishes ev on its conversation's event subject.
func (r *Relay) PublishEvent(ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: marshal event: %w", err)
	}
	if err := r.Publish(EventSubject(ev.ConversationID), data); err != nil {
		return err
	}
	metrics.RelayPublished.WithLabelValues("event").Inc()
	return nil
}

// PublishNotification publishes ev on the user's notification subject.
func (r *Relay) PublishNotification(userID int64, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("messaging: marshal notification: %w", err)
	}
	if err := r.Publish(NotificationSubject(userID), data); err != nil {
		return err
	}
	metrics.RelayPublished.WithLabelValues("notification").Inc()
	return nil
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup. It returns once the server has
// processed the subscription.
func (r *Relay) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := r.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	r.mu.Lock()
	if old, ok := r.subs[subject]; ok {
		_ = old.Unsubscribe()
	}
	r.subs[subject] = sub
	r.mu.Unlock()

	if err := r.Flush(); err != nil {
		return fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}
	return nil
}

// SubscribeOutbox delivers decoded outbox messages to handler. Malformed
// or empty payloads are logged and dropped.
func (r *Relay) SubscribeOutbox(handler func(OutboxMessage)) error {
	return r.Subscribe(SubjectOutbox, func(msg *nats.Msg) {
		m, err := DecodeOutbox(msg.Data)
		if err != nil {
			r.logger.Warn("[nats] dropping outbox message", "err", err)
			return
		}
		handler(m)
	})
}

// Unsubscribe removes the subscription for subject.
func (r *Relay) Unsubscribe(subject string) error {
	r.mu.Lock()
	sub, ok := r.subs[subject]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("messaging: no subscription for subject %s", subject)
	}
	delete(r.subs, subject)
	r.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("messaging: unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (r *Relay) Flush() error {
	return r.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for subject, sub := range r.subs {
		if err := sub.Drain(); err != nil {
			r.logger.Warn("[nats] drain", "subject", subject, "err", err)
		}
	}
	r.subs = make(map[string]*nats.Subscription)

	if err := r.conn.Drain(); err != nil {
		r.logger.Warn("[nats] connection drain", "err", err)
	}
	r.logger.Info("[nats] relay closed")
}

// DecodeOutbox parses an outbox payload. A bare string payload that is not
// JSON is accepted as text for the open conversation.
func DecodeOutbox(data []byte) (OutboxMessage, error) {
	var m OutboxMessage
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &m); err != nil {
			return OutboxMessage{}, fmt.Errorf("messaging: decode outbox: %w", err)
		}
	} else {
		m.Text = trimmed
	}
	if strings.TrimSpace(m.Text) == "" {
		return OutboxMessage{}, fmt.Errorf("messaging: decode outbox: empty text")
	}
	return m, nil
}
