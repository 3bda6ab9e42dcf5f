// Package notify publishes the chat core's out-of-band events to NATS so the
// rest of the admin platform can surface them: unread indicators for
// non-active conversations, counterpart presence transitions, and channel
// connection state.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fixmate/support-console/internal/chat"
)

// NATS subject patterns used by the support console.
const (
	SubjectUnread     = "support.unread"     // + .<operator_id>
	SubjectPresence   = "support.presence"   // counterpart online/offline
	SubjectConnection = "support.connection" // + .<operator_id>
)

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
		Name:          "support-console",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Publisher wraps the NATS connection. It implements chat.Notifier. Publish
// failures are logged, never propagated; notifications are best effort.
type Publisher struct {
	conn       *nats.Conn
	operatorID string
}

// NewPublisher connects to NATS with the given config and returns a ready
// publisher scoped to one operator.
func NewPublisher(config Config, operatorID string) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[notify] disconnected: %v", err)
			} else {
				log.Printf("[notify] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[notify] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[notify] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: nats connect: %w", err)
	}

	log.Printf("[notify] connected to %s", nc.ConnectedUrl())

	return &Publisher{
		conn:       nc,
		operatorID: operatorID,
	}, nil
}

// unreadPayload is published on support.unread.<operator_id>.
type unreadPayload struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
	Unread   int    `json:"unread"`
	Preview  string `json:"preview"`
	Kind     string `json:"kind"`
	Ts       int64  `json:"ts"`
}

// UnreadMessage publishes an unread indicator for a non-active conversation.
func (p *Publisher) UnreadMessage(key chat.ConversationKey, count int, preview chat.Message) {
	p.publish(SubjectUnread+"."+p.operatorID, unreadPayload{
		UserID:   key.ID,
		UserType: string(key.Role),
		Unread:   count,
		Preview:  preview.Body,
		Kind:     string(preview.Kind),
		Ts:       preview.CreatedAt.Unix(),
	})
}

// presencePayload is published on support.presence.
type presencePayload struct {
	UserID   string `json:"user_id"`
	UserType string `json:"user_type"`
	IsOnline bool   `json:"is_online"`
}

// Presence publishes a counterpart online/offline transition.
func (p *Publisher) Presence(counterpartID string, role chat.Role, online bool) {
	p.publish(SubjectPresence, presencePayload{
		UserID:   counterpartID,
		UserType: string(role),
		IsOnline: online,
	})
}

// connectionPayload is published on support.connection.<operator_id>.
type connectionPayload struct {
	Connected bool `json:"connected"`
	Attempt   int  `json:"attempt"`
}

// ConnectionState publishes a channel state transition so dashboards can
// show the chat pane's health.
func (p *Publisher) ConnectionState(connected bool, attempt int) {
	p.publish(SubjectConnection+"."+p.operatorID, connectionPayload{
		Connected: connected,
		Attempt:   attempt,
	})
}

// Close drains the NATS connection.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		log.Printf("[notify] connection drain: %v", err)
	}
	log.Printf("[notify] publisher closed")
}

func (p *Publisher) publish(subject string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[notify] marshal for %s: %v", subject, err)
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		log.Printf("[notify] publish %s: %v", subject, err)
	}
}
