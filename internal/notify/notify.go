// Package notify broadcasts committed wallet events to NATS subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"msigwallet/internal/domain"
)

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends one message per event on <prefix>.<wallet>.<event type>.
// Delivery is best effort: a failed publish is logged and never undoes the
// state change it reports.
type Publisher struct {
	conn   Conn
	prefix string
	wallet string
	logger *slog.Logger
}

func NewPublisher(conn Conn, prefix, walletID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		prefix: strings.TrimSuffix(prefix, "."),
		wallet: walletID,
		logger: logger,
	}
}

// Connect dials url and returns a publisher with the function that closes
// the connection.
func Connect(url, prefix, walletID string, logger *slog.Logger) (*Publisher, func(), error) {
	nc, err := nats.Connect(url,
		nats.Name("msig-"+walletID),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	closer := func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	return NewPublisher(nc, prefix, walletID, logger), closer, nil
}

// Subject returns the subject an event type is published on.
func (p *Publisher) Subject(eventType string) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, p.wallet, eventType)
}

type message struct {
	ID         int64           `json:"id"`
	Wallet     string          `json:"wallet"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         time.Time       `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// Notify publishes evts in order.
func (p *Publisher) Notify(ctx context.Context, evts []domain.Event) {
	for _, evt := range evts {
		if ctx.Err() != nil {
			return
		}
		payload := json.RawMessage("{}")
		if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		}
		data, err := json.Marshal(message{
			ID:         evt.ID,
			Wallet:     p.wallet,
			Type:       evt.Type,
			EntityKind: evt.EntityKind,
			EntityID:   evt.EntityID,
			ActorID:    evt.ActorID,
			TS:         evt.TS,
			Payload:    payload,
		})
		if err != nil {
			p.logger.Warn("notify: marshal event", "event_id", evt.ID, "error", err)
			continue
		}
		if err := p.conn.Publish(p.Subject(evt.Type), data); err != nil {
			p.logger.Warn("notify: publish failed", "event_id", evt.ID, "type", evt.Type, "error", err)
		}
	}
}
