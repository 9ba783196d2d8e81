// Package events publishes relay lifecycle events to a message broker for
// the dashboard layer. Publishing is fire-and-forget from the engine's point
// of view; a broker outage never blocks relay work.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	TypeServiceStarted = "relay.service.started"
	TypeServiceStopped = "relay.service.stopped"
	TypeTenantStopped  = "relay.tenant.stopped"
)

type Meta struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// ServiceEvent is the payload of service started/stopped events.
type ServiceEvent struct {
	TenantID  string `json:"tenant_id"`
	ServiceID string `json:"service_id"`
	Name      string `json:"name,omitempty"`
}

// TenantEvent is the payload of tenant-level events.
type TenantEvent struct {
	TenantID string `json:"tenant_id"`
}

// NewEnvelope stamps a payload with id, type and time.
func NewEnvelope(eventType string, data any) Envelope {
	return Envelope{
		Meta: Meta{ID: uuid.NewString(), Type: eventType, OccurredAt: time.Now().UTC()},
		Data: data,
	}
}

type Publisher interface {
	Publish(ctx context.Context, key string, env Envelope) error
	Close() error
}

// NopPublisher discards everything. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Envelope) error { return nil }
func (NopPublisher) Close() error                                    { return nil }

type rmqPublisher struct {
	conn     *amqp.Connection
	exchange string
	log      zerolog.Logger
}

// NewRabbitPublisher connects to the broker and declares a durable topic
// exchange.
func NewRabbitPublisher(url, exchange string, log zerolog.Logger) (Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	return &rmqPublisher{
		conn:     conn,
		exchange: exchange,
		log:      log.With().Str("component", "events").Logger(),
	}, nil
}

func (p *rmqPublisher) Publish(ctx context.Context, key string, env Envelope) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Meta.ID,
		Timestamp:    env.Meta.OccurredAt,
		Body:         body,
	})
	if err == nil {
		p.log.Debug().Str("key", key).Str("type", env.Meta.Type).Msg("published")
	}
	return err
}

func (p *rmqPublisher) Close() error {
	return p.conn.Close()
}
