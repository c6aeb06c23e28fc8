// Package events publishes match lifecycle events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"trivia-duel/internal/model"
)

// Routing keys.
const (
	KeyMatchCreated = "match.created"
	KeyMatchSettled = "match.settled"
)

const publishTimeout = 5 * time.Second

// Envelope is the JSON body of every published message.
type Envelope struct {
	EventID    string       `json:"eventId"`
	Type       string       `json:"type"`
	OccurredAt time.Time    `json:"occurredAt"`
	Match      *model.Match `json:"match"`
}

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes to a topic exchange. A single channel is shared and
// guarded by a mutex since amqp channels are not safe for concurrent publish.
type AMQPPublisher struct {
	url      string
	exchange string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   channel
	now  func() time.Time
}

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{
		url:      url,
		exchange: exchange,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	log.Info().Str("exchange", exchange).Msg("Connected to RabbitMQ")
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		p.exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.conn = conn
	p.ch = ch
	return nil
}

// MatchCreated publishes match.created.
func (p *AMQPPublisher) MatchCreated(ctx context.Context, m *model.Match) error {
	return p.publish(ctx, KeyMatchCreated, m)
}

// MatchSettled publishes match.settled.
func (p *AMQPPublisher) MatchSettled(ctx context.Context, m *model.Match) error {
	return p.publish(ctx, KeyMatchSettled, m)
}

func (p *AMQPPublisher) publish(ctx context.Context, key string, m *model.Match) error {
	env := Envelope{
		EventID:    uuid.NewString(),
		Type:       key,
		OccurredAt: p.now(),
		Match:      m,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.EventID,
		Timestamp:    env.OccurredAt,
		Type:         key,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil {
		if err := p.connect(); err != nil {
			return err
		}
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		// Drop the channel so the next publish reconnects.
		p.closeLocked()
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}

	log.Debug().Str("match_id", m.MatchID).Str("event_type", key).Msg("Published event")
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *AMQPPublisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Noop discards events. It is used when no broker is configured.
type Noop struct{}

// MatchCreated does nothing.
func (Noop) MatchCreated(context.Context, *model.Match) error { return nil }

// MatchSettled does nothing.
func (Noop) MatchSettled(context.Context, *model.Match) error { return nil }

// Close does nothing.
func (Noop) Close() {}
