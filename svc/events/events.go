package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	PasteCreated   = "paste.created"
	PasteViewed    = "paste.viewed"
	PasteExhausted = "paste.exhausted"
)

// Event is the lifecycle notification published for a paste. It never
// carries paste content.
type Event struct {
	Type       string `json:"type"`
	PasteID    string `json:"paste_id"`
	At         int64  `json:"at_ms"`
	ViewCount  int64  `json:"view_count"`
	MaxViews   *int64 `json:"max_views,omitempty"`
	TTLSeconds *int64 `json:"ttl_seconds,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

type RabbitMQ struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	mu       sync.Mutex
}

func NewRabbitMQ(url, exchange string) (*RabbitMQ, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(5 * time.Second),
	})
	if err != nil {
		return nil, errors.Wrap(err, "dial amqp")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "open amqp channel")
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "declare exchange")
	}
	return &RabbitMQ{conn: conn, channel: ch, exchange: exchange}, nil
}

// Publish routes the event with its type as the routing key.
func (r *RabbitMQ) Publish(ctx context.Context, e Event) error {
	msg, err := publishing(e)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err = r.channel.PublishWithContext(ctx, r.exchange, e.Type, false, false, msg)
	return errors.Wrap(err, "publish "+e.Type)
}

// publishing builds the broker message. Each message gets its own id; the
// request that caused it travels as the correlation id, since one request
// can emit several events.
func publishing(e Event) (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, errors.Wrap(err, "marshal event")
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.UnixMilli(e.At),
		MessageId:     uuid.NewString(),
		CorrelationId: e.RequestID,
		Type:          e.Type,
		Body:          body,
	}, nil
}
func (r *RabbitMQ) Close() error {
	if err := r.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		r.conn.Close()
		return err
	}
	return r.conn.Close()
}
