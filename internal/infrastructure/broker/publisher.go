package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/vitos/crypto_trade_signal/internal/domain"
	"go.uber.org/zap"
)

// channel is the slice of *amqp091.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher forwards engine events to a RabbitMQ topic exchange. The routing key is
// "<prefix>.<kind>", e.g. "trading.signal".
type Publisher struct {
	conn     *amqp091.Connection
	channel  channel
	exchange string
	prefix   string
	timeout  time.Duration
	logger   *zap.Logger
	timeNow  func() time.Time
}

var _ domain.EventPublisher = (*Publisher)(nil)

// Envelope is the message body published for every event.
type Envelope struct {
	Kind    string    `json:"kind"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// NewPublisher dials RabbitMQ, declares the durable topic exchange and returns a publisher.
// Connection attempts are retried a few times before giving up.
func NewPublisher(amqpURI, exchange, prefix string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var conn *amqp091.Connection
	var err error
	for i := 0; i < 5; i++ {
		conn, err = amqp091.Dial(amqpURI)
		if err == nil {
			break
		}
		logger.Warn("RabbitMQ connection attempt failed", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}

	p := newPublisher(ch, exchange, prefix, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "trading"
	}
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		prefix:   prefix,
		timeout:  5 * time.Second,
		logger:   logger,
		timeNow:  time.Now,
	}
}

func (p *Publisher) Publish(ctx context.Context, kind string, payload any) error {
	body, err := json.Marshal(Envelope{Kind: kind, Time: p.timeNow().UTC(), Payload: payload})
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	key := p.prefix + "." + kind
	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    p.timeNow(),
			Type:         kind,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", key, p.exchange, err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
