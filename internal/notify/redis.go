// Package notify publishes downstream notifications over redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lalith-99/admitflow/internal/payment"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventPaymentConfirmed is the message type of a credited payment.
const EventPaymentConfirmed = "payment.confirmed"

// Envelope is the wire shape of every message on the channel.
type Envelope struct {
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// RedisPublisher implements payment.Publisher.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
	now     func() time.Time
}

func NewRedisPublisher(client *redis.Client, channel string, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewRedisClient parses a redis:// URL and checks the connection.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (p *RedisPublisher) PublishPaymentConfirmed(ctx context.Context, msg payment.PaymentConfirmed) error {
	payload, err := encode(EventPaymentConfirmed, p.now(), msg)
	if err != nil {
		return err
	}

	receivers, err := p.client.Publish(ctx, p.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", EventPaymentConfirmed, err)
	}
	p.logger.Debug("notification published",
		zap.String("type", EventPaymentConfirmed),
		zap.String("payment_id", msg.PaymentID.String()),
		zap.Int64("receivers", receivers),
	)
	return nil
}

func encode(eventType string, at time.Time, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return json.Marshal(Envelope{Type: eventType, OccurredAt: at, Data: raw})
}
