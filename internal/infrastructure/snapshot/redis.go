package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vitos/crypto_trade_signal/internal/domain"
)

type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher stores the latest engine snapshot under "<prefix>:snapshot" and announces
// each update on the "<prefix>:snapshot:updates" channel for the dashboard.
type RedisPublisher struct {
	client redisClient
	closer func() error
	prefix string
	ttl    time.Duration
}

var _ domain.SnapshotPublisher = (*RedisPublisher)(nil)

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

func NewRedisPublisher(opts Options) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	p := newRedisPublisher(client, opts.Prefix, opts.TTL)
	p.closer = client.Close
	return p
}

func newRedisPublisher(client redisClient, prefix string, ttl time.Duration) *RedisPublisher {
	if prefix == "" {
		prefix = "trading"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisPublisher{client: client, prefix: prefix, ttl: ttl}
}

func (p *RedisPublisher) Key() string { return p.prefix + ":snapshot" }

func (p *RedisPublisher) PublishSnapshot(ctx context.Context, snapshot any) error {
	body, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := p.client.Set(ctx, p.Key(), body, p.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", p.Key(), err)
	}
	if err := p.client.Publish(ctx, p.Key()+":updates", body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
