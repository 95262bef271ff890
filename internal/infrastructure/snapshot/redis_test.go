package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	values    map[string]interface{}
	ttls      map[string]time.Duration
	published map[string][]interface{}
	setErr    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		values:    map[string]interface{}{},
		ttls:      map[string]time.Duration{},
		published: map[string][]interface{}{},
	}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if f.setErr != nil {
		cmd.SetErr(f.setErr)
		return cmd
	}
	f.values[key] = value
	f.ttls[key] = expiration
	cmd.SetVal("OK")
	return cmd
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.published[channel] = append(f.published[channel], message)
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func TestRedisPublisher_StoresAndAnnounces(t *testing.T) {
	fake := newFakeRedis()
	p := newRedisPublisher(fake, "bot", 30*time.Second)

	require.NoError(t, p.PublishSnapshot(context.Background(), map[string]any{"running": true}))

	assert.JSONEq(t, `{"running":true}`, string(fake.values["bot:snapshot"].([]byte)))
	assert.Equal(t, 30*time.Second, fake.ttls["bot:snapshot"])
	assert.Len(t, fake.published["bot:snapshot:updates"], 1)
}

func TestRedisPublisher_SetFailure(t *testing.T) {
	fake := newFakeRedis()
	fake.setErr = errors.New("READONLY")
	p := newRedisPublisher(fake, "", 0)

	err := p.PublishSnapshot(context.Background(), struct{}{})
	assert.ErrorContains(t, err, "READONLY")
	assert.Empty(t, fake.published)
	assert.Equal(t, "trading:snapshot", p.Key())
}
