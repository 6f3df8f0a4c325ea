package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/dualstream/transport"
	"github.com/ggoodman/dualstream/transport/transporttest"
)

type streamPeer struct {
	client *redis.Client
	key    string
}

func (p *streamPeer) add(ctx context.Context, values map[string]any) error {
	return p.client.XAdd(ctx, &redis.XAddArgs{Stream: p.key, Values: values}).Err()
}

func (p *streamPeer) Send(ctx context.Context, payload []byte) error {
	return p.add(ctx, map[string]any{FieldData: payload})
}

func (p *streamPeer) Heartbeat(ctx context.Context) error {
	return p.add(ctx, map[string]any{FieldData: ""})
}

func (p *streamPeer) Hangup(ctx context.Context) error {
	return p.add(ctx, map[string]any{FieldEOF: "1"})
}

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newFixture(t *testing.T, client *redis.Client) (*Dialer, string, *streamPeer) {
	d := New(Config{Client: client, KeyPrefix: "test:dualstream:", Block: 100 * time.Millisecond})
	target := uuid.NewString()
	key := d.StreamKey(target)
	t.Cleanup(func() { client.Del(context.Background(), key) })
	return d, target, &streamPeer{client: client, key: key}
}

func TestRedisTransport(t *testing.T) {
	client := testClient(t)
	transporttest.RunConnectionTests(t, func(t *testing.T) transporttest.Fixture {
		d, target, peer := newFixture(t, client)
		return transporttest.Fixture{
			Dialer:  d,
			Request: &transport.Request{Target: target, Timeout: 2 * time.Second},
			Peer:    peer,
		}
	})
}

func TestDialSkipsExistingEntries(t *testing.T) {
	client := testClient(t)
	d, target, peer := newFixture(t, client)
	ctx := context.Background()
	require.NoError(t, peer.Send(ctx, []byte(`"old"`)))

	conn, err := d.Dial(ctx, &transport.Request{Target: target})
	require.NoError(t, err)
	defer conn.Disconnect()

	got := make(chan []byte, 4)
	conn.AddListener(transport.Listener{OnData: func(p []byte) { got <- p }})
	require.NoError(t, peer.Send(ctx, []byte(`"new"`)))

	select {
	case p := <-got:
		assert.Equal(t, `"new"`, string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("no data")
	}
}

func TestBlockTimeoutIsHeartbeat(t *testing.T) {
	client := testClient(t)
	d, target, _ := newFixture(t, client)

	conn, err := d.Dial(context.Background(), &transport.Request{Target: target})
	require.NoError(t, err)
	defer conn.Disconnect()

	beats := make(chan struct{}, 8)
	conn.AddListener(transport.Listener{OnHeartbeat: func() {
		select {
		case beats <- struct{}{}:
		default:
		}
	}})

	select {
	case <-beats:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat")
	}
}

func TestDialRequiresTarget(t *testing.T) {
	d := New(Config{Client: redis.NewClient(&redis.Options{Addr: "localhost:0"})})
	defer d.client.Close()
	_, err := d.Dial(context.Background(), &transport.Request{})
	require.Error(t, err)
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:6390")
	t.Setenv("DUALSTREAM_REDIS_PREFIX", "env:")
	t.Setenv("DUALSTREAM_REDIS_BLOCK", "250ms")

	d, err := NewFromEnv(nil)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, "env:stream:prices", d.StreamKey("prices"))
	assert.Equal(t, 250*time.Millisecond, d.block)
	assert.True(t, d.owned)
}
