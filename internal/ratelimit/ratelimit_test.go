package ratelimit

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Normola/AudioPirate/internal/testsupport/redisstub"
)

func TestAllowRequestWithoutGlobalLimit(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 100; i++ {
		require.True(t, l.AllowRequest())
	}
	var nilLimiter *Limiter
	assert.True(t, nilLimiter.AllowRequest())
}

func TestAllowRequestEnforcesBurst(t *testing.T) {
	l := New(Config{GlobalRPS: 1, GlobalBurst: 2})
	assert.True(t, l.AllowRequest())
	assert.True(t, l.AllowRequest())
	assert.False(t, l.AllowRequest())
}

func TestAllowLoginPerClient(t *testing.T) {
	l := New(Config{LoginLimit: 3, LoginWindow: time.Minute})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, _, err := l.AllowLogin(ctx, "10.0.0.1")
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", i+1)
	}
	ok, retry, err := l.AllowLogin(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, 20*time.Second)

	ok, _, err = l.AllowLogin(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok, "other clients keep their own budget")
}

func TestAllowLoginRefillsOverTime(t *testing.T) {
	l := New(Config{LoginLimit: 1, LoginWindow: time.Minute})
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _, _ := l.AllowLogin(ctx, "a")
	require.True(t, ok)
	ok, _, _ = l.AllowLogin(ctx, "a")
	require.False(t, ok)

	now = now.Add(time.Minute)
	ok, _, _ = l.AllowLogin(ctx, "a")
	assert.True(t, ok)
}

func TestAllowLoginDisabled(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 50; i++ {
		ok, _, err := l.AllowLogin(context.Background(), "a")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestCleanupDropsIdleClients(t *testing.T) {
	l := New(Config{LoginLimit: 1, LoginWindow: time.Second})
	now := time.Now()
	l.now = func() time.Time { return now }
	_, _, _ = l.AllowLogin(context.Background(), "old")
	now = now.Add(5 * time.Second)
	_, _, _ = l.AllowLogin(context.Background(), "new")
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.clients, "old")
	assert.Contains(t, l.clients, "new")
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	assert.Equal(t, "192.0.2.7", ClientKey(req))
	req.RemoteAddr = "[2001:db8::1]:80"
	assert.Equal(t, "2001:db8::1", ClientKey(req))
	req.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", ClientKey(req))
}

func TestRedisStoreSharesWindow(t *testing.T) {
	server, err := redisstub.Start(redisstub.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	client := redis.NewClient(&redis.Options{Addr: server.Addr(), DisableIndentity: true})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client, "")
	a := New(Config{LoginLimit: 2, LoginWindow: time.Minute, Store: store})
	b := New(Config{LoginLimit: 2, LoginWindow: time.Minute, Store: store})
	ctx := context.Background()

	ok, _, err := a.AllowLogin(ctx, "10.0.0.9")
	require.NoError(t, err)
	require.True(t, ok)
	ok, _, err = b.AllowLogin(ctx, "10.0.0.9")
	require.NoError(t, err)
	require.True(t, ok)

	ok, retry, err := a.AllowLogin(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, retry)

	server.Advance(time.Minute)
	ok, _, err = b.AllowLogin(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.True(t, ok)
}
