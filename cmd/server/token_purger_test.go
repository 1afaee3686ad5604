package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/Normola/AudioPirate/internal/auth"
	"github.com/Normola/AudioPirate/internal/observability/metrics"
)

type fakeTokenPurger struct {
	calls chan struct{}
	err   error
}

func newFakeTokenPurger() *fakeTokenPurger {
	return &fakeTokenPurger{calls: make(chan struct{}, 1)}
}

func (f *fakeTokenPurger) PurgeExpired(context.Context) error {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return f.err
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	m.c <- time.Now()
}

func purgeCount(t *testing.T, recorder *metrics.Recorder) float64 {
	t.Helper()
	families, err := recorder.Registry().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if strings.HasSuffix(family.GetName(), "token_purges_total") {
			return family.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatal("token purge counter not registered")
	return 0
}

func TestStartTokenPurgeWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	tokens := newFakeTokenPurger()
	recorder := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startTokenPurgeWorkerWithTicker(ctx, logger, tokens, recorder, time.Minute, func(time.Duration) purgeTicker {
		return ticker
	})

	ticker.Tick()
	select {
	case <-tokens.calls:
	case <-time.After(time.Second):
		t.Fatal("expected purge to be invoked")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
	if got := purgeCount(t, recorder); got != 1 {
		t.Fatalf("expected one recorded purge, got %v", got)
	}
}

func TestStartTokenPurgeWorkerKeepsRunningAfterError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	tokens := newFakeTokenPurger()
	tokens.err = errors.New("store offline")
	recorder := metrics.New()

	stop := startTokenPurgeWorkerWithTicker(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)), tokens, recorder, time.Minute, func(time.Duration) purgeTicker {
		return ticker
	})
	defer stop()

	for i := 0; i < 2; i++ {
		ticker.Tick()
		select {
		case <-tokens.calls:
		case <-time.After(time.Second):
			t.Fatalf("expected purge %d to be invoked", i+1)
		}
	}
	stop()
	if got := purgeCount(t, recorder); got != 0 {
		t.Fatalf("failed purges must not be counted, got %v", got)
	}
}

func TestStartTokenPurgeWorkerDisabled(t *testing.T) {
	stop := startTokenPurgeWorker(context.Background(), nil, newFakeTokenPurger(), nil, 0)
	stop()
	stop = startTokenPurgeWorker(context.Background(), nil, nil, nil, time.Second)
	stop()
}

func TestTokenPurgeWorkerSweepsMemoryStore(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := auth.NewMemoryTokenStore()
	tokens := auth.NewTokenManager(time.Hour, auth.WithTokenStore(store), auth.WithClock(func() time.Time { return now }))
	if _, err := tokens.Issue(context.Background()); err != nil {
		t.Fatalf("issue token: %v", err)
	}
	now = now.Add(2 * time.Hour)

	ticker := newManualTicker()
	stop := startTokenPurgeWorkerWithTicker(context.Background(), nil, tokens, metrics.New(), time.Minute, func(time.Duration) purgeTicker {
		return ticker
	})
	ticker.Tick()

	deadline := time.Now().Add(time.Second)
	for store.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected expired token to be purged, %d remain", store.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	stop()
}
