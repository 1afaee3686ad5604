package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Normola/AudioPirate/internal/observability/metrics"
)

type tokenPurger interface {
	PurgeExpired(ctx context.Context) error
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

// startTokenPurgeWorker sweeps expired tokens from the store every interval
// until ctx ends or the returned stop function is called.
func startTokenPurgeWorker(ctx context.Context, logger *slog.Logger, tokens tokenPurger, recorder *metrics.Recorder, interval time.Duration) func() {
	return startTokenPurgeWorkerWithTicker(ctx, logger, tokens, recorder, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startTokenPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	tokens tokenPurger,
	recorder *metrics.Recorder,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if tokens == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if err := tokens.PurgeExpired(workerCtx); err != nil {
					if logger != nil && workerCtx.Err() == nil {
						logger.Error("failed to purge expired tokens", "error", err)
					}
					continue
				}
				if recorder != nil {
					recorder.TokensPurged()
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
