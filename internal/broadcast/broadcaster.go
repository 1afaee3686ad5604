// Package broadcast fans captured audio out to per-session queues.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Normola/AudioPirate/internal/capture"
	"github.com/Normola/AudioPirate/internal/observability/metrics"
)

const (
	defaultReacquireCooldown    = time.Second
	defaultMaxReacquireCooldown = 30 * time.Second
)

var (
	// ErrClosed is returned by Register after Shutdown.
	ErrClosed = errors.New("broadcaster shut down")
	// ErrCaptureUnavailable is returned by Register while the device cannot
	// be opened.
	ErrCaptureUnavailable = errors.New("capture device unavailable")

	errIdle = errors.New("no subscribers")
)

// Config configures a Broadcaster.
type Config struct {
	Source  *capture.Source
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// ReacquireCooldown is the first pause before reopening a failed device.
	// It doubles per consecutive failure up to MaxReacquireCooldown.
	ReacquireCooldown    time.Duration
	MaxReacquireCooldown time.Duration
	// ReacquireAttempts bounds consecutive failed acquisitions. Once reached,
	// Run stops reopening the device and the source stays faulted until
	// restart. Zero retries forever.
	ReacquireAttempts int
	// IdleRelease, when positive, closes the device once no queue has been
	// registered for this long and reopens it on the next Register.
	IdleRelease time.Duration
}

// Stats is a point-in-time view of the broadcaster.
type Stats struct {
	Subscribers  int    `json:"subscribers"`
	Published    uint64 `json:"chunks_published"`
	Dropped      uint64 `json:"chunks_dropped"`
	CaptureState string `json:"capture_state"`
	Driver       string `json:"driver"`
}

// Broadcaster reads chunks from the capture source and pushes each one onto
// every registered queue. Registration is copy-on-write, so the per-chunk
// fan-out takes no lock.
type Broadcaster struct {
	source  *capture.Source
	logger  *slog.Logger
	metrics *metrics.Recorder

	cooldown    time.Duration
	maxCooldown time.Duration
	attempts    int
	idleRelease time.Duration

	mu          sync.Mutex
	subs        atomic.Pointer[[]*Queue]
	closed      bool
	unavailable atomic.Bool
	wake        chan struct{}

	seq       uint64
	published atomic.Uint64
	dropped   atomic.Uint64
}

// New constructs a Broadcaster for cfg.Source.
func New(cfg Config) (*Broadcaster, error) {
	if cfg.Source == nil {
		return nil, errors.New("capture source required")
	}
	b := &Broadcaster{
		source:      cfg.Source,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		cooldown:    cfg.ReacquireCooldown,
		maxCooldown: cfg.MaxReacquireCooldown,
		attempts:    cfg.ReacquireAttempts,
		idleRelease: cfg.IdleRelease,
		wake:        make(chan struct{}, 1),
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.metrics == nil {
		b.metrics = metrics.Default()
	}
	if b.cooldown <= 0 {
		b.cooldown = defaultReacquireCooldown
	}
	if b.maxCooldown < b.cooldown {
		b.maxCooldown = max(defaultMaxReacquireCooldown, b.cooldown)
	}
	empty := make([]*Queue, 0)
	b.subs.Store(&empty)
	return b, nil
}

// Format reports the PCM layout of every published chunk.
func (b *Broadcaster) Format() capture.Format {
	return b.source.Format()
}

// Register adds q to the fan-out. It receives chunks produced after this call;
// nothing is replayed. After Shutdown the queue is closed immediately and
// ErrClosed is returned. While the last attempt to open the device failed the
// queue is closed with ReasonCaptureFault and ErrCaptureUnavailable is
// returned.
func (b *Broadcaster) Register(q *Queue) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		q.Close(ReasonServerShutdown)
		return ErrClosed
	}
	if b.unavailable.Load() {
		b.mu.Unlock()
		q.Close(ReasonCaptureFault)
		return ErrCaptureUnavailable
	}
	current := *b.subs.Load()
	for _, existing := range current {
		if existing == q {
			b.mu.Unlock()
			return nil
		}
	}
	next := make([]*Queue, len(current), len(current)+1)
	copy(next, current)
	next = append(next, q)
	b.subs.Store(&next)
	b.mu.Unlock()

	b.metrics.SetSubscribers(len(next))
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Unregister removes q. Unknown queues are ignored.
func (b *Broadcaster) Unregister(q *Queue) {
	b.mu.Lock()
	current := *b.subs.Load()
	next := make([]*Queue, 0, len(current))
	for _, existing := range current {
		if existing != q {
			next = append(next, existing)
		}
	}
	if len(next) != len(current) {
		b.subs.Store(&next)
	}
	b.mu.Unlock()
	b.metrics.SetSubscribers(len(next))
}

// Shutdown terminates every registered queue with reason and refuses further
// registrations.
func (b *Broadcaster) Shutdown(reason CloseReason) {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.terminateAll(reason)
}

// Stats reports subscriber and throughput counters.
func (b *Broadcaster) Stats() Stats {
	return Stats{
		Subscribers:  len(*b.subs.Load()),
		Published:    b.published.Load(),
		Dropped:      b.dropped.Load(),
		CaptureState: b.source.State().String(),
		Driver:       b.source.DriverName(),
	}
}

func (b *Broadcaster) terminateAll(reason CloseReason) {
	b.mu.Lock()
	current := *b.subs.Load()
	empty := make([]*Queue, 0)
	b.subs.Store(&empty)
	b.mu.Unlock()
	for _, q := range current {
		q.Close(reason)
	}
	b.metrics.SetSubscribers(0)
	if len(current) > 0 {
		b.logger.Info("terminated subscribers", "count", len(current), "reason", string(reason))
	}
}

// Run drives the capture loop until ctx is cancelled. Capture faults and
// failed reopens end every registered queue with ReasonCaptureFault before the
// device is reacquired. Once ReacquireAttempts consecutive acquisitions have
// failed Run stops reopening and blocks until ctx is cancelled, leaving the
// source faulted.
func (b *Broadcaster) Run(ctx context.Context) {
	failures := 0
	cooldown := b.cooldown
	for {
		if b.idleRelease > 0 && !b.unavailable.Load() {
			if err := b.waitForSubscribers(ctx); err != nil {
				return
			}
		}

		handle, err := b.source.Open(ctx)
		if err == nil {
			b.unavailable.Store(false)
			b.metrics.CaptureReacquire(true)
			b.metrics.SetCaptureState(capture.StateOpen.String())
			var delivered bool
			delivered, err = b.pump(ctx, handle)
			_ = handle.Close()
			if ctx.Err() != nil {
				b.metrics.SetCaptureState(capture.StateClosed.String())
				return
			}
			if errors.Is(err, errIdle) {
				b.logger.Info("releasing idle capture device", "idle_for", b.idleRelease)
				b.metrics.SetCaptureState(capture.StateClosed.String())
				failures, cooldown = 0, b.cooldown
				continue
			}
			if delivered {
				failures, cooldown = 0, b.cooldown
			}
			b.metrics.CaptureFault()
		} else {
			if ctx.Err() != nil {
				return
			}
			b.unavailable.Store(true)
			b.metrics.CaptureReacquire(false)
		}
		b.metrics.SetCaptureState(capture.StateFaulted.String())
		b.terminateAll(ReasonCaptureFault)

		failures++
		if b.attempts > 0 && failures >= b.attempts {
			b.unavailable.Store(true)
			b.logger.Error("capture device unavailable, giving up", "attempts", failures, "error", err)
			<-ctx.Done()
			return
		}
		b.logger.Warn("capture unavailable, retrying", "attempt", failures, "retry_in", cooldown, "error", err)
		if !sleep(ctx, cooldown) {
			return
		}
		cooldown = min(cooldown*2, b.maxCooldown)
	}
}

func (b *Broadcaster) waitForSubscribers(ctx context.Context) error {
	for len(*b.subs.Load()) == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.wake:
		}
	}
	return nil
}

// pump reads chunks until the handle fails, ctx ends, or the idle timer
// fires. It reports whether at least one chunk was published.
func (b *Broadcaster) pump(ctx context.Context, handle *capture.Handle) (bool, error) {
	stop := context.AfterFunc(ctx, func() { _ = handle.Close() })
	defer stop()

	delivered := false
	var emptySince time.Time
	for {
		data, err := handle.ReadChunk(ctx)
		if err != nil {
			return delivered, err
		}
		delivered = true
		now := time.Now()
		b.seq++
		subscribers := b.publish(Chunk{Seq: b.seq, Data: data, CapturedAt: now})

		if b.idleRelease <= 0 {
			continue
		}
		if subscribers > 0 {
			emptySince = time.Time{}
			continue
		}
		if emptySince.IsZero() {
			emptySince = now
		} else if now.Sub(emptySince) >= b.idleRelease {
			return delivered, errIdle
		}
	}
}

func (b *Broadcaster) publish(chunk Chunk) int {
	subs := *b.subs.Load()
	b.published.Add(1)
	b.metrics.ChunkCaptured()
	for _, q := range subs {
		if q.Push(chunk) {
			b.dropped.Add(1)
			b.metrics.ChunksDropped(1)
			b.logger.Debug("session queue full, dropped oldest chunk", "seq", chunk.Seq, "queue_dropped", q.Dropped())
		}
	}
	return len(subs)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
