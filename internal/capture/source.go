// Package capture owns the shared audio capture device and hands out an
// exclusive handle for reading fixed-size PCM chunks from it.
package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMaxReadRetries = 3
	defaultRetryDelay     = 50 * time.Millisecond
)

// State reports the lifecycle of the capture device.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFaulted:
		return "faulted"
	default:
		return "closed"
	}
}

// Driver acquires a PCM stream from a concrete capture backend. The returned
// stream yields interleaved little-endian samples in the requested format and
// must unblock pending reads when closed.
type Driver interface {
	Name() string
	Open(ctx context.Context, format Format) (io.ReadCloser, error)
}

// Option configures a Source.
type Option func(*Source)

// WithMaxReadRetries sets how many consecutive failed reads are tolerated
// before the source faults.
func WithMaxReadRetries(n int) Option {
	return func(s *Source) {
		if n >= 0 {
			s.maxReadRetries = n
		}
	}
}

// WithRetryDelay sets the pause between read retries.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Source) {
		if d >= 0 {
			s.retryDelay = d
		}
	}
}

// WithLogger attaches a logger for device events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Source guards a single capture device. At most one Handle is live at a time.
type Source struct {
	driver         Driver
	format         Format
	maxReadRetries int
	retryDelay     time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	handle *Handle
	state  atomic.Int32
}

// NewSource validates format and binds it to driver.
func NewSource(driver Driver, format Format, opts ...Option) (*Source, error) {
	if driver == nil {
		return nil, errors.New("capture driver required")
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	source := &Source{
		driver:         driver,
		format:         format,
		maxReadRetries: defaultMaxReadRetries,
		retryDelay:     defaultRetryDelay,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(source)
		}
	}
	return source, nil
}

// Format returns the PCM layout of every chunk.
func (s *Source) Format() Format {
	return s.format
}

// DriverName identifies the backend in logs and health output.
func (s *Source) DriverName() string {
	return s.driver.Name()
}

// State reports whether the device is closed, open or faulted.
func (s *Source) State() State {
	return State(s.state.Load())
}

// Open acquires the device exclusively. It fails with ErrDeviceBusy while
// another handle is live and with *OpenError when the driver cannot start,
// which leaves the source faulted until a later Open succeeds.
func (s *Source) Open(ctx context.Context) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil {
		return nil, ErrDeviceBusy
	}
	stream, err := s.driver.Open(ctx, s.format)
	if err != nil {
		s.fault()
		return nil, &OpenError{Driver: s.driver.Name(), Err: err}
	}
	handle := &Handle{
		source: s,
		stream: stream,
		chunk:  s.format.ChunkBytes(),
	}
	s.handle = handle
	s.state.Store(int32(StateOpen))
	s.logger.Info("capture device opened", "driver", s.driver.Name(), "sample_rate", s.format.SampleRate, "channels", s.format.Channels, "bit_depth", s.format.BitDepth)
	return handle, nil
}

func (s *Source) release(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != h {
		return
	}
	s.handle = nil
	if s.State() != StateFaulted {
		s.state.Store(int32(StateClosed))
	}
	s.logger.Info("capture device released", "driver", s.driver.Name())
}

func (s *Source) fault() {
	s.state.Store(int32(StateFaulted))
}

// Handle is the exclusive right to read from the device.
type Handle struct {
	source *Source
	stream io.ReadCloser
	chunk  int

	readMu    sync.Mutex
	fault     *CaptureFault
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// ReadChunk blocks until exactly one chunk of Format().ChunkBytes() bytes is
// available. Each call returns a freshly allocated slice. Read failures are
// retried with the device kept open and the bytes already read are kept; once retries are exhausted the source
// faults and every further call returns the same *CaptureFault. Closing the
// handle unblocks a pending read.
func (h *Handle) ReadChunk(ctx context.Context) ([]byte, error) {
	h.readMu.Lock()
	defer h.readMu.Unlock()
	if h.fault != nil {
		return nil, h.fault
	}
	buf := make([]byte, h.chunk)
	filled := 0
	attempts := 0
	for {
		if h.closed.Load() {
			return nil, ErrHandleClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := io.ReadFull(h.stream, buf[filled:])
		filled += n
		if err == nil {
			return buf, nil
		}
		if h.closed.Load() {
			return nil, ErrHandleClosed
		}
		attempts++
		if !retryable(err) || attempts > h.source.maxReadRetries {
			h.fault = &CaptureFault{Attempts: attempts, Err: err}
			h.source.fault()
			h.source.logger.Error("capture device faulted", "driver", h.source.driver.Name(), "attempts", attempts, "error", err)
			return nil, h.fault
		}
		h.source.logger.Warn("capture read failed, retrying", "attempt", attempts, "error", err)
		if err := sleepContext(ctx, h.source.retryDelay); err != nil {
			return nil, err
		}
	}
}

// Close releases the device. It is safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeErr = h.stream.Close()
		h.source.release(h)
	})
	return h.closeErr
}

// retryable reports whether a read error may clear on its own. A stream that
// has ended will not produce more data.
func retryable(err error) bool {
	return !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, errStreamClosed)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
