package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultALSADevice is tried after every configured device.
	DefaultALSADevice = "hw:0,0"

	defaultStartupTimeout = 2 * time.Second
	stderrLimit           = 4096
)

// ALSADriver captures from an ALSA device through arecord, walking Devices
// in order and falling back to DefaultALSADevice.
type ALSADriver struct {
	Devices []string
	// Command overrides the arecord binary.
	Command string
	// StartupTimeout bounds how long a device may take to produce its first
	// bytes before the next device is tried.
	StartupTimeout time.Duration
	Logger         *slog.Logger
}

func (d *ALSADriver) Name() string {
	return "alsa"
}

// Candidates returns the device list in the order Open tries it.
func (d *ALSADriver) Candidates() []string {
	seen := make(map[string]struct{}, len(d.Devices)+1)
	out := make([]string, 0, len(d.Devices)+1)
	for _, dev := range append(append([]string{}, d.Devices...), DefaultALSADevice) {
		dev = strings.TrimSpace(dev)
		if dev == "" {
			continue
		}
		if _, ok := seen[dev]; ok {
			continue
		}
		seen[dev] = struct{}{}
		out = append(out, dev)
	}
	return out
}

func (d *ALSADriver) Open(ctx context.Context, format Format) (io.ReadCloser, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	for _, dev := range d.Candidates() {
		stream, err := d.start(ctx, dev, format)
		if err == nil {
			logger.Info("alsa device selected", "device", dev)
			return stream, nil
		}
		logger.Warn("alsa device unavailable", "device", dev, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", dev, err))
	}
	return nil, errors.Join(errs...)
}

func (d *ALSADriver) start(ctx context.Context, device string, format Format) (*arecordStream, error) {
	command := d.Command
	if command == "" {
		command = "arecord"
	}
	cmd := exec.Command(command,
		"-q",
		"-D", device,
		"-f", format.ALSASampleFormat(),
		"-r", strconv.Itoa(format.SampleRate),
		"-c", strconv.Itoa(format.Channels),
		"--period-size="+strconv.Itoa(format.ChunkSamples),
		"-t", "raw",
	)
	stderr := &limitedBuffer{limit: stderrLimit}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	stream := &arecordStream{cmd: cmd, reader: bufio.NewReaderSize(stdout, format.ChunkBytes())}

	timeout := d.StartupTimeout
	if timeout <= 0 {
		timeout = defaultStartupTimeout
	}
	peeked := make(chan error, 1)
	go func() {
		_, err := stream.reader.Peek(1)
		peeked <- err
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-peeked:
		if err == nil {
			return stream, nil
		}
		_ = stream.Close()
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, errors.New(msg)
		}
		return nil, fmt.Errorf("arecord exited: %w", err)
	case <-timer.C:
		_ = stream.Close()
		return nil, fmt.Errorf("no audio within %s", timeout)
	case <-ctx.Done():
		_ = stream.Close()
		return nil, ctx.Err()
	}
}

type arecordStream struct {
	cmd    *exec.Cmd
	reader *bufio.Reader
	once   sync.Once
}

func (s *arecordStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *arecordStream) Close() error {
	s.once.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		_ = s.cmd.Wait()
	})
	return nil
}

type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
