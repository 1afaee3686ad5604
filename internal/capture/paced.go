package capture

import (
	"sync"
	"time"
)

// pacedStream releases one generated chunk per chunk interval, so file and
// synthetic drivers behave like a real device clock.
type pacedStream struct {
	fill    func([]byte)
	size    int
	ticker  *time.Ticker
	pending []byte
	done    chan struct{}
	once    sync.Once
}

func newPacedStream(format Format, fill func([]byte)) *pacedStream {
	return &pacedStream{
		fill:   fill,
		size:   format.ChunkBytes(),
		ticker: time.NewTicker(format.ChunkDuration()),
		done:   make(chan struct{}),
	}
}

func (p *pacedStream) Read(dst []byte) (int, error) {
	if len(p.pending) == 0 {
		select {
		case <-p.done:
			return 0, errStreamClosed
		case <-p.ticker.C:
		}
		buf := make([]byte, p.size)
		p.fill(buf)
		p.pending = buf
	}
	n := copy(dst, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *pacedStream) Close() error {
	p.once.Do(func() {
		p.ticker.Stop()
		close(p.done)
	})
	return nil
}
