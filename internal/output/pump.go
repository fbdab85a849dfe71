package output

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// ChunkSize is the read size for each stream.
const ChunkSize = 4096

// Pump reads the child's streams on background goroutines and queues chunks
// until the owner drains them into the Buffer.
type Pump struct {
	buf    *Buffer
	tee    io.Writer
	logger *log.Logger

	mu      sync.Mutex
	queue   [][]byte
	readers []io.ReadCloser
	started bool

	group    errgroup.Group
	eof      chan struct{}
	stopOnce sync.Once
}

// PumpOption customises a Pump.
type PumpOption func(*Pump)

// WithTee copies every drained chunk to w, for example a debug capture file.
func WithTee(w io.Writer) PumpOption {
	return func(p *Pump) { p.tee = w }
}

// WithLogger sets the pump's logger.
func WithLogger(logger *log.Logger) PumpOption {
	return func(p *Pump) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPump creates a pump that drains into buf.
func NewPump(buf *Buffer, opts ...PumpOption) *Pump {
	if buf == nil {
		buf = &Buffer{}
	}
	p := &Pump{
		buf:    buf,
		logger: log.New(io.Discard),
		eof:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Buffer returns the destination buffer.
func (p *Pump) Buffer() *Buffer {
	return p.buf
}

// Start begins reading each stream. It may be called once.
func (p *Pump) Start(streams ...io.ReadCloser) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	for _, stream := range streams {
		if stream != nil {
			p.readers = append(p.readers, stream)
		}
	}
	readers := append([]io.ReadCloser(nil), p.readers...)
	p.mu.Unlock()

	for _, stream := range readers {
		p.group.Go(func() error {
			return p.read(stream)
		})
	}
	go func() {
		if err := p.group.Wait(); err != nil {
			p.logger.With("error", err).Debug("output reader ended with error")
		}
		close(p.eof)
	}()
}

func (p *Pump) read(stream io.Reader) error {
	chunk := make([]byte, ChunkSize)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			p.mu.Lock()
			p.queue = append(p.queue, append([]byte(nil), chunk[:n]...))
			p.mu.Unlock()
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// Notice queues a supervisor-authored line behind the output read so far, so it
// reaches the Buffer and every drain consumer in stream order.
func (p *Pump) Notice(line string) {
	if line == "" {
		return
	}
	if line[len(line)-1] != '\n' {
		line += "\n"
	}
	p.mu.Lock()
	p.queue = append(p.queue, []byte(line))
	p.mu.Unlock()
}

// Drain moves queued chunks into the Buffer and returns the bytes it appended.
// It never blocks on the child.
func (p *Pump) Drain() []byte {
	p.mu.Lock()
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()
	if len(queued) == 0 {
		return nil
	}

	size := 0
	for _, chunk := range queued {
		size += len(chunk)
	}
	out := make([]byte, 0, size)
	for _, chunk := range queued {
		out = append(out, chunk...)
	}
	p.buf.Append(out)
	if p.tee != nil {
		if _, err := p.tee.Write(out); err != nil {
			p.logger.With("error", err).Debug("output tee write failed")
		}
	}
	return out
}

// Done is closed when every stream has reached end of file or been closed.
func (p *Pump) Done() <-chan struct{} {
	return p.eof
}

// Stop closes the read ends and waits for the readers to return. It is idempotent.
func (p *Pump) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		readers := p.readers
		started := p.started
		p.mu.Unlock()
		for _, stream := range readers {
			_ = stream.Close()
		}
		if started {
			<-p.eof
		}
	})
}

// StopAfter waits up to window for the streams to end naturally, then stops the pump.
func (p *Pump) StopAfter(window time.Duration) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started && window > 0 {
		timer := time.NewTimer(window)
		select {
		case <-p.eof:
		case <-timer.C:
			p.logger.With("window", window).Debug("output streams still open after drain window")
		}
		timer.Stop()
	}
	p.Stop()
}
