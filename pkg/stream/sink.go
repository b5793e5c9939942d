package stream

import (
	"errors"
	"sync"
)

// errWriteCancelled is returned by a write abandoned because the response
// was cancelled.
var errWriteCancelled = errors.New("write cancelled")

// cancellableWriter is implemented by sinks whose writes may block on a
// slow reader.
type cancellableWriter interface {
	WriteUntil(c Chunk, done <-chan struct{}) error
}

// writeUntil writes c to s, giving up when done is closed if s supports it.
func writeUntil(s Sink, c Chunk, done <-chan struct{}) error {
	if w, ok := s.(cancellableWriter); ok {
		return w.WriteUntil(c, done)
	}
	return s.Write(c)
}

// Sink receives paced output. After Close or Fail a sink accepts nothing
// more.
type Sink interface {
	Write(c Chunk) error
	// Fail surfaces a terminal error and ends the sink.
	Fail(err error)
	Close() error
}

// guardedSink makes Close and Fail happen at most once in total.
type guardedSink struct {
	mu     sync.Mutex
	inner  Sink
	closed bool
}

// Guard wraps s so that a second Close, or any call after Fail, is swallowed
// and writes after the end return ErrSinkClosed.
func Guard(s Sink) Sink {
	if g, ok := s.(*guardedSink); ok {
		return g
	}
	return &guardedSink{inner: s}
}

func (g *guardedSink) Write(c Chunk) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrSinkClosed
	}
	return g.inner.Write(c)
}

func (g *guardedSink) WriteUntil(c Chunk, done <-chan struct{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrSinkClosed
	}
	return writeUntil(g.inner, c, done)
}

func (g *guardedSink) Fail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.inner.Fail(err)
}

func (g *guardedSink) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.inner.Close()
}

// ChanSink delivers chunks over a channel. The reader ranges over Chunks
// until it is closed; an error chunk is always the last one. A reader that
// goes away calls Detach so pending writes fail instead of blocking.
//
// ChanSink expects a single writer and is normally used through Guard.
type ChanSink struct {
	ch         chan Chunk
	detached   chan struct{}
	detachOnce sync.Once
}

// NewChanSink creates a sink with the given channel buffer.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{
		ch:       make(chan Chunk, buffer),
		detached: make(chan struct{}),
	}
}

// Chunks returns the read side.
func (s *ChanSink) Chunks() <-chan Chunk {
	return s.ch
}

// Detach tells the writer that nobody reads anymore.
func (s *ChanSink) Detach() {
	s.detachOnce.Do(func() { close(s.detached) })
}

func (s *ChanSink) Write(c Chunk) error {
	return s.WriteUntil(c, nil)
}

// WriteUntil is Write that also returns when done is closed while the
// reader is not keeping up.
func (s *ChanSink) WriteUntil(c Chunk, done <-chan struct{}) error {
	select {
	case <-s.detached:
		return ErrSinkClosed
	case <-done:
		return errWriteCancelled
	default:
	}
	select {
	case s.ch <- c:
		return nil
	case <-s.detached:
		return ErrSinkClosed
	case <-done:
		return errWriteCancelled
	}
}

func (s *ChanSink) Fail(err error) {
	_ = s.Write(Chunk{Err: err})
	close(s.ch)
}

func (s *ChanSink) Close() error {
	close(s.ch)
	return nil
}
