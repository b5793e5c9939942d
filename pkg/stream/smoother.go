package stream

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"relay/pkg/llm"
	"relay/pkg/metadata"
)

// Defaults for Smoother.
const (
	DefaultInterval    = 8 * time.Millisecond
	DefaultChunkSize   = 3
	DefaultIdleTimeout = 2 * time.Minute
)

// errStopped marks a producer that exited because of cancellation.
var errStopped = errors.New("stopped")

// CitationProcessor rewrites streamed fragments and reports the citations
// collected so far. metadata.Tracker implements it.
type CitationProcessor interface {
	ProcessFragment(text string) string
	Citations() []metadata.Citation
}

// citationObserver receives provider-reported sources.
type citationObserver interface {
	Observe(citations ...metadata.Citation)
}

// fragmentFlusher releases text a processor held back.
type fragmentFlusher interface {
	Flush() string
}

// Result describes how one response ended.
type Result struct {
	// Content is the visible answer with thinking spans removed. On
	// cancellation or failure it is the raw text received so far.
	Content      string
	Metadata     metadata.Metadata
	FinishReason string
	Usage        *llm.LLMUsage
	Cancelled    bool
	Err          error
}

// Smoother re-emits a bursty delta sequence to a sink at a steady pace.
type Smoother struct {
	Interval    time.Duration
	ChunkSize   int
	IdleTimeout time.Duration // 0 disables the idle check
}

// NewSmoother creates a Smoother, replacing non-positive pacing values with
// the defaults.
func NewSmoother(interval time.Duration, chunkSize int, idleTimeout time.Duration) *Smoother {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Smoother{Interval: interval, ChunkSize: chunkSize, IdleTimeout: idleTimeout}
}

// Pipe runs the smoother in the background and returns the sink to read
// from together with a channel delivering the final Result.
func (s *Smoother) Pipe(deltas <-chan llm.Delta, c *Canceller, proc CitationProcessor) (*ChanSink, <-chan Result) {
	sink := NewChanSink(32)
	results := make(chan Result, 1)
	go func() {
		results <- s.Run(deltas, c, sink, proc)
	}()
	return sink, results
}

// producerState is written by the producer goroutine and read by Run only
// after the producer has reported on its done channel.
type producerState struct {
	all          strings.Builder
	finishReason string
	usage        *llm.LLMUsage
}

// Run consumes deltas until they end, c fires, or an error arrives, writing
// paced text to sink. It returns once sink has been closed or failed.
//
// On natural end the buffer is drained, one metadata chunk is written and the
// sink is closed. On cancellation or an abort-class error the buffer is
// discarded and the sink is closed with no metadata. Any other error is
// surfaced once through sink.Fail after the buffered text has been drained.
func (s *Smoother) Run(deltas <-chan llm.Delta, c *Canceller, sink Sink, proc CitationProcessor) Result {
	if c == nil {
		c = NewCanceller()
	}
	interval, chunkSize := s.Interval, s.ChunkSize
	if interval <= 0 {
		interval = DefaultInterval
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	sink = Guard(sink)
	buf := &paceBuffer{}
	state := &producerState{}
	producerDone := make(chan error, 1)

	go s.produce(deltas, c, buf, state, proc, producerDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var upstreamErr error
	finished := false
	for {
		select {
		case <-c.Done():
			return s.stop(c, sink, buf, state, producerDone, finished, nil)

		case err := <-producerDone:
			finished = true
			producerDone = nil
			switch {
			case err == nil:
			case errors.Is(err, errStopped) || llm.IsAbort(err):
				slog.Debug("Upstream aborted", "error", err)
				return s.stop(c, sink, buf, state, nil, finished, nil)
			default:
				upstreamErr = err
			}

		case <-ticker.C:
			if piece := buf.Next(chunkSize); piece != "" {
				if err := writeUntil(sink, Chunk{Text: piece}, c.Done()); err != nil {
					if errors.Is(err, errWriteCancelled) {
						return s.stop(c, sink, buf, state, producerDone, finished, nil)
					}
					slog.Debug("Sink write failed, cancelling", "error", err)
					return s.stop(c, sink, buf, state, producerDone, finished, err)
				}
				continue
			}
			if !finished {
				continue
			}

			if upstreamErr != nil {
				sink.Fail(&UpstreamError{Err: upstreamErr})
				return Result{
					Content:      state.all.String(),
					FinishReason: state.finishReason,
					Usage:        state.usage,
					Err:          upstreamErr,
				}
			}

			var citations []metadata.Citation
			if proc != nil {
				citations = proc.Citations()
			}
			content, md := metadata.Extract(state.all.String(), citations)
			if err := writeUntil(sink, Chunk{Metadata: &md}, c.Done()); err != nil {
				if errors.Is(err, errWriteCancelled) {
					return s.stop(c, sink, buf, state, nil, finished, nil)
				}
				slog.Debug("Metadata write failed", "error", err)
			}
			sink.Close()
			return Result{
				Content:      content,
				Metadata:     md,
				FinishReason: state.finishReason,
				Usage:        state.usage,
			}
		}
	}
}

// stop ends the response without metadata. producerDone is nil when the
// producer has already reported.
func (s *Smoother) stop(c *Canceller, sink Sink, buf *paceBuffer, state *producerState, producerDone <-chan error, finished bool, cause error) Result {
	c.Cancel()
	buf.Discard()
	sink.Close()
	if !finished && producerDone != nil {
		<-producerDone
	}
	return Result{
		Content:      state.all.String(),
		FinishReason: state.finishReason,
		Usage:        state.usage,
		Cancelled:    true,
		Err:          cause,
	}
}

// produce reads deltas into buf until the sequence ends, c fires, an error
// delta arrives, or the idle timeout expires. It reports exactly once on
// done. On an early exit the rest of the sequence is drained in the
// background so the provider goroutine can finish.
func (s *Smoother) produce(deltas <-chan llm.Delta, c *Canceller, buf *paceBuffer, state *producerState, proc CitationProcessor, done chan<- error) {
	var exitErr error
	defer func() {
		if exitErr != nil {
			go func() {
				for range deltas {
				}
			}()
		}
		if exitErr == nil || !errors.Is(exitErr, errStopped) {
			s.flush(buf, state, proc)
		}
		buf.MarkDone()
		done <- exitErr
	}()

	observer, _ := proc.(citationObserver)

	var idle <-chan time.Time
	var timer *time.Timer
	if s.IdleTimeout > 0 {
		timer = time.NewTimer(s.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	for {
		if c.Cancelled() {
			exitErr = errStopped
			return
		}

		select {
		case <-c.Done():
			exitErr = errStopped
			return

		case <-idle:
			slog.Warn("Upstream idle, giving up", "timeout", s.IdleTimeout)
			exitErr = ErrUpstreamIdle
			return

		case d, ok := <-deltas:
			if !ok {
				return
			}
			if timer != nil {
				timer.Reset(s.IdleTimeout)
			}

			if len(d.Citations) > 0 && observer != nil {
				observer.Observe(d.Citations...)
			}
			if d.Text != "" {
				text := d.Text
				if proc != nil {
					text = proc.ProcessFragment(text)
				}
				buf.Write(text)
				state.all.WriteString(text)
			}
			if d.FinishReason != "" {
				state.finishReason = d.FinishReason
			}
			if d.Usage != nil {
				state.usage = d.Usage
			}
			if d.Err != nil {
				exitErr = d.Err
				return
			}
		}
	}
}

func (s *Smoother) flush(buf *paceBuffer, state *producerState, proc CitationProcessor) {
	f, ok := proc.(fragmentFlusher)
	if !ok {
		return
	}
	if rest := f.Flush(); rest != "" {
		buf.Write(rest)
		state.all.WriteString(rest)
	}
}
