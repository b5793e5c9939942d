package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"relay/pkg/llm"
	"relay/pkg/metadata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastSmoother() *Smoother {
	return NewSmoother(time.Millisecond, 3, 0)
}

func feed(deltas ...llm.Delta) <-chan llm.Delta {
	ch := make(chan llm.Delta, len(deltas))
	for _, d := range deltas {
		ch <- d
	}
	close(ch)
	return ch
}

func collect(t *testing.T, sink *ChanSink) []Chunk {
	t.Helper()
	var out []Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-sink.Chunks():
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("sink was never closed")
		}
	}
}

func texts(chunks []Chunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

func TestSmootherNaturalEnd(t *testing.T) {
	deltas := feed(
		llm.NewTextDelta("Hello, "),
		llm.NewTextDelta("<think>hmm</think>wörld"),
		llm.NewFinalDelta(llm.StopReasonStop, &llm.LLMUsage{TotalTokens: 9}),
	)

	sink, results := fastSmoother().Pipe(deltas, NewCanceller(), nil)
	chunks := collect(t, sink)
	res := <-results

	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	require.True(t, last.IsMetadata(), "metadata comes last")
	assert.Equal(t, "hmm", last.Metadata.Thinking)

	for _, c := range chunks[:len(chunks)-1] {
		assert.False(t, c.IsMetadata())
		assert.NoError(t, c.Err)
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Text), 3)
	}
	assert.Equal(t, "Hello, <think>hmm</think>wörld", texts(chunks))

	assert.False(t, res.Cancelled)
	assert.NoError(t, res.Err)
	assert.Equal(t, "Hello, wörld", res.Content)
	assert.Equal(t, llm.StopReasonStop, res.FinishReason)
	assert.Equal(t, 9, res.Usage.TotalTokens)
}

func TestSmootherEmptyStreamStillSendsMetadata(t *testing.T) {
	sink, results := fastSmoother().Pipe(feed(), nil, nil)
	chunks := collect(t, sink)
	<-results

	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsMetadata())
	assert.True(t, chunks[0].Metadata.IsEmpty())
}

func TestSmootherCitations(t *testing.T) {
	deltas := feed(
		llm.Delta{Citations: []metadata.Citation{{Title: "Go", URL: "https://go.dev"}}},
		llm.NewTextDelta("Go is fast [^"),
		llm.NewTextDelta("1]. Really [^1]."),
		llm.Delta{Citations: []metadata.Citation{{Title: "go", URL: "https://GO.dev"}}},
	)

	sink, results := fastSmoother().Pipe(deltas, NewCanceller(), metadata.NewTracker())
	chunks := collect(t, sink)
	res := <-results

	assert.Equal(t, "Go is fast [1]. Really [1].", texts(chunks))
	require.Len(t, res.Metadata.Citations, 1)
	assert.Equal(t, 1, res.Metadata.Citations[0].Number)
	assert.Equal(t, res.Metadata, *chunks[len(chunks)-1].Metadata)
}

func TestSmootherCancel(t *testing.T) {
	deltas := make(chan llm.Delta)
	c := NewCanceller()
	sink, results := fastSmoother().Pipe(deltas, c, nil)

	deltas <- llm.NewTextDelta("first part of a long answer")

	first, ok := <-sink.Chunks()
	require.True(t, ok)
	assert.NotEmpty(t, first.Text)

	c.Cancel()
	rest := collect(t, sink)
	for _, ch := range rest {
		assert.False(t, ch.IsMetadata())
		assert.NoError(t, ch.Err)
	}

	res := <-results
	assert.True(t, res.Cancelled)
	assert.NoError(t, res.Err)

	// The upstream is drained, so the provider can still finish
	select {
	case deltas <- llm.NewTextDelta("late"):
	case <-time.After(time.Second):
		t.Fatal("upstream blocked after cancel")
	}
	close(deltas)
}

func TestSmootherCancelBeforeStart(t *testing.T) {
	c := NewCanceller()
	c.Cancel()

	sink, results := fastSmoother().Pipe(feed(llm.NewTextDelta("never")), c, nil)
	chunks := collect(t, sink)
	res := <-results

	for _, ch := range chunks {
		assert.False(t, ch.IsMetadata())
	}
	assert.True(t, res.Cancelled)
}

func TestSmootherAbortIsClean(t *testing.T) {
	for _, abort := range []error{context.Canceled, llm.ErrAborted} {
		deltas := feed(llm.NewTextDelta("partial"), llm.NewErrorDelta(abort))

		sink, results := fastSmoother().Pipe(deltas, NewCanceller(), nil)
		chunks := collect(t, sink)
		res := <-results

		for _, ch := range chunks {
			assert.False(t, ch.IsMetadata())
			assert.NoError(t, ch.Err)
		}
		assert.True(t, res.Cancelled)
		assert.NoError(t, res.Err)
	}
}

func TestSmootherUpstreamError(t *testing.T) {
	boom := errors.New("503 overloaded")
	deltas := feed(llm.NewTextDelta("some text"), llm.NewErrorDelta(boom))

	sink, results := fastSmoother().Pipe(deltas, NewCanceller(), nil)
	chunks := collect(t, sink)
	res := <-results

	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	require.Error(t, last.Err)

	var upErr *UpstreamError
	require.ErrorAs(t, last.Err, &upErr)
	assert.ErrorIs(t, last.Err, boom)

	errCount := 0
	for _, ch := range chunks {
		assert.False(t, ch.IsMetadata())
		if ch.Err != nil {
			errCount++
		}
	}
	assert.Equal(t, 1, errCount)
	assert.Equal(t, "some text", texts(chunks), "buffered text is drained before the error")
	assert.ErrorIs(t, res.Err, boom)
	assert.False(t, res.Cancelled)
}

func TestSmootherIdleTimeout(t *testing.T) {
	deltas := make(chan llm.Delta)
	defer close(deltas)

	s := NewSmoother(time.Millisecond, 3, 20*time.Millisecond)
	sink, results := s.Pipe(deltas, NewCanceller(), nil)
	chunks := collect(t, sink)
	res := <-results

	require.Len(t, chunks, 1)
	assert.ErrorIs(t, chunks[0].Err, ErrUpstreamIdle)
	assert.ErrorIs(t, res.Err, ErrUpstreamIdle)
}

func TestSmootherSinkFailureCancels(t *testing.T) {
	deltas := make(chan llm.Delta, 1)
	deltas <- llm.NewTextDelta("nobody is listening")

	c := NewCanceller()
	sink := NewChanSink(0)
	sink.Detach()

	res := fastSmoother().Run(deltas, c, sink, nil)
	close(deltas)

	assert.True(t, res.Cancelled)
	assert.ErrorIs(t, res.Err, ErrSinkClosed)
	assert.True(t, c.Cancelled())
}

func TestSmootherCancelWithStalledReader(t *testing.T) {
	sink := NewChanSink(0)
	c := NewCanceller()
	results := make(chan Result, 1)
	go func() {
		results <- fastSmoother().Run(feed(llm.NewTextDelta("sixteen chars!!!")), c, sink, nil)
	}()

	time.AfterFunc(50*time.Millisecond, c.Cancel)

	select {
	case res := <-results:
		assert.True(t, res.Cancelled)
		assert.NoError(t, res.Err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel while the reader was stalled")
	}

	// Nothing is pending once Run has closed the sink
	_, ok := <-sink.Chunks()
	assert.False(t, ok)
}
