package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSink struct {
	writes []Chunk
	fails  []error
	closes int
}

func (s *countingSink) Write(c Chunk) error { s.writes = append(s.writes, c); return nil }
func (s *countingSink) Fail(err error)      { s.fails = append(s.fails, err) }
func (s *countingSink) Close() error        { s.closes++; return nil }

func TestGuardClosesOnce(t *testing.T) {
	inner := &countingSink{}
	g := Guard(inner)

	require.NoError(t, g.Write(Chunk{Text: "a"}))
	assert.NoError(t, g.Close())
	assert.NoError(t, g.Close())
	g.Fail(errors.New("late"))

	assert.ErrorIs(t, g.Write(Chunk{Text: "b"}), ErrSinkClosed)
	assert.Equal(t, 1, inner.closes)
	assert.Empty(t, inner.fails)
	assert.Len(t, inner.writes, 1)
}

func TestGuardFailOnce(t *testing.T) {
	inner := &countingSink{}
	g := Guard(inner)

	boom := errors.New("boom")
	g.Fail(boom)
	g.Fail(errors.New("second"))
	assert.NoError(t, g.Close())

	assert.Equal(t, []error{boom}, inner.fails)
	assert.Zero(t, inner.closes)
	assert.Same(t, g, Guard(g))
}

func TestChanSinkFail(t *testing.T) {
	s := NewChanSink(4)
	require.NoError(t, s.Write(Chunk{Text: "x"}))
	s.Fail(errors.New("boom"))

	var got []Chunk
	for c := range s.Chunks() {
		got = append(got, c)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "x", got[0].Text)
	assert.EqualError(t, got[1].Err, "boom")
}

func TestChanSinkDetach(t *testing.T) {
	s := NewChanSink(0)
	s.Detach()
	s.Detach()

	assert.ErrorIs(t, s.Write(Chunk{Text: "x"}), ErrSinkClosed)
}

func TestChanSinkWriteUntilGivesUp(t *testing.T) {
	s := NewChanSink(0)
	done := make(chan struct{})
	close(done)

	assert.ErrorIs(t, s.WriteUntil(Chunk{Text: "x"}, done), errWriteCancelled)
	assert.ErrorIs(t, Guard(s).(*guardedSink).WriteUntil(Chunk{Text: "x"}, done), errWriteCancelled)
}
