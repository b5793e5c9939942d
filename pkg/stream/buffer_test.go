package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaceBufferFIFO(t *testing.T) {
	b := &paceBuffer{}
	b.Write("hello ")
	b.Write("wörld")

	assert.Equal(t, "hel", b.Next(3))
	assert.Equal(t, "lo ", b.Next(3))
	assert.Equal(t, "wör", b.Next(3))
	assert.False(t, b.IsDrained())

	b.MarkDone()
	assert.Equal(t, "ld", b.Next(3))
	assert.Equal(t, "", b.Next(3))
	assert.True(t, b.IsDrained())
}

func TestPaceBufferCompaction(t *testing.T) {
	b := &paceBuffer{}
	for i := 0; i < 1000; i++ {
		b.Write("abcd")
	}
	total := b.Next(7)
	b.Write("zz")
	for b.Len() > 0 {
		total += b.Next(7)
	}
	assert.Len(t, total, 4002)
}

func TestPaceBufferDiscard(t *testing.T) {
	b := &paceBuffer{}
	b.Write("pending")
	b.Discard()
	assert.Zero(t, b.Len())
}
