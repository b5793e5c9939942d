package stream

import (
	"sync"
)

// paceBuffer is the FIFO text buffer between the upstream reader and the
// paced writer of one response. It counts in runes so multi-byte characters
// are never split.
type paceBuffer struct {
	mu   sync.Mutex
	buf  []rune
	head int
	done bool
}

func (b *paceBuffer) Write(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, []rune(text)...)
}

// MarkDone records that no more input will arrive.
func (b *paceBuffer) MarkDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
}

// Next removes and returns up to n runes.
func (b *paceBuffer) Next(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	avail := len(b.buf) - b.head
	if avail == 0 {
		return ""
	}
	if n > avail {
		n = avail
	}
	out := string(b.buf[b.head : b.head+n])
	b.head += n

	// Compact once the consumed prefix dominates
	if b.head == len(b.buf) {
		b.buf, b.head = b.buf[:0], 0
	} else if b.head > 1024 && b.head > len(b.buf)/2 {
		b.buf = append(b.buf[:0], b.buf[b.head:]...)
		b.head = 0
	}
	return out
}

// Len returns the number of buffered runes.
func (b *paceBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf) - b.head
}

// IsDrained reports whether input ended and everything was taken.
func (b *paceBuffer) IsDrained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done && len(b.buf) == b.head
}

// Discard drops everything still buffered.
func (b *paceBuffer) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf, b.head = nil, 0
}
