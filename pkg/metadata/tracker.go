package metadata

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// maxPendingMarker bounds how much of a fragment tail is held back while
// waiting for a footnote marker to complete.
const maxPendingMarker = 12

var (
	footnotePattern = regexp.MustCompile(`\[\^(\d+)\]`)
	partialMarker   = regexp.MustCompile(`\[(\^\d*)?$`)
)

// Tracker collects citations while a response streams. Sources reported by
// the provider are numbered in first-seen order through Observe. Footnote
// markers such as "[^2]" in the text are rewritten to "[2]" when they refer
// to a known source, and every such reference is recorded again, so the
// collected list may contain repeats until DedupCitations runs.
//
// A Tracker serves a single response.
type Tracker struct {
	mu        sync.Mutex
	citations []Citation
	numbers   map[string]int
	byNumber  map[int]Citation
	pending   string
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		numbers:  make(map[string]int),
		byNumber: make(map[int]Citation),
	}
}

// Observe records provider-reported sources. A source without a number gets
// the next free one; a repeat of a known (title, url) reuses its number.
func (t *Tracker) Observe(citations ...Citation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range citations {
		if n, ok := t.numbers[c.key()]; ok {
			c.Number = n
		} else {
			if c.Number == 0 {
				c.Number = len(t.numbers) + 1
			}
			t.numbers[c.key()] = c.Number
			if _, taken := t.byNumber[c.Number]; !taken {
				t.byNumber[c.Number] = c
			}
		}
		t.citations = append(t.citations, c)
	}
}

// ProcessFragment rewrites footnote markers in one streamed fragment. A
// trailing partial marker is held back and prepended to the next fragment.
func (t *Tracker) ProcessFragment(text string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	text = t.pending + text
	t.pending = ""

	if loc := partialMarker.FindStringIndex(text); loc != nil && len(text)-loc[0] <= maxPendingMarker {
		t.pending = text[loc[0]:]
		text = text[:loc[0]]
	}
	return t.rewrite(text)
}

// Flush returns any held-back text at the end of the stream.
func (t *Tracker) Flush() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.pending
	t.pending = ""
	return out
}

// Citations returns every citation seen so far, repeats included.
func (t *Tracker) Citations() []Citation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Citation, len(t.citations))
	copy(out, t.citations)
	return out
}

func (t *Tracker) rewrite(text string) string {
	if !strings.Contains(text, "[^") {
		return text
	}
	return footnotePattern.ReplaceAllStringFunc(text, func(marker string) string {
		n, err := strconv.Atoi(marker[2 : len(marker)-1])
		if err != nil {
			return marker
		}
		c, ok := t.byNumber[n]
		if !ok {
			return marker
		}
		t.citations = append(t.citations, c)
		return "[" + strconv.Itoa(n) + "]"
	})
}
