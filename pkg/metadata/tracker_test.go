package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_ObserveNumbersInFirstSeenOrder(t *testing.T) {
	tr := NewTracker()
	tr.Observe(
		Citation{Title: "A", URL: "https://a"},
		Citation{Title: "B", URL: "https://b"},
		Citation{Title: "a", URL: "HTTPS://A"},
	)

	got := tr.Citations()
	assert.Len(t, got, 3)
	assert.Equal(t, 1, got[0].Number)
	assert.Equal(t, 2, got[1].Number)
	assert.Equal(t, 1, got[2].Number, "repeat reuses the first number")
}

func TestTracker_RewritesKnownMarkers(t *testing.T) {
	tr := NewTracker()
	tr.Observe(Citation{Title: "A", URL: "https://a"})

	out := tr.ProcessFragment("See [^1] and [^9].")

	assert.Equal(t, "See [1] and [^9].", out)
	assert.Len(t, tr.Citations(), 2, "reference to a known source is recorded")
}

func TestTracker_HoldsBackSplitMarker(t *testing.T) {
	tr := NewTracker()
	tr.Observe(Citation{Title: "A", URL: "https://a"})

	first := tr.ProcessFragment("Fact [^")
	second := tr.ProcessFragment("1] more")

	assert.Equal(t, "Fact ", first)
	assert.Equal(t, "[1] more", second)
	assert.Equal(t, "", tr.Flush())
}

func TestTracker_FlushReleasesPending(t *testing.T) {
	tr := NewTracker()

	assert.Equal(t, "end ", tr.ProcessFragment("end ["))
	assert.Equal(t, "[", tr.Flush())
	assert.Equal(t, "", tr.Flush())
}

func TestTracker_PlainBracketsPassThrough(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, "a[b]c", tr.ProcessFragment("a[b]c"))
}
