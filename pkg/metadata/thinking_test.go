package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractThinking(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		content  string
		thinking string
		found    bool
	}{
		{
			name:    "no tags",
			in:      "  plain answer  ",
			content: "  plain answer  ",
		},
		{
			name:     "single span",
			in:       "A <think>B</think> C",
			content:  "A  C",
			thinking: "B",
			found:    true,
		},
		{
			name:     "long variant any case",
			in:       "<THINKING>\nplan it\n</Thinking>\nDone.",
			content:  "Done.",
			thinking: "plan it",
			found:    true,
		},
		{
			name:     "multiple spans keep document order",
			in:       "<think>one</think>x<thinking>two</thinking>y",
			content:  "xy",
			thinking: "one" + ThinkingSeparator + "two",
			found:    true,
		},
		{
			name:     "only thinking",
			in:       "<think>all reasoning</think>",
			content:  "",
			thinking: "all reasoning",
			found:    true,
		},
		{
			name:    "mismatched pair is not a span",
			in:      "<think>half</thinking> rest",
			content: "<think>half</thinking> rest",
		},
		{
			name:    "unclosed tag is left alone",
			in:      "<think>never closed",
			content: "<think>never closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractThinking(tt.in)
			assert.Equal(t, tt.content, got.Content)
			assert.Equal(t, tt.thinking, got.Thinking)
			assert.Equal(t, tt.found, got.Found)
		})
	}
}
