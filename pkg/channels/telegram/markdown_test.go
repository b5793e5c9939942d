package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestRenderHTML(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"inline", "**bold** and _it_ and ~~gone~~", "<b>bold</b> and <i>it</i> and <s>gone</s>"},
		{"escapes text", "a < b & c", "a &lt; b &amp; c"},
		{"inline code", "run `go test`", "run <code>go test</code>"},
		{"link", "[Go](https://go.dev)", `<a href="https://go.dev">Go</a>`},
		{"heading", "# Title\n\ntext", "<b>Title</b>\n\ntext"},
		{"bullets", "- a\n- b", "• a\n• b"},
		{"ordered start", "3. c\n4. d", "3. c\n4. d"},
		{"blockquote", "> quoted", "<blockquote>quoted</blockquote>"},
		{"empty", "  ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderHTML(tt.md))
		})
	}
}

func TestRenderHTMLCodeBlock(t *testing.T) {
	got := renderHTML("before\n\n```go\nif a < b {}\n```\n\nafter")
	assert.Equal(t, "before\n\n<pre>if a &lt; b {}\n</pre>\n\nafter", got)
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))

	text := "first paragraph\n\nsecond paragraph"
	assert.Equal(t, []string{"first paragraph", "second paragraph"}, splitMessage(text, 20))

	words := splitMessage("alpha beta gamma delta", 11)
	assert.Equal(t, []string{"alpha beta", "gamma delta"}, words)

	long := strings.Repeat("字", 25)
	parts := splitMessage(long, 10)
	assert.Len(t, parts, 3)
	for _, p := range parts {
		assert.LessOrEqual(t, utf8.RuneCountInString(p), 10)
	}
	assert.Equal(t, long, strings.Join(parts, ""))
}
