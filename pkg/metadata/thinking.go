package metadata

import (
	"regexp"
	"strings"
)

// ThinkingSeparator joins multiple thinking spans found in one response.
const ThinkingSeparator = "\n\n---\n\n"

// thinkPattern matches <think>…</think> and <thinking>…</thinking>, any case.
// Each opening tag pairs only with a closing tag of the same name. Nested
// tags are not supported: an opening tag pairs with the first matching
// closing tag after it, whatever the nesting looked like.
var thinkPattern = regexp.MustCompile(`(?is)<think>(.*?)</think>|<thinking>(.*?)</thinking>`)

// Thinking is the result of splitting a response into visible content and
// reasoning text.
type Thinking struct {
	Content  string
	Thinking string
	Found    bool // false when the text contained no thinking tags
}

// ExtractThinking removes every tagged thinking span from text. Without tags
// the text is returned unchanged and Found is false.
func ExtractThinking(text string) Thinking {
	matches := thinkPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return Thinking{Content: text}
	}

	spans := make([]string, 0, len(matches))
	var content strings.Builder
	last := 0
	for _, m := range matches {
		content.WriteString(text[last:m[0]])
		start, end := m[2], m[3]
		if start < 0 {
			start, end = m[4], m[5]
		}
		body := text[start:end]
		spans = append(spans, strings.TrimSpace(body))
		last = m[1]
	}
	content.WriteString(text[last:])

	return Thinking{
		Content:  strings.TrimSpace(content.String()),
		Thinking: strings.Join(spans, ThinkingSeparator),
		Found:    true,
	}
}
