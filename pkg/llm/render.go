package llm

import (
	"fmt"
	"strings"
)

// FileText renders a file block as tagged text for providers that have no
// document input.
func FileText(b ContentBlock) string {
	name := b.Name
	if name == "" {
		name = b.Ref
	}
	return fmt.Sprintf("<file name=%q>\n%s\n</file>", name, b.Text)
}

// Flatten renders content as a single string: text blocks as is, files via
// FileText, images omitted. Used for roles that only take text.
func (c Content) Flatten() string {
	if c.IsPlain() {
		return c.Text
	}
	parts := make([]string, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		switch b.Type {
		case BlockTypeText:
			parts = append(parts, b.Text)
		case BlockTypeFile:
			parts = append(parts, FileText(b))
		}
	}
	return strings.Join(parts, "\n\n")
}
