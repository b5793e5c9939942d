package metadata

// Metadata is the out-of-band record appended after a completed response.
type Metadata struct {
	Citations []Citation `json:"citations,omitempty"`
	Thinking  string     `json:"thinking,omitempty"`
}

// IsEmpty reports whether there is nothing to show besides the text.
func (m Metadata) IsEmpty() bool {
	return len(m.Citations) == 0 && m.Thinking == ""
}

// Extract post-processes the full text of a completed response. It returns the
// visible content together with the deduplicated citations and the joined
// thinking spans.
func Extract(fullText string, citations []Citation) (string, Metadata) {
	t := ExtractThinking(fullText)
	return t.Content, Metadata{
		Citations: DedupCitations(citations),
		Thinking:  t.Thinking,
	}
}
