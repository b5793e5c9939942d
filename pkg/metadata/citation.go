package metadata

import "strings"

// Citation is a source consulted while generating a response.
type Citation struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Date   string `json:"date,omitempty"`
}

// key is the deduplication identity: title and url, case-insensitive.
func (c Citation) key() string {
	return strings.ToLower(c.Title) + "\x00" + strings.ToLower(c.URL)
}

// DedupCitations removes repeated sources, keeping the first occurrence of
// each (title, url) pair. Numbers are left untouched.
func DedupCitations(citations []Citation) []Citation {
	if len(citations) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(citations))
	out := make([]Citation, 0, len(citations))
	for _, c := range citations {
		k := c.key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, c)
	}
	return out
}
