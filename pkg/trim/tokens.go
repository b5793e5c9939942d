package trim

import "unicode/utf8"

// TokenCounter returns the token cost of a text. Implementations must be
// safe for concurrent use.
type TokenCounter interface {
	Count(text string) int
}

// CounterFunc adapts a plain function to TokenCounter.
type CounterFunc func(text string) int

// Count implements TokenCounter.
func (f CounterFunc) Count(text string) int {
	return f(text)
}

// EstimateCounter approximates tokens as one per four characters, rounded up.
// It is used when no provider-side tokenizer is configured.
type EstimateCounter struct{}

// Count implements TokenCounter.
func (EstimateCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
