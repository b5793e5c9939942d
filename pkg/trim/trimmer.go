package trim

import (
	"context"
	"log/slog"

	"relay/pkg/llm"
)

// Trimmer selects the newest messages that fit a token budget.
//
// Selection is greedy: history is walked from newest to oldest and the walk
// stops at the first message that does not fit. Older messages are never
// considered after that point, so the result is always a contiguous suffix of
// the conversation.
type Trimmer struct {
	Normalizer *Normalizer
	Counter    TokenCounter
	Reserve    int
}

// NewTrimmer creates a Trimmer.
func NewTrimmer(normalizer *Normalizer, counter TokenCounter, reserve int) *Trimmer {
	if counter == nil {
		counter = EstimateCounter{}
	}
	if normalizer == nil {
		normalizer = NewNormalizer(nil)
	}
	return &Trimmer{Normalizer: normalizer, Counter: counter, Reserve: reserve}
}

// Trim returns the messages of history to send upstream, in chronological
// order, with normalized content and TokenCost set. The result may be empty
// when not even the newest message fits. A normalization error aborts the
// whole pass.
func (t *Trimmer) Trim(ctx context.Context, history []llm.Message, promptTokens, tokenLimit int) ([]llm.Message, error) {
	budget := Budget{Used: promptTokens, Limit: tokenLimit, Reserve: t.Reserve}
	mode := DetectMode(history)

	accepted := make([]llm.Message, 0, len(history))
	last := len(history) - 1
	for i := last; i >= 0; i-- {
		msg := history[i]

		content, err := t.Normalizer.Normalize(ctx, msg.Content, i == last, mode)
		if err != nil {
			return nil, err
		}

		cost := t.cost(msg, content)
		if !budget.Fits(cost) {
			slog.DebugContext(ctx, "Context trimmed", "kept", len(accepted), "dropped", i+1, "used", budget.Used, "limit", tokenLimit)
			break
		}
		budget.Accept(cost)

		msg.Content = content
		msg.TokenCost = cost
		accepted = append(accepted, msg)
	}

	// Built newest first
	for l, r := 0, len(accepted)-1; l < r; l, r = l+1, r-1 {
		accepted[l], accepted[r] = accepted[r], accepted[l]
	}
	return accepted, nil
}

// cost counts normalized content. A stored TokenCost is reused for plain
// text, which normalization never changes; the chat handler stores it when a
// turn enters history.
func (t *Trimmer) cost(original llm.Message, content llm.Content) int {
	if content.IsPlain() && original.TokenCost > 0 {
		return original.TokenCost
	}
	return t.Counter.Count(content.TextParts())
}
