package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"relay/pkg/trim"

	"google.golang.org/genai"
)

// countTimeout bounds one CountTokens round trip.
const countTimeout = 5 * time.Second

// TokenCounter measures text with the Gemini CountTokens endpoint. When the
// call fails it falls back to the local estimate.
type TokenCounter struct {
	client   *genai.Client
	model    string
	fallback trim.TokenCounter
}

// NewTokenCounter creates a remote counter for model.
func NewTokenCounter(apiKey, model, baseURL string) (*TokenCounter, error) {
	if model == "" {
		return nil, fmt.Errorf("token counter model is required")
	}
	client, err := newGenaiClient(apiKey, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &TokenCounter{client: client, model: model, fallback: trim.EstimateCounter{}}, nil
}

// Count implements trim.TokenCounter.
func (t *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), countTimeout)
	defer cancel()

	resp, err := t.client.Models.CountTokens(ctx, t.model, genai.Text(text), nil)
	if err != nil {
		slog.Warn("CountTokens failed, using estimate", "model", t.model, "error", err)
		return t.fallback.Count(text)
	}
	return int(resp.TotalTokens)
}
