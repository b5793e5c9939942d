package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"relay/pkg/llm"
	"relay/pkg/metadata"

	"google.golang.org/genai"
)

// GeminiClient Google Gemini API client
type GeminiClient struct {
	client       *genai.Client
	model        string
	useThought   bool
	search       bool
	debugEnabled bool
	showThinking bool
	buffer       int
}

// SetDebug implements the llm.LLMClient interface
func (g *GeminiClient) SetDebug(enabled bool) {
	g.debugEnabled = enabled
}

// SetShowThinking controls whether thought parts are forwarded.
func (g *GeminiClient) SetShowThinking(show bool) {
	g.showThinking = show
}

// SetBuffer sets the capacity of the delta channel.
func (g *GeminiClient) SetBuffer(n int) {
	if n > 0 {
		g.buffer = n
	}
}

// newGenaiClient builds the SDK client. baseURL overrides the endpoint.
func newGenaiClient(apiKey, baseURL string) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	return genai.NewClient(context.Background(), cfg)
}

// NewGeminiClient creates a Gemini client with a single model and API key.
// options may enable "thinking_effort" and "web_search".
func NewGeminiClient(apiKey, model, baseURL string, options map[string]any) (*GeminiClient, error) {
	client, err := newGenaiClient(apiKey, baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	g := &GeminiClient{
		client:       client,
		model:        model,
		showThinking: true,
		buffer:       100,
	}
	if effort, ok := options["thinking_effort"].(string); ok && effort != "" && effort != "off" {
		g.useThought = true
	}
	if search, ok := options["web_search"].(bool); ok {
		g.search = search
	}
	return g, nil
}

func (g *GeminiClient) Provider() string {
	return "gemini"
}

// formatModality formats ModalityTokenCount array for logging
func formatModality(details []*genai.ModalityTokenCount) string {
	if len(details) == 0 {
		return "0"
	}
	var res []string
	for _, d := range details {
		res = append(res, fmt.Sprintf("%v: %d", d.Modality, d.TokenCount))
	}
	return strings.Join(res, " | ")
}

// StreamChat implements llm.LLMClient.StreamChat. It waits for the first
// packet so that start-up failures are returned as errors and can be retried.
func (g *GeminiClient) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
	apiMessages, systemInstruction, err := g.convertMessages(messages)
	if err != nil {
		return nil, err
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
	}
	if g.useThought {
		cfg.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
		}
	}
	if g.search {
		cfg.Tools = append(cfg.Tools, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}

	deltaCh := make(chan llm.Delta, g.buffer)
	startResultCh := make(chan error, 1)

	slog.DebugContext(ctx, "Gemini streaming", "model", g.model, "messages", len(apiMessages))

	go func() {
		defer close(deltaCh)

		debugger := llm.NewStreamDebugger(ctx, "gemini", g.debugEnabled)
		defer debugger.Close()

		started := false
		var tagger llm.ThinkTagger
		var lastUsage *llm.LLMUsage
		finishReason := llm.StopReasonStop

		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, apiMessages, cfg) {
			if resp != nil {
				debugger.WriteJSON(resp)
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					err = ctxErr
				}
				if !started {
					startResultCh <- err
					return
				}
				slog.WarnContext(ctx, "Gemini stream interrupted", "error", err)
				deltaCh <- llm.NewErrorDelta(fmt.Errorf("stream interrupted: %w", err))
				return
			}

			if !started {
				started = true
				startResultCh <- nil
			}

			if resp.UsageMetadata != nil {
				u := resp.UsageMetadata
				lastUsage = &llm.LLMUsage{
					PromptTokens:     int(u.PromptTokenCount),
					PromptDetail:     formatModality(u.PromptTokensDetails),
					CompletionTokens: int(u.CandidatesTokenCount),
					CompletionDetail: formatModality(u.CandidatesTokensDetails),
					TotalTokens:      int(u.TotalTokenCount),
					ThoughtsTokens:   int(u.ThoughtsTokenCount),
					CachedTokens:     int(u.CachedContentTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate.FinishReason != "" {
					finishReason = normalizeFinishReason(candidate.FinishReason)
				}

				if candidate.Content != nil {
					var sb strings.Builder
					for _, part := range candidate.Content.Parts {
						if part.Text == "" {
							continue
						}
						if part.Thought {
							if g.showThinking {
								sb.WriteString(tagger.Thinking(part.Text))
							}
							continue
						}
						sb.WriteString(tagger.Text(part.Text))
					}
					if sb.Len() > 0 {
						deltaCh <- llm.NewTextDelta(sb.String())
					}
				}

				if citations := groundingCitations(candidate.GroundingMetadata); len(citations) > 0 {
					deltaCh <- llm.Delta{Citations: citations}
				}
			}
		}

		if !started {
			// Empty stream with no error.
			startResultCh <- nil
		}
		if closing := tagger.Close(); closing != "" {
			deltaCh <- llm.NewTextDelta(closing)
		}

		if lastUsage != nil {
			lastUsage.StopReason = finishReason
			llm.LogUsage(g.model, lastUsage)
		}
		deltaCh <- llm.NewFinalDelta(finishReason, lastUsage)
	}()

	select {
	case err := <-startResultCh:
		if err != nil {
			return nil, err
		}
		return deltaCh, nil
	case <-ctx.Done():
		go func() {
			for range deltaCh {
			}
		}()
		return nil, ctx.Err()
	}
}

func normalizeFinishReason(reason genai.FinishReason) string {
	if reason == genai.FinishReasonMaxTokens {
		return llm.StopReasonLength
	}
	return llm.StopReasonStop
}

// groundingCitations turns Google Search grounding chunks into citations.
func groundingCitations(gm *genai.GroundingMetadata) []metadata.Citation {
	if gm == nil {
		return nil
	}
	var out []metadata.Citation
	for _, chunk := range gm.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		out = append(out, metadata.Citation{
			Title: chunk.Web.Title,
			URL:   chunk.Web.URI,
		})
	}
	return out
}

// convertMessages converts message list to GenAI format
func (g *GeminiClient) convertMessages(messages []llm.Message) ([]*genai.Content, *genai.Content, error) {
	var genaiContents []*genai.Content
	var systemInstruction *genai.Content

	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			if text := msg.Content.Flatten(); text != "" {
				systemInstruction = &genai.Content{Parts: []*genai.Part{{Text: text}}}
			}
			continue
		}

		role := "user"
		if msg.Role == llm.RoleAssistant {
			role = "model"
		}

		parts, err := convertParts(msg.Content)
		if err != nil {
			return nil, nil, err
		}
		if len(parts) > 0 {
			genaiContents = append(genaiContents, &genai.Content{
				Role:  role,
				Parts: parts,
			})
		}
	}

	return genaiContents, systemInstruction, nil
}

func convertParts(content llm.Content) ([]*genai.Part, error) {
	if content.IsPlain() {
		if content.Text == "" {
			return nil, nil
		}
		return []*genai.Part{{Text: content.Text}}, nil
	}

	var parts []*genai.Part
	for _, block := range content.Blocks {
		switch block.Type {
		case llm.BlockTypeText:
			if block.Text == "" {
				continue
			}
			parts = append(parts, &genai.Part{Text: block.Text})

		case llm.BlockTypeFile:
			parts = append(parts, &genai.Part{Text: llm.FileText(block)})

		case llm.BlockTypeImage:
			if block.Data == "" {
				parts = append(parts, &genai.Part{Text: llm.ImagePlaceholder})
				continue
			}
			mimeType, data, err := llm.ParseDataURL(block.Data)
			if err != nil {
				return nil, fmt.Errorf("image %s: %w", block.Ref, err)
			}
			parts = append(parts, &genai.Part{
				InlineData: &genai.Blob{
					MIMEType: mimeType,
					Data:     data,
				},
			})
		}
	}
	return parts, nil
}

// IsTransientError implements the llm.LLMClient interface
func (g *GeminiClient) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())

	// 1. Google API common 503 Service Unavailable / Overloaded
	if strings.Contains(errMsg, "503") || strings.Contains(errMsg, "overloaded") {
		return true
	}

	// 2. 429 Too Many Requests (Rate Limit)
	if strings.Contains(errMsg, "429") || strings.Contains(errMsg, "resource exhausted") {
		return true
	}

	// 3. 500 Internal Error (Occasional Google Gemini crashes)
	return strings.Contains(errMsg, "500") || strings.Contains(errMsg, "internal error")
}
