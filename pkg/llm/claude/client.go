package claude

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"relay/pkg/llm"
	"relay/pkg/metadata"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"
)

const defaultMaxTokens = 4096

// thinkingBudgets maps the unified thinking_effort option to a token budget.
var thinkingBudgets = map[string]int64{
	"low":    2048,
	"medium": 8192,
	"high":   16384,
}

// Client streams completions from the Anthropic Messages API.
type Client struct {
	client       anthropic.Client
	model        string
	maxTokens    int64
	thinking     int64
	search       bool
	debugEnabled bool
	showThinking bool
	buffer       int
}

// NewClient creates a client for one model.
func NewClient(apiKey, model, baseURL string, options map[string]any) (*Client, error) {
	if model == "" {
		return nil, fmt.Errorf("model name is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	c := &Client{
		client:       anthropic.NewClient(opts...),
		model:        model,
		maxTokens:    defaultMaxTokens,
		showThinking: true,
		buffer:       100,
	}
	if maxTok, ok := options["max_tokens"].(float64); ok && maxTok > 0 {
		c.maxTokens = int64(maxTok)
	}
	if effort, ok := options["thinking_effort"].(string); ok {
		c.thinking = thinkingBudgets[effort]
	}
	if search, ok := options["web_search"].(bool); ok {
		c.search = search
	}
	return c, nil
}

func (c *Client) Provider() string {
	return "anthropic"
}

func (c *Client) SetDebug(enabled bool) {
	c.debugEnabled = enabled
}

// SetShowThinking controls whether thinking blocks are forwarded.
func (c *Client) SetShowThinking(show bool) {
	c.showThinking = show
}

// SetBuffer sets the capacity of the delta channel.
func (c *Client) SetBuffer(n int) {
	if n > 0 {
		c.buffer = n
	}
}

// IsTransientError treats rate limits and overload responses as retryable.
func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 503, 529:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "overloaded")
}

func (c *Client) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
	system, converted, err := convertMessages(messages)
	if err != nil {
		return nil, err
	}
	if len(converted) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  converted,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if c.thinking > 0 {
		if params.MaxTokens <= c.thinking {
			params.MaxTokens = c.thinking + defaultMaxTokens
		}
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{
				BudgetTokens: c.thinking,
			},
		}
	}

	var reqOpts []option.RequestOption
	if c.search {
		reqOpts = append(reqOpts, option.WithJSONSet("tools", []map[string]any{
			{"type": "web_search_20250305", "name": "web_search", "max_uses": 5},
		}))
	}

	deltaCh := make(chan llm.Delta, c.buffer)

	slog.DebugContext(ctx, "Anthropic streaming", "model", c.model, "messages", len(converted), "thinking_budget", c.thinking)

	go func() {
		defer close(deltaCh)

		stream := c.client.Messages.NewStreaming(ctx, params, reqOpts...)
		defer stream.Close()

		debugger := llm.NewStreamDebugger(ctx, "anthropic", c.debugEnabled)
		defer debugger.Close()

		var tagger llm.ThinkTagger
		finishReason := llm.StopReasonStop
		usage := &llm.LLMUsage{}

		for stream.Next() {
			event := stream.Current()
			debugger.WriteString(event.RawJSON())

			switch variant := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.PromptTokens = int(variant.Message.Usage.InputTokens)
				usage.CachedTokens = int(variant.Message.Usage.CacheReadInputTokens)

			case anthropic.ContentBlockStartEvent:
				if block, ok := variant.ContentBlock.AsAny().(anthropic.ThinkingBlock); ok && c.showThinking {
					if text := tagger.Thinking(block.Thinking); text != "" {
						deltaCh <- llm.NewTextDelta(text)
					}
				}

			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if text := tagger.Text(delta.Text); text != "" {
						deltaCh <- llm.NewTextDelta(text)
					}
				case anthropic.ThinkingDelta:
					if c.showThinking {
						if text := tagger.Thinking(delta.Thinking); text != "" {
							deltaCh <- llm.NewTextDelta(text)
						}
					}
				default:
					if citation, ok := deltaCitation(event.RawJSON()); ok {
						deltaCh <- llm.Delta{Citations: []metadata.Citation{citation}}
					}
				}

			case anthropic.MessageDeltaEvent:
				if string(variant.Delta.StopReason) == "max_tokens" {
					finishReason = llm.StopReasonLength
					slog.WarnContext(ctx, "Response truncated due to length", "provider", "anthropic")
				}
				if variant.Usage.OutputTokens > 0 {
					usage.CompletionTokens = int(variant.Usage.OutputTokens)
				}
			}
		}

		if closing := tagger.Close(); closing != "" {
			deltaCh <- llm.NewTextDelta(closing)
		}

		if err := stream.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			slog.WarnContext(ctx, "Anthropic stream interrupted", "model", c.model, "error", err)
			deltaCh <- llm.NewErrorDelta(fmt.Errorf("stream error: %w", err))
			return
		}

		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		usage.StopReason = finishReason
		llm.LogUsage(c.model, usage)
		deltaCh <- llm.NewFinalDelta(finishReason, usage)
	}()

	return deltaCh, nil
}

// deltaCitation extracts a web search citation from a citations_delta event.
func deltaCitation(raw string) (metadata.Citation, bool) {
	delta := gjson.Get(raw, "delta")
	if delta.Get("type").String() != "citations_delta" {
		return metadata.Citation{}, false
	}
	cit := delta.Get("citation")
	url := cit.Get("url").String()
	if url == "" {
		return metadata.Citation{}, false
	}
	return metadata.Citation{Title: cit.Get("title").String(), URL: url}, true
}

// convertMessages splits out the system prompt and converts the rest.
func convertMessages(messages []llm.Message) (string, []anthropic.MessageParam, error) {
	var system []string
	var out []anthropic.MessageParam

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			if text := m.Content.Flatten(); text != "" {
				system = append(system, text)
			}
		case llm.RoleAssistant:
			if text := m.Content.Flatten(); text != "" {
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
			}
		default:
			blocks, err := convertBlocks(m.Content)
			if err != nil {
				return "", nil, err
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewUserMessage(blocks...))
			}
		}
	}

	return strings.Join(system, "\n\n"), out, nil
}

func convertBlocks(content llm.Content) ([]anthropic.ContentBlockParamUnion, error) {
	if content.IsPlain() {
		if content.Text == "" {
			return nil, nil
		}
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(content.Text)}, nil
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(content.Blocks))
	for _, b := range content.Blocks {
		switch b.Type {
		case llm.BlockTypeText:
			if b.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			}
		case llm.BlockTypeFile:
			blocks = append(blocks, anthropic.NewTextBlock(llm.FileText(b)))
		case llm.BlockTypeImage:
			if b.Data == "" {
				blocks = append(blocks, anthropic.NewTextBlock(llm.ImagePlaceholder))
				continue
			}
			mimeType, payload, err := splitDataURL(b.Data)
			if err != nil {
				return nil, fmt.Errorf("image %s: %w", b.Ref, err)
			}
			blocks = append(blocks, anthropic.NewImageBlockBase64(mimeType, payload))
		}
	}
	return blocks, nil
}

// splitDataURL returns the MIME type and the still-encoded base64 payload.
func splitDataURL(s string) (string, string, error) {
	mimeType, _, err := llm.ParseDataURL(s)
	if err != nil {
		return "", "", err
	}
	_, payload, _ := strings.Cut(s, ",")
	return mimeType, payload, nil
}
