package openailm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"relay/pkg/llm"
	"relay/pkg/metadata"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
	"github.com/tidwall/gjson"
)

// Client is a wrapper around the official OpenAI Go SDK using the Responses
// API.
type Client struct {
	client       *openai.Client
	provider     string
	model        string
	debugEnabled bool
	showThinking bool
	buffer       int
	options      map[string]any
}

// NewClient creates a new OpenAI client
func NewClient(provider, apiKey, model, baseURL string, options map[string]any) (*Client, error) {
	if model == "" {
		return nil, fmt.Errorf("model name is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(opts...)

	return &Client{
		client:       &client,
		provider:     provider,
		model:        model,
		showThinking: true,
		buffer:       100,
		options:      options,
	}, nil
}

func (c *Client) Provider() string {
	return c.provider
}

func (c *Client) SetDebug(enabled bool) {
	c.debugEnabled = enabled
}

// SetShowThinking controls whether reasoning text is forwarded.
func (c *Client) SetShowThinking(show bool) {
	c.showThinking = show
}

// SetBuffer sets the capacity of the delta channel.
func (c *Client) SetBuffer(n int) {
	if n > 0 {
		c.buffer = n
	}
}

func (c *Client) IsTransientError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}

	msg := strings.ToLower(err.Error())

	// Transient: network-level issues
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") {
		return true
	}

	// Transient: server-side temporary failures
	return strings.Contains(msg, "503 service unavailable") ||
		strings.Contains(msg, "overloaded")
}

func (c *Client) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages to send")
	}

	params := responses.ResponseNewParams{
		Model: c.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: c.convertMessages(messages),
		},
	}
	opts := c.requestOptions(&params)

	deltaCh := make(chan llm.Delta, c.buffer)

	go func() {
		defer close(deltaCh)

		stream := c.client.Responses.NewStreaming(ctx, params, opts...)
		defer stream.Close()

		debugger := llm.NewStreamDebugger(ctx, c.provider, c.debugEnabled)
		defer debugger.Close()

		var tagger llm.ThinkTagger
		var thinkingLog strings.Builder
		finishReason := llm.StopReasonStop
		var usage *llm.LLMUsage

		emitThinking := func(text string) {
			if text == "" {
				return
			}
			thinkingLog.WriteString(text)
			if c.showThinking {
				deltaCh <- llm.NewTextDelta(tagger.Thinking(text))
			}
		}

		for stream.Next() {
			event := stream.Current()
			raw := event.RawJSON()
			debugger.WriteString(raw)

			// OpenAI-compatible servers put reasoning in ad-hoc fields.
			if raw != "" {
				if thought := rawReasoning(raw); thought != "" {
					emitThinking(thought)
				}
			}

			switch variant := event.AsAny().(type) {
			case responses.ResponseTextDeltaEvent:
				if text := tagger.Text(variant.Delta); text != "" {
					deltaCh <- llm.NewTextDelta(text)
				}

			case responses.ResponseReasoningTextDeltaEvent:
				emitThinking(variant.Delta)

			case responses.ResponseReasoningSummaryTextDeltaEvent:
				emitThinking(variant.Delta)

			case responses.ResponseCompletedEvent:
				u := variant.Response.Usage
				if u.TotalTokens > 0 {
					usage = &llm.LLMUsage{
						PromptTokens:     int(u.InputTokens),
						CompletionTokens: int(u.OutputTokens),
						TotalTokens:      int(u.TotalTokens),
						ThoughtsTokens:   int(u.OutputTokensDetails.ReasoningTokens),
						CachedTokens:     int(u.InputTokensDetails.CachedTokens),
						StopReason:       llm.StopReasonStop,
					}
				}

			case responses.ResponseIncompleteEvent:
				finishReason = llm.StopReasonLength
				if usage != nil {
					usage.StopReason = finishReason
				}
				slog.WarnContext(ctx, "Response incomplete", "provider", c.provider, "reason", variant.Response.IncompleteDetails.Reason)

			case responses.ResponseFailedEvent:
				deltaCh <- llm.NewErrorDelta(fmt.Errorf("response failed: %s", variant.Response.Error.Message))
				return

			case responses.ResponseErrorEvent:
				deltaCh <- llm.NewErrorDelta(fmt.Errorf("API error: %s", variant.Message))
				return

			default:
				if citation, ok := annotationCitation(raw); ok {
					deltaCh <- llm.Delta{Citations: []metadata.Citation{citation}}
				}
			}
		}

		if closing := tagger.Close(); closing != "" && c.showThinking {
			deltaCh <- llm.NewTextDelta(closing)
		}
		if strings.TrimSpace(thinkingLog.String()) != "" {
			slog.DebugContext(ctx, "Captured full thinking process", "provider", c.provider, "content", thinkingLog.String())
		}

		if err := stream.Err(); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			deltaCh <- llm.NewErrorDelta(fmt.Errorf("stream error: %w", err))
			return
		}

		llm.LogUsage(c.model, usage)
		deltaCh <- llm.NewFinalDelta(finishReason, usage)
	}()

	return deltaCh, nil
}

// requestOptions maps the unified group options onto the request.
func (c *Client) requestOptions(params *responses.ResponseNewParams) []option.RequestOption {
	var opts []option.RequestOption

	if effortStr, ok := c.options["thinking_effort"].(string); ok && effortStr != "" && effortStr != "off" {
		var effort shared.ReasoningEffort
		switch effortStr {
		case "low":
			effort = shared.ReasoningEffortLow
		case "high":
			effort = shared.ReasoningEffortHigh
		default:
			effort = shared.ReasoningEffortMedium
		}
		params.Reasoning = shared.ReasoningParam{
			Effort: effort,
		}
	}

	if t, ok := c.options["temperature"].(float64); ok {
		opts = append(opts, option.WithJSONSet("temperature", t))
	}
	if p, ok := c.options["top_p"].(float64); ok {
		opts = append(opts, option.WithJSONSet("top_p", p))
	}
	if maxTok, ok := c.options["max_tokens"].(float64); ok {
		opts = append(opts, option.WithJSONSet("max_output_tokens", int(maxTok)))
	}
	if search, ok := c.options["web_search"].(bool); ok && search {
		opts = append(opts, option.WithJSONSet("tools", []map[string]any{{"type": "web_search"}}))
	}

	return opts
}

func (c *Client) convertMessages(messages []llm.Message) []responses.ResponseInputItemUnionParam {
	items := make([]responses.ResponseInputItemUnionParam, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			items = append(items, responses.ResponseInputItemParamOfMessage(
				m.Content.Flatten(),
				responses.EasyInputMessageRoleSystem,
			))
		case llm.RoleUser:
			if !m.Content.HasImage() {
				items = append(items, responses.ResponseInputItemParamOfMessage(
					m.Content.Flatten(),
					responses.EasyInputMessageRoleUser,
				))
				continue
			}
			items = append(items, responses.ResponseInputItemParamOfMessage(
				convertParts(m.Content),
				responses.EasyInputMessageRoleUser,
			))
		case llm.RoleAssistant:
			if text := m.Content.Flatten(); text != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(
					text,
					responses.EasyInputMessageRoleAssistant,
				))
			}
		}
	}

	return items
}

func convertParts(content llm.Content) responses.ResponseInputMessageContentListParam {
	var parts responses.ResponseInputMessageContentListParam
	addText := func(text string) {
		parts = append(parts, responses.ResponseInputContentUnionParam{
			OfInputText: &responses.ResponseInputTextParam{Text: text},
		})
	}

	for _, block := range content.Blocks {
		switch block.Type {
		case llm.BlockTypeText:
			addText(block.Text)
		case llm.BlockTypeFile:
			addText(llm.FileText(block))
		case llm.BlockTypeImage:
			if block.Data == "" {
				addText(llm.ImagePlaceholder)
				continue
			}
			parts = append(parts, responses.ResponseInputContentUnionParam{
				OfInputImage: &responses.ResponseInputImageParam{
					Detail:   responses.ResponseInputImageDetailAuto,
					ImageURL: param.NewOpt(block.Data),
				},
			})
		}
	}
	return parts
}

// rawReasoning picks reasoning text out of the non-standard fields used by
// DeepSeek-style servers.
func rawReasoning(raw string) string {
	for _, r := range gjson.GetMany(raw, "reasoning", "thinking", "reasoning_content") {
		if r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}

// annotationCitation extracts a url_citation from an
// output_text.annotation.added event.
func annotationCitation(raw string) (metadata.Citation, bool) {
	if gjson.Get(raw, "type").String() != "response.output_text.annotation.added" {
		return metadata.Citation{}, false
	}
	ann := gjson.Get(raw, "annotation")
	if ann.Get("type").String() != "url_citation" {
		return metadata.Citation{}, false
	}
	url := ann.Get("url").String()
	if url == "" {
		return metadata.Citation{}, false
	}
	return metadata.Citation{
		Title: ann.Get("title").String(),
		URL:   url,
	}, true
}
