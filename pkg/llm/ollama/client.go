package ollama

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"relay/pkg/llm"

	"github.com/ollama/ollama/api"
)

// unifiedOptions are group options handled by the gateway itself and never
// forwarded to the model runtime.
var unifiedOptions = map[string]bool{
	"thinking_effort": true,
	"web_search":      true,
}

// OllamaClient Ollama API client
type OllamaClient struct {
	client       *api.Client
	model        string
	options      map[string]any
	debugEnabled bool
	showThinking bool
	buffer       int
}

// SetDebug implements the llm.LLMClient interface
func (o *OllamaClient) SetDebug(enabled bool) {
	o.debugEnabled = enabled
}

// SetShowThinking controls whether native thinking is forwarded.
func (o *OllamaClient) SetShowThinking(show bool) {
	o.showThinking = show
}

// SetBuffer sets the capacity of the delta channel.
func (o *OllamaClient) SetBuffer(n int) {
	if n > 0 {
		o.buffer = n
	}
}

// NewOllamaClient creates an Ollama client
func NewOllamaClient(model string, baseURL string, options map[string]any) (*OllamaClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	// Custom Transport to ensure no timeouts are imposed by the client
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0, // Explicitly no timeout
	}

	customClient := &http.Client{
		Transport: &JSONFixingRoundTripper{Proxied: transport},
		Timeout:   0, // Explicitly no timeout
	}

	runtimeOpts := make(map[string]any, len(options))
	for k, v := range options {
		if !unifiedOptions[k] {
			runtimeOpts[k] = v
		}
	}

	slog.Info("Ollama client initialized", "model", model, "base_url", baseURL)

	return &OllamaClient{
		client:       api.NewClient(u, customClient),
		model:        model,
		options:      runtimeOpts,
		showThinking: true,
		buffer:       100,
	}, nil
}

func (o *OllamaClient) Provider() string {
	return "ollama"
}

// StreamChat implements llm.LLMClient. Like the Gemini client it waits for
// the first packet, which covers model loading errors.
func (o *OllamaClient) StreamChat(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
	apiMessages, err := o.convertMessages(messages)
	if err != nil {
		return nil, err
	}

	deltaCh := make(chan llm.Delta, o.buffer)
	startResultCh := make(chan error, 1)

	go func() {
		defer close(deltaCh)

		streamVal := true
		req := &api.ChatRequest{
			Model:    o.model,
			Messages: apiMessages,
			Options:  o.options,
			Stream:   &streamVal,
		}

		debugger := llm.NewStreamDebugger(ctx, "ollama", o.debugEnabled)
		defer debugger.Close()

		started := false
		var tagger llm.ThinkTagger
		var thoughtsCount int
		chunkIdx := 0

		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			chunkIdx++
			debugger.WriteJSON(resp)

			if !started {
				started = true
				startResultCh <- nil
			}

			var sb strings.Builder
			if resp.Message.Thinking != "" {
				thoughtsCount++
				if o.showThinking {
					sb.WriteString(tagger.Thinking(resp.Message.Thinking))
				}
			}
			if resp.Message.Content != "" {
				sb.WriteString(tagger.Text(resp.Message.Content))
			}
			if resp.Done {
				sb.WriteString(tagger.Close())
			}
			if sb.Len() > 0 {
				deltaCh <- llm.NewTextDelta(sb.String())
			}

			if resp.Done {
				reason := llm.StopReasonStop
				if resp.DoneReason == llm.StopReasonLength {
					reason = llm.StopReasonLength
					slog.WarnContext(ctx, "Response truncated due to length", "provider", "ollama")
				}
				usage := &llm.LLMUsage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
					ThoughtsTokens:   thoughtsCount,
					StopReason:       reason,
				}
				deltaCh <- llm.NewFinalDelta(reason, usage)
				llm.LogUsage(o.model, usage)
			}
			return nil
		})

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			slog.ErrorContext(ctx, "Stream error", "provider", "ollama", "model", o.model, "chunks", chunkIdx, "error", err)
			if !started {
				startResultCh <- err
				return
			}
			deltaCh <- llm.NewErrorDelta(fmt.Errorf("stream interrupted: %w", err))
			return
		}
		if !started {
			startResultCh <- nil
		}
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

// convertMessages converts messages to Ollama API format
func (o *OllamaClient) convertMessages(messages []llm.Message) ([]api.Message, error) {
	ollamaMsgs := make([]api.Message, 0, len(messages))

	for _, m := range messages {
		msg := api.Message{Role: m.Role}

		if m.Content.IsPlain() {
			msg.Content = m.Content.Text
			ollamaMsgs = append(ollamaMsgs, msg)
			continue
		}

		var texts []string
		for _, block := range m.Content.Blocks {
			switch block.Type {
			case llm.BlockTypeText:
				texts = append(texts, block.Text)
			case llm.BlockTypeFile:
				texts = append(texts, llm.FileText(block))
			case llm.BlockTypeImage:
				if block.Data == "" {
					texts = append(texts, llm.ImagePlaceholder)
					continue
				}
				_, data, err := llm.ParseDataURL(block.Data)
				if err != nil {
					return nil, fmt.Errorf("image %s: %w", block.Ref, err)
				}
				msg.Images = append(msg.Images, api.ImageData(data))
			}
		}
		msg.Content = strings.Join(texts, "\n\n")
		ollamaMsgs = append(ollamaMsgs, msg)
	}

	return ollamaMsgs, nil
}

// IsTransientError implements the llm.LLMClient interface
func (o *OllamaClient) IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())

	// 1. Connection related errors (Connection refused, reset)
	if strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "connection reset") {
		return true
	}

	// 2. High load
	return strings.Contains(errMsg, "overloaded")
}

//----------------------------------------------------------------
// JSONFixingRoundTripper - Interceptor that fixes illegal JSON escapes
//----------------------------------------------------------------

// JSONFixingRoundTripper intercepts response and fixes illegal escapes (e.g., \$)
type JSONFixingRoundTripper struct {
	Proxied http.RoundTripper
}

func (j *JSONFixingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := j.Proxied.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	// Only filter text-type responses (mainly stream JSON)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") ||
		strings.Contains(resp.Header.Get("Content-Type"), "application/x-ndjson") {
		resp.Body = &jsonFixingReadCloser{body: resp.Body}
	}
	return resp, nil
}

type jsonFixingReadCloser struct {
	body io.ReadCloser
}

var illegalEscapeRegex = regexp.MustCompile(`\\([^\/\\bfnrtu"])`)

func (j *jsonFixingReadCloser) Read(p []byte) (n int, err error) {
	n, err = j.body.Read(p)
	if n > 0 {
		// Removing a backslash only shrinks the buffer, so fixing in place is safe
		content := string(p[:n])
		fixed := illegalEscapeRegex.ReplaceAllString(content, "$1")
		if len(fixed) < len(content) {
			copy(p, []byte(fixed))
			n = len(fixed)
		}
	}
	return n, err
}

func (j *jsonFixingReadCloser) Close() error {
	return j.body.Close()
}
