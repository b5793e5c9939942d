package openailm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"relay/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, events ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range events {
			typ := strings.Split(strings.Split(e, `"type":"`)[1], `"`)[0]
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, e)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(ch <-chan llm.Delta) (string, []llm.Delta) {
	var sb strings.Builder
	var all []llm.Delta
	for d := range ch {
		sb.WriteString(d.Text)
		all = append(all, d)
	}
	return sb.String(), all
}

func TestStreamChatTextAndReasoning(t *testing.T) {
	srv := sseServer(t,
		`{"type":"response.reasoning_summary_text.delta","delta":"plan","item_id":"r1","output_index":0,"summary_index":0,"sequence_number":1}`,
		`{"type":"response.output_text.delta","delta":"Hello","item_id":"m1","output_index":1,"content_index":0,"sequence_number":2}`,
		`{"type":"response.output_text.delta","delta":" world","item_id":"m1","output_index":1,"content_index":0,"sequence_number":3}`,
		`{"type":"response.completed","sequence_number":4,"response":{"id":"resp_1","usage":{"input_tokens":10,"output_tokens":5,"total_tokens":15}}}`,
	)

	c, err := NewClient("openai", "key", "gpt-test", srv.URL, nil)
	require.NoError(t, err)

	ch, err := c.StreamChat(context.Background(), []llm.Message{llm.NewUserMessage("hi")})
	require.NoError(t, err)

	text, all := collect(ch)
	assert.Equal(t, "<think>plan</think>Hello world", text)

	last := all[len(all)-1]
	assert.Equal(t, llm.StopReasonStop, last.FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 15, last.Usage.TotalTokens)
}

func TestStreamChatHidesThinking(t *testing.T) {
	srv := sseServer(t,
		`{"type":"response.reasoning_text.delta","delta":"secret","item_id":"r1","output_index":0,"content_index":0,"sequence_number":1}`,
		`{"type":"response.output_text.delta","delta":"answer","item_id":"m1","output_index":1,"content_index":0,"sequence_number":2}`,
	)

	c, err := NewClient("openai", "key", "gpt-test", srv.URL, nil)
	require.NoError(t, err)
	c.SetShowThinking(false)

	ch, err := c.StreamChat(context.Background(), []llm.Message{llm.NewUserMessage("hi")})
	require.NoError(t, err)

	text, _ := collect(ch)
	assert.Equal(t, "answer", text)
}

func TestStreamChatIncompleteIsLength(t *testing.T) {
	srv := sseServer(t,
		`{"type":"response.output_text.delta","delta":"partial","item_id":"m1","output_index":0,"content_index":0,"sequence_number":1}`,
		`{"type":"response.incomplete","sequence_number":2,"response":{"id":"resp_1","incomplete_details":{"reason":"max_output_tokens"}}}`,
	)

	c, err := NewClient("openai", "key", "gpt-test", srv.URL, nil)
	require.NoError(t, err)

	ch, err := c.StreamChat(context.Background(), []llm.Message{llm.NewUserMessage("hi")})
	require.NoError(t, err)

	_, all := collect(ch)
	assert.Equal(t, llm.StopReasonLength, all[len(all)-1].FinishReason)
}

func TestStreamChatUpstreamError(t *testing.T) {
	srv := sseServer(t,
		`{"type":"error","message":"model overloaded","code":"server_error","sequence_number":1}`,
	)

	c, err := NewClient("openai", "key", "gpt-test", srv.URL, nil)
	require.NoError(t, err)

	ch, err := c.StreamChat(context.Background(), []llm.Message{llm.NewUserMessage("hi")})
	require.NoError(t, err)

	_, all := collect(ch)
	require.NotEmpty(t, all)
	assert.Error(t, all[len(all)-1].Err)
}

func TestRawReasoning(t *testing.T) {
	assert.Equal(t, "step", rawReasoning(`{"reasoning_content":"step"}`))
	assert.Equal(t, "idea", rawReasoning(`{"thinking":"idea","reasoning":""}`))
	assert.Empty(t, rawReasoning(`{"type":"response.output_text.delta"}`))
}

func TestAnnotationCitation(t *testing.T) {
	raw := `{"type":"response.output_text.annotation.added","annotation":{"type":"url_citation","url":"https://go.dev","title":"Go"}}`
	c, ok := annotationCitation(raw)
	require.True(t, ok)
	assert.Equal(t, "https://go.dev", c.URL)
	assert.Equal(t, "Go", c.Title)

	_, ok = annotationCitation(`{"type":"response.output_text.annotation.added","annotation":{"type":"file_citation"}}`)
	assert.False(t, ok)
}

func TestConvertPartsUsesResolvedImage(t *testing.T) {
	img := llm.NewImageBlock("cat.png", "image/png")
	img.Data = "data:image/png;base64,AAAA"

	parts := convertParts(llm.BlockContent(llm.NewTextBlock("look"), img, llm.NewImageBlock("dog.png", "image/png")))
	require.Len(t, parts, 3)
	assert.Equal(t, "look", parts[0].OfInputText.Text)
	require.NotNil(t, parts[1].OfInputImage)
	assert.Equal(t, img.Data, parts[1].OfInputImage.ImageURL.Value)
	assert.Equal(t, llm.ImagePlaceholder, parts[2].OfInputText.Text)
}

func TestIsTransientError(t *testing.T) {
	c, err := NewClient("openai", "key", "gpt-test", "", nil)
	require.NoError(t, err)

	assert.True(t, c.IsTransientError(fmt.Errorf("dial tcp: connection refused")))
	assert.False(t, c.IsTransientError(fmt.Errorf("invalid api key")))
	assert.False(t, c.IsTransientError(nil))
}
