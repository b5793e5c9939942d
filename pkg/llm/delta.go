package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"relay/pkg/metadata"
)

// ErrAborted signals an upstream-side abort. Like context.Canceled it ends a
// stream cleanly rather than as a failure.
var ErrAborted = errors.New("stream aborted")

// IsAbort reports whether err belongs to the abort class.
func IsAbort(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

//----------------------------------------------------------------
// Delta - one upstream streaming event
//----------------------------------------------------------------

// Delta is one incremental event from an inference provider. A delta with a
// non-nil Err is always the last one sent.
type Delta struct {
	Text         string              // Incremental content text
	FinishReason string              // Set on the final delta only
	Citations    []metadata.Citation // Sources reported alongside this delta
	Usage        *LLMUsage           // Usage statistics, usually on the final delta
	Err          error               // Terminal error
}

// NewTextDelta builds a content delta.
func NewTextDelta(text string) Delta {
	return Delta{Text: text}
}

// NewFinalDelta builds the closing delta of a stream.
func NewFinalDelta(reason string, usage *LLMUsage) Delta {
	return Delta{FinishReason: reason, Usage: usage}
}

// NewErrorDelta builds a terminal error delta.
func NewErrorDelta(err error) Delta {
	return Delta{Err: err}
}

//----------------------------------------------------------------
// ThinkTagger - folds native reasoning into the text stream
//----------------------------------------------------------------

// Tags used to wrap provider-native reasoning in the text stream.
const (
	ThinkOpenTag  = "<think>"
	ThinkCloseTag = "</think>"
)

// ThinkTagger wraps reasoning fragments in <think> tags so that reasoning and
// answer text travel in one ordered stream. It is not safe for concurrent use.
type ThinkTagger struct {
	open bool
}

// Thinking returns the text to emit for a reasoning fragment.
func (t *ThinkTagger) Thinking(text string) string {
	if text == "" {
		return ""
	}
	if !t.open {
		t.open = true
		return ThinkOpenTag + text
	}
	return text
}

// Text returns the text to emit for an answer fragment.
func (t *ThinkTagger) Text(text string) string {
	if text == "" {
		return ""
	}
	if t.open {
		t.open = false
		return ThinkCloseTag + text
	}
	return text
}

// Close returns the closing tag if a reasoning span is still open.
func (t *ThinkTagger) Close() string {
	if t.open {
		t.open = false
		return ThinkCloseTag
	}
	return ""
}

//----------------------------------------------------------------
// Data URLs
//----------------------------------------------------------------

// EncodeDataURL builds a base64 data URL.
func EncodeDataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// ParseDataURL splits a base64 data URL into its MIME type and payload.
func ParseDataURL(s string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URL")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URL")
	}
	mimeType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("data URL is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("invalid data URL payload: %w", err)
	}
	return mimeType, data, nil
}
