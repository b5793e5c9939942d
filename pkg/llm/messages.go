package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnsupportedContentKind is returned when a content block carries a type
// the pipeline does not know how to transmit.
var ErrUnsupportedContentKind = errors.New("unsupported content kind")

//----------------------------------------------------------------
// Message
//----------------------------------------------------------------

// Message is one conversation turn. Messages are treated as immutable once
// sent; code that needs a different Content builds a copy.
type Message struct {
	Role      string  `json:"role"` // "user", "assistant", "system"
	Content   Content `json:"content"`
	TokenCost int     `json:"token_cost,omitempty"` // 0 when not counted yet
	Timestamp int64   `json:"timestamp,omitempty"`
}

//----------------------------------------------------------------
// Content - tagged union of PlainText | []ContentBlock
//----------------------------------------------------------------

// Content is either plain text (Blocks == nil) or a non-empty ordered list of
// blocks.
type Content struct {
	Text   string
	Blocks []ContentBlock
}

// ContentBlock is one typed unit of a multi-part message.
type ContentBlock struct {
	Type string `json:"type"` // "text", "image", "file"

	// Text holds the text of a text block, or the converted text of a file.
	Text string `json:"text,omitempty"`

	// Ref points at the original attachment (local path or URL).
	Ref      string `json:"ref,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	// Data is the resolved inline payload of an image (a data URL). It is
	// filled by the normalizer and never persisted.
	Data string `json:"-"`
}

// PlainText builds a plain text content.
func PlainText(text string) Content {
	return Content{Text: text}
}

// BlockContent builds a block sequence content. The blocks are copied.
func BlockContent(blocks ...ContentBlock) Content {
	cp := make([]ContentBlock, len(blocks))
	copy(cp, blocks)
	return Content{Blocks: cp}
}

// IsPlain reports whether the content is plain text.
func (c Content) IsPlain() bool {
	return c.Blocks == nil
}

// Validate checks the content invariant: plain text, or a non-empty block
// sequence whose blocks all have a known type.
func (c Content) Validate() error {
	if c.IsPlain() {
		return nil
	}
	if len(c.Blocks) == 0 {
		return errors.New("content has an empty block sequence")
	}
	for i, b := range c.Blocks {
		switch b.Type {
		case BlockTypeText, BlockTypeImage, BlockTypeFile:
		default:
			return fmt.Errorf("%w: block %d has type %q", ErrUnsupportedContentKind, i, b.Type)
		}
	}
	return nil
}

// HasImage reports whether any block is an image.
func (c Content) HasImage() bool {
	return c.has(BlockTypeImage)
}

// HasFile reports whether any block is a file.
func (c Content) HasFile() bool {
	return c.has(BlockTypeFile)
}

func (c Content) has(blockType string) bool {
	for _, b := range c.Blocks {
		if b.Type == blockType {
			return true
		}
	}
	return false
}

// TextParts concatenates every text-bearing part, including resolved image
// data, for token counting.
func (c Content) TextParts() string {
	if c.IsPlain() {
		return c.Text
	}
	var sb strings.Builder
	for _, b := range c.Blocks {
		switch b.Type {
		case BlockTypeImage:
			sb.WriteString(b.Data)
		default:
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// GetText returns the user-visible text: plain text, or the text blocks
// concatenated.
func (c Content) GetText() string {
	if c.IsPlain() {
		return c.Text
	}
	var sb strings.Builder
	for _, b := range c.Blocks {
		if b.Type == BlockTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// MarshalJSON writes plain text as a JSON string and blocks as an array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsPlain() {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// UnmarshalJSON accepts either a JSON string or an array of blocks.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) || trimmed == "null" {
		c.Blocks = nil
		return json.Unmarshal(data, &c.Text)
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("invalid content: %w", err)
	}
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	c.Text = ""
	c.Blocks = blocks
	return nil
}

//----------------------------------------------------------------
// Helper Functions - Message
//----------------------------------------------------------------

// NewTextMessage builds a plain text message.
func NewTextMessage(role, text string) Message {
	return Message{
		Role:      role,
		Content:   PlainText(text),
		Timestamp: time.Now().Unix(),
	}
}

// NewSystemMessage builds a system message.
func NewSystemMessage(text string) Message {
	return NewTextMessage(RoleSystem, text)
}

// NewUserMessage builds a plain text user message.
func NewUserMessage(text string) Message {
	return NewTextMessage(RoleUser, text)
}

// NewAssistantMessage builds a plain text assistant message.
func NewAssistantMessage(text string) Message {
	return NewTextMessage(RoleAssistant, text)
}

//----------------------------------------------------------------
// Helper Functions - ContentBlock
//----------------------------------------------------------------

// NewTextBlock builds a text block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// NewImageBlock builds an image block pointing at ref.
func NewImageBlock(ref, mimeType string) ContentBlock {
	return ContentBlock{Type: BlockTypeImage, Ref: ref, MimeType: mimeType}
}

// NewFileBlock builds a file block with its already converted text.
func NewFileBlock(ref, name, text string) ContentBlock {
	return ContentBlock{Type: BlockTypeFile, Ref: ref, Name: name, Text: text}
}
