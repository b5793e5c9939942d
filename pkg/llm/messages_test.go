package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentValidate(t *testing.T) {
	tests := []struct {
		name    string
		content Content
		wantErr error
	}{
		{"plain text", PlainText("hi"), nil},
		{"empty plain text", PlainText(""), nil},
		{"blocks", BlockContent(NewTextBlock("a"), NewImageBlock("/tmp/a.png", "image/png")), nil},
		{"unknown block", BlockContent(ContentBlock{Type: "audio"}), ErrUnsupportedContentKind},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.content.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.Error(t, BlockContent().Validate(), "an empty block sequence is invalid")
}

func TestContentAccessors(t *testing.T) {
	c := BlockContent(
		NewTextBlock("look at "),
		ContentBlock{Type: BlockTypeImage, Ref: "a.png", Data: "data:image/png;base64,AAAA"},
		NewFileBlock("notes.md", "notes.md", "file body"),
	)

	assert.False(t, c.IsPlain())
	assert.True(t, c.HasImage())
	assert.True(t, c.HasFile())
	assert.Equal(t, "look at ", c.GetText())
	assert.Equal(t, "look at data:image/png;base64,AAAAfile body", c.TextParts())

	p := PlainText("hello")
	assert.True(t, p.IsPlain())
	assert.False(t, p.HasImage())
	assert.Equal(t, "hello", p.TextParts())
}

func TestBlockContentCopies(t *testing.T) {
	blocks := []ContentBlock{NewTextBlock("a")}
	c := BlockContent(blocks...)
	blocks[0].Text = "changed"

	assert.Equal(t, "a", c.Blocks[0].Text)
}

func TestContentJSON(t *testing.T) {
	t.Run("plain text is a string", func(t *testing.T) {
		msg := Message{Role: RoleUser, Content: PlainText("hi")}
		data, err := json.Marshal(msg)
		require.NoError(t, err)
		assert.JSONEq(t, `{"role":"user","content":"hi"}`, string(data))

		var back Message
		require.NoError(t, json.Unmarshal(data, &back))
		assert.True(t, back.Content.IsPlain())
		assert.Equal(t, "hi", back.Content.Text)
	})

	t.Run("blocks are an array and drop inline data", func(t *testing.T) {
		img := NewImageBlock("/data/a.png", "image/png")
		img.Data = "data:image/png;base64,AAAA"
		msg := Message{Role: RoleUser, Content: BlockContent(NewTextBlock("see"), img)}

		data, err := json.Marshal(msg)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "base64")

		var back Message
		require.NoError(t, json.Unmarshal(data, &back))
		require.Len(t, back.Content.Blocks, 2)
		assert.Equal(t, BlockTypeImage, back.Content.Blocks[1].Type)
		assert.Equal(t, "/data/a.png", back.Content.Blocks[1].Ref)
		assert.Empty(t, back.Content.Blocks[1].Data)
	})

	t.Run("invalid content", func(t *testing.T) {
		var back Message
		assert.Error(t, json.Unmarshal([]byte(`{"role":"user","content":42}`), &back))
	})
}

func TestContentFlatten(t *testing.T) {
	c := BlockContent(
		NewTextBlock("summarize this"),
		NewImageBlock("a.png", "image/png"),
		NewFileBlock("/data/r.md", "r.md", "# Report"),
	)

	assert.Equal(t, "summarize this\n\n<file name=\"r.md\">\n# Report\n</file>", c.Flatten())
	assert.Equal(t, "plain", PlainText("plain").Flatten())
}
