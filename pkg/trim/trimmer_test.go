package trim

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"relay/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lengthCounter charges one token per byte.
var lengthCounter = CounterFunc(func(text string) int { return len(text) })

func costed(role, text string, cost int) llm.Message {
	m := llm.NewTextMessage(role, text)
	m.TokenCost = cost
	return m
}

func TestTrimScenarioKeepsNewestContiguous(t *testing.T) {
	u1 := costed(llm.RoleUser, "U1", 50)
	a1 := costed(llm.RoleAssistant, "A1", 50)
	u2 := costed(llm.RoleUser, "U2", 50)

	tr := NewTrimmer(nil, lengthCounter, 0)
	got, err := tr.Trim(context.Background(), []llm.Message{u1, a1, u2}, 0, 120)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "A1", got[0].Content.Text)
	assert.Equal(t, "U2", got[1].Content.Text)
}

func TestTrimGreedyStop(t *testing.T) {
	history := []llm.Message{
		costed(llm.RoleUser, "tiny", 1),
		costed(llm.RoleAssistant, "huge", 500),
		costed(llm.RoleUser, "last", 10),
	}

	got, err := NewTrimmer(nil, lengthCounter, 0).Trim(context.Background(), history, 0, 100)
	require.NoError(t, err)
	require.Len(t, got, 1, "an older message that would fit is not considered after a stop")
	assert.Equal(t, "last", got[0].Content.Text)
}

func TestTrimEmptyWhenNewestTooLarge(t *testing.T) {
	history := []llm.Message{costed(llm.RoleUser, "x", 200)}

	got, err := NewTrimmer(nil, lengthCounter, 0).Trim(context.Background(), history, 0, 100)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTrimReserveAndPrompt(t *testing.T) {
	history := []llm.Message{costed(llm.RoleUser, "a", 30), costed(llm.RoleUser, "b", 30)}

	tests := []struct {
		reserve, limit, want int
	}{
		{20, 100, 2},
		{20, 99, 1},
		{19, 99, 2},
		{20, 70, 1},
		{20, 69, 0},
	}
	for _, tt := range tests {
		got, err := NewTrimmer(nil, lengthCounter, tt.reserve).Trim(context.Background(), history, 20, tt.limit)
		require.NoError(t, err)
		assert.Len(t, got, tt.want, "reserve %d limit %d", tt.reserve, tt.limit)
	}
}

func TestTrimBudgetInvariant(t *testing.T) {
	var history []llm.Message
	for i := 0; i < 40; i++ {
		history = append(history, llm.NewUserMessage(fmt.Sprintf("message %d %s", i, strings.Repeat("x", i*7))))
	}

	tr := NewTrimmer(nil, lengthCounter, 25)
	for _, limit := range []int{0, 10, 50, 120, 400, 1000, 5000} {
		for _, prompt := range []int{0, 5, 60} {
			got, err := tr.Trim(context.Background(), history, prompt, limit)
			require.NoError(t, err)

			sum := 0
			for _, m := range got {
				sum += m.TokenCost
			}
			if len(got) > 0 {
				assert.LessOrEqual(t, sum+prompt+25, limit, "limit %d", limit)
			}

			// Contiguous suffix in original order
			offset := len(history) - len(got)
			for i, m := range got {
				assert.Equal(t, history[offset+i].Content.Text, m.Content.Text)
			}
		}
	}
}

func TestTrimReturnsEverythingUnderSlack(t *testing.T) {
	history := []llm.Message{
		{Role: llm.RoleUser, Content: llm.BlockContent(llm.NewTextBlock("read"), llm.NewFileBlock("f.txt", "f.txt", "body"))},
		llm.NewAssistantMessage("done"),
		llm.NewUserMessage("thanks"),
	}

	got, err := NewTrimmer(nil, EstimateCounter{}, DefaultReserve).Trim(context.Background(), history, 100, 100000)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "done", got[1].Content.Text)
	assert.Equal(t, "thanks", got[2].Content.Text)

	// The historical file is still dropped
	require.Len(t, got[0].Content.Blocks, 1)
	assert.Equal(t, "read", got[0].Content.Blocks[0].Text)
	assert.Len(t, history[0].Content.Blocks, 2)
}

func TestTrimImageInTextOnlyConversation(t *testing.T) {
	history := []llm.Message{
		{Role: llm.RoleUser, Content: llm.BlockContent(llm.NewImageBlock("a.png", "image/png"))},
		llm.NewAssistantMessage("nice picture"),
	}

	got, err := NewTrimmer(nil, EstimateCounter{}, 0).Trim(context.Background(), history, 0, 1000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "THE USER UPLOADED AN IMAGE", got[0].Content.Blocks[0].Text)
}

func TestTrimChargesInlineImageData(t *testing.T) {
	history := []llm.Message{
		{Role: llm.RoleUser, Content: llm.BlockContent(llm.NewTextBlock("hi"), llm.NewImageBlock("a.png", "image/png"))},
	}
	tr := NewTrimmer(NewNormalizer(&fakeResolver{}), lengthCounter, 0)

	got, err := tr.Trim(context.Background(), history, 0, 1000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, len("hi")+len("data:image/png;base64,QUJD"), got[0].TokenCost)
}

func TestTrimSurvivesPrunedEarlierImage(t *testing.T) {
	res := &fakeResolver{missing: map[string]bool{"old.png": true}}
	history := []llm.Message{
		{Role: llm.RoleUser, Content: llm.BlockContent(llm.NewTextBlock("what is this"), llm.NewImageBlock("old.png", "image/png"))},
		llm.NewAssistantMessage("a cat"),
		{Role: llm.RoleUser, Content: llm.BlockContent(llm.NewTextBlock("and this?"), llm.NewImageBlock("new.png", "image/png"))},
	}

	got, err := NewTrimmer(NewNormalizer(res), lengthCounter, 0).Trim(context.Background(), history, 0, 1000000)
	require.NoError(t, err)
	require.Len(t, got, 3)

	old := got[0].Content.Blocks
	require.Len(t, old, 2)
	assert.Equal(t, "THE USER UPLOADED AN IMAGE\n\nwhat is this", old[0].Text)
	assert.Equal(t, llm.BlockTypeText, old[1].Type)
	assert.Equal(t, "THE USER UPLOADED AN IMAGE", old[1].Text)

	assert.Equal(t, "data:image/png;base64,QUJD", got[2].Content.Blocks[1].Data)
}

func TestTrimNormalizationErrorAborts(t *testing.T) {
	history := []llm.Message{
		{Role: llm.RoleUser, Content: llm.BlockContent(llm.ContentBlock{Type: "audio"})},
		llm.NewUserMessage("ok"),
	}

	got, err := NewTrimmer(nil, lengthCounter, 0).Trim(context.Background(), history, 0, 1000)
	assert.ErrorIs(t, err, llm.ErrUnsupportedContentKind)
	assert.Nil(t, got)
}

func TestEstimateCounter(t *testing.T) {
	c := EstimateCounter{}
	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("abc"))
	assert.Equal(t, 1, c.Count("abcd"))
	assert.Equal(t, 2, c.Count("abcde"))
	assert.Equal(t, 1, c.Count("你好"))
}

func TestBudget(t *testing.T) {
	b := Budget{Used: 10, Limit: 100, Reserve: 20}
	assert.True(t, b.Fits(70))
	assert.False(t, b.Fits(71))
	b.Accept(70)
	assert.Equal(t, 0, b.Remaining())
	assert.False(t, b.Fits(1))
}
