package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("503 busy")

type stubClient struct {
	name     string
	failures int
	err      error
	calls    int
	debug    bool
}

func (s *stubClient) Provider() string      { return s.name }
func (s *stubClient) SetDebug(enabled bool) { s.debug = enabled }

func (s *stubClient) StreamChat(ctx context.Context, messages []Message) (<-chan Delta, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, s.err
	}
	ch := make(chan Delta, 2)
	ch <- NewTextDelta(s.name)
	ch <- NewFinalDelta(StopReasonStop, nil)
	close(ch)
	return ch, nil
}

func (s *stubClient) IsTransientError(err error) bool {
	return errors.Is(err, errBusy)
}

func TestFallbackRetriesTransientErrors(t *testing.T) {
	first := &stubClient{name: "first", failures: 1, err: errBusy}
	f := &FallbackClient{Clients: []LLMClient{first}, MaxRetries: 2}

	ch, err := f.StreamChat(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "first", (<-ch).Text)
	assert.Equal(t, 2, first.calls)
}

func TestFallbackMovesToNextClient(t *testing.T) {
	first := &stubClient{name: "first", failures: 10, err: errors.New("invalid key")}
	second := &stubClient{name: "second"}
	f := &FallbackClient{Clients: []LLMClient{first, second}, MaxRetries: 3}

	ch, err := f.StreamChat(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "second", (<-ch).Text)
	assert.Equal(t, 1, first.calls, "permanent errors are not retried")
}

func TestFallbackAllFail(t *testing.T) {
	boom := errors.New("boom")
	f := &FallbackClient{Clients: []LLMClient{
		&stubClient{name: "a", failures: 10, err: boom},
		&stubClient{name: "b", failures: 10, err: boom},
	}}

	_, err := f.StreamChat(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
}

func TestFallbackSetDebug(t *testing.T) {
	a, b := &stubClient{name: "a"}, &stubClient{name: "b"}
	f := &FallbackClient{Clients: []LLMClient{a, b}}
	f.SetDebug(true)

	assert.True(t, a.debug)
	assert.True(t, b.debug)
	assert.Equal(t, "fallback", f.Provider())
}
