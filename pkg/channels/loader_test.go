package channels

import (
	"errors"
	"testing"

	"relay/pkg/api"
	"relay/pkg/stream"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct{ id string }

func (s *stubChannel) ID() string                                           { return s.id }
func (s *stubChannel) Start(api.ChannelContext) error                       { return nil }
func (s *stubChannel) Stop() error                                          { return nil }
func (s *stubChannel) Send(api.SessionContext, string) error                { return nil }
func (s *stubChannel) Stream(api.SessionContext, <-chan stream.Chunk) error { return nil }

type stubFactory struct {
	err     error
	decline bool
}

func (f stubFactory) Create(raw jsoniter.RawMessage, deps Deps) (api.Channel, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.decline {
		return nil, nil
	}
	return &stubChannel{id: string(raw)}, nil
}

func TestLoadFromConfig(t *testing.T) {
	RegisterChannel("stub_ok", stubFactory{})
	RegisterChannel("stub_fail", stubFactory{err: errors.New("boom")})
	RegisterChannel("stub_off", stubFactory{decline: true})

	got := LoadFromConfig(map[string]jsoniter.RawMessage{
		"stub_ok":   jsoniter.RawMessage(`ok`),
		"stub_fail": jsoniter.RawMessage(`{}`),
		"stub_off":  jsoniter.RawMessage(`{}`),
		"missing":   jsoniter.RawMessage(`{}`),
	}, Deps{})

	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].ID())
}
