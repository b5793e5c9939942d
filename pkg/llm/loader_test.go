package llm

import (
	"errors"
	"testing"

	"relay/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFactory struct {
	err    error
	groups []ProviderGroupConfig
}

func (f *stubFactory) Create(group ProviderGroupConfig, _ *config.SystemConfig) ([]LLMClient, error) {
	f.groups = append(f.groups, group)
	if f.err != nil {
		return nil, f.err
	}
	var out []LLMClient
	for _, m := range group.Models {
		out = append(out, &stubClient{name: m})
	}
	return out, nil
}

func TestNewFromConfig(t *testing.T) {
	ok := &stubFactory{}
	RegisterProvider("loader-ok", ok)
	RegisterProvider("loader-broken", &stubFactory{err: errors.New("bad key")})
	sys := config.DefaultSystemConfig()

	t.Run("single client is returned as is", func(t *testing.T) {
		c, err := NewFromConfig([]byte(`[{"type": "loader-ok", "models": ["m1"]}]`), sys)
		require.NoError(t, err)
		assert.Equal(t, "m1", c.Provider())
	})

	t.Run("failing and disabled groups are skipped", func(t *testing.T) {
		c, err := NewFromConfig([]byte(`[
			{"type": "loader-broken", "models": ["x"]},
			{"type": "loader-ok", "models": ["a", "b"]},
			{"type": "loader-ok", "models": ["c"], "disabled": true},
			{"type": "nope", "models": ["y"]}
		]`), sys)
		require.NoError(t, err)
		fb, isFallback := c.(*FallbackClient)
		require.True(t, isFallback)
		require.Len(t, fb.Clients, 2)
		assert.Equal(t, sys.MaxRetries, fb.MaxRetries)
	})

	t.Run("every failure is reported", func(t *testing.T) {
		_, err := NewFromConfig([]byte(`[
			{"type": "loader-broken", "models": ["x"]},
			{"type": "loader-ok", "models": []}
		]`), sys)
		require.Error(t, err)
		assert.ErrorContains(t, err, "bad key")
		assert.ErrorContains(t, err, "no models listed")
	})

	t.Run("missing or malformed section", func(t *testing.T) {
		_, err := NewFromConfig(nil, sys)
		assert.Error(t, err)
		_, err = NewFromConfig([]byte(`{"type": "loader-ok"}`), sys)
		assert.ErrorContains(t, err, "failed to parse")
	})
}

func TestAPIKeyFromEnvironment(t *testing.T) {
	t.Setenv("RELAY_TEST_KEY", "secret")

	assert.Equal(t, "secret", ProviderGroupConfig{APIKeys: []string{"$RELAY_TEST_KEY"}}.APIKey())
	assert.Equal(t, "plain", ProviderGroupConfig{APIKeys: []string{"plain", "second"}}.APIKey())
	assert.Empty(t, ProviderGroupConfig{}.APIKey())
}
