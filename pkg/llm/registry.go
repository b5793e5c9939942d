package llm

import (
	"os"
	"strings"

	"relay/pkg/config"
)

// ProviderGroupConfig describes one group of models served by one provider.
// It is the input of every ProviderFactory.
type ProviderGroupConfig struct {
	Type     string         `json:"type"`
	APIKeys  []string       `json:"api_keys,omitempty"`
	Models   []string       `json:"models"`
	BaseURL  string         `json:"base_url,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
	Disabled bool           `json:"disabled,omitempty"`
}

// APIKey returns the first configured key, or "". A key written as
// "$NAME" is read from the environment variable NAME.
func (c ProviderGroupConfig) APIKey() string {
	if len(c.APIKeys) == 0 {
		return ""
	}
	key := c.APIKeys[0]
	if name, ok := strings.CutPrefix(key, "$"); ok && name != "" {
		return os.Getenv(name)
	}
	return key
}

// ProviderFactory builds the clients of one provider group.
type ProviderFactory interface {
	Create(groupConfig ProviderGroupConfig, systemConfig *config.SystemConfig) ([]LLMClient, error)
}

// providerRegistry maps a provider type to its factory.
var providerRegistry = make(map[string]ProviderFactory)

// RegisterProvider registers a factory. Called from provider init functions.
func RegisterProvider(name string, factory ProviderFactory) {
	providerRegistry[name] = factory
}

// GetProviderFactory looks up a factory by provider type.
func GetProviderFactory(name string) (ProviderFactory, bool) {
	f, ok := providerRegistry[name]
	return f, ok
}
