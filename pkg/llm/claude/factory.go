package claude

import (
	"log/slog"

	"relay/pkg/config"
	"relay/pkg/llm"
)

// AnthropicFactory handles creation of Anthropic clients.
type AnthropicFactory struct{}

// Create implements ProviderFactory
func (f *AnthropicFactory) Create(cfg llm.ProviderGroupConfig, sys *config.SystemConfig) ([]llm.LLMClient, error) {
	var clients []llm.LLMClient

	for _, model := range cfg.Models {
		client, err := NewClient(cfg.APIKey(), model, cfg.BaseURL, cfg.Options)
		if err != nil {
			slog.Error("Failed to create Anthropic client", "model", model, "error", err)
			continue
		}
		client.SetShowThinking(sys.ShowThinking)
		client.SetBuffer(sys.InternalChannelBuffer)
		client.SetDebug(sys.DebugChunks)
		clients = append(clients, client)
	}
	return clients, nil
}

func init() {
	llm.RegisterProvider("anthropic", &AnthropicFactory{})
}
