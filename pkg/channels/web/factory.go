package web

import (
	"fmt"

	"relay/pkg/api"
	"relay/pkg/channels"

	jsoniter "github.com/json-iterator/go"
)

// WebFactory builds the WebSocket channel.
type WebFactory struct{}

// Create implements ChannelFactory
func (f *WebFactory) Create(rawConfig jsoniter.RawMessage, deps channels.Deps) (api.Channel, error) {
	cfg := WebConfig{Port: 9453}
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse web config: %w", err)
	}
	if cfg.Disabled {
		return nil, nil
	}
	if deps.Sessions == nil || deps.Attachments == nil {
		return nil, fmt.Errorf("web channel needs sessions and attachments")
	}
	return NewWebChannel(cfg, deps.Sessions, deps.Attachments), nil
}

func init() {
	channels.RegisterChannel("web", &WebFactory{})
}
