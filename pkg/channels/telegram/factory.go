package telegram

import (
	"fmt"

	"relay/pkg/api"
	"relay/pkg/channels"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TelegramFactory builds Telegram bot channels.
type TelegramFactory struct{}

// Create implements ChannelFactory
func (f *TelegramFactory) Create(rawConfig jsoniter.RawMessage, deps channels.Deps) (api.Channel, error) {
	var tgCfg TelegramConfig
	if err := json.Unmarshal(rawConfig, &tgCfg); err != nil {
		return nil, fmt.Errorf("failed to parse telegram config: %w", err)
	}
	if tgCfg.Disabled {
		return nil, nil
	}
	if tgCfg.Token == "" {
		return nil, fmt.Errorf("missing telegram token")
	}
	if deps.Attachments == nil || deps.System == nil {
		return nil, fmt.Errorf("telegram channel needs attachments and system config")
	}

	return NewTelegramChannel(tgCfg, deps.System.TelegramMessageLimit, deps.Attachments)
}

func init() {
	channels.RegisterChannel("telegram", &TelegramFactory{})
}
