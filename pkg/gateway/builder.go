package gateway

import (
	"errors"
	"fmt"
	"log/slog"

	"relay/pkg/api"
	"relay/pkg/config"
	"relay/pkg/monitor"
)

var (
	errNoChannels = errors.New("no channels configured")
	errNoHandler  = errors.New("no message handler configured")
)

// GatewayBuilder assembles a GatewayManager from pre-built parts: the
// channels loaded from config, the chat handler and an optional monitor.
type GatewayBuilder struct {
	monitor  monitor.Monitor
	system   *config.SystemConfig
	handler  api.MessageProcessor
	channels []api.Channel
}

func NewGatewayBuilder() *GatewayBuilder {
	return &GatewayBuilder{}
}

// WithMonitor sets the traffic monitor. Build starts it.
func (b *GatewayBuilder) WithMonitor(m monitor.Monitor) *GatewayBuilder {
	b.monitor = m
	return b
}

// WithSystemConfig supplies the buffer size for streamed replies.
func (b *GatewayBuilder) WithSystemConfig(cfg *config.SystemConfig) *GatewayBuilder {
	b.system = cfg
	return b
}

// WithChannel adds channels. Nil entries are ignored.
func (b *GatewayBuilder) WithChannel(channels ...api.Channel) *GatewayBuilder {
	for _, c := range channels {
		if c != nil {
			b.channels = append(b.channels, c)
		}
	}
	return b
}

// WithHandler sets the processor of inbound messages. A handler that is
// api.ResponderAware gets the manager as its responder during Build.
func (b *GatewayBuilder) WithHandler(h api.MessageProcessor) *GatewayBuilder {
	b.handler = h
	return b
}

// Build wires the parts and starts the monitor and every channel. When a
// channel fails to start, whatever was started is stopped again.
func (b *GatewayBuilder) Build() (*GatewayManager, error) {
	if len(b.channels) == 0 {
		return nil, errNoChannels
	}
	if b.handler == nil {
		return nil, errNoHandler
	}

	gw := NewGatewayManager()
	if b.system != nil {
		gw.SetChannelBuffer(b.system.InternalChannelBuffer)
	}

	for _, c := range b.channels {
		if _, dup := gw.GetChannel(c.ID()); dup {
			return nil, fmt.Errorf("duplicate channel id %q", c.ID())
		}
		gw.Register(c)
	}

	if aware, ok := b.handler.(api.ResponderAware); ok {
		aware.SetResponder(gw)
	}
	gw.SetMessageHandler(b.handler.OnMessage)

	if b.monitor != nil {
		if err := b.monitor.Start(); err != nil {
			return nil, fmt.Errorf("failed to start monitor: %w", err)
		}
		gw.SetMonitor(b.monitor)
	}

	if err := gw.StartAll(); err != nil {
		if b.monitor != nil {
			if stopErr := b.monitor.Stop(); stopErr != nil {
				slog.Warn("Failed to stop monitor", "error", stopErr)
			}
		}
		return nil, err
	}
	return gw, nil
}
