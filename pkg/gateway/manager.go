package gateway

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"relay/pkg/api"
	"relay/pkg/monitor"
	"relay/pkg/stream"
)

// GatewayManager owns the registered channels and routes messages between
// them and the message handler.
type GatewayManager struct {
	channels      map[string]api.Channel
	msgHandler    api.MessageHandler
	monitor       monitor.Monitor
	channelBuffer int
	mu            sync.RWMutex
}

// NewGatewayManager creates an empty GatewayManager.
func NewGatewayManager() *GatewayManager {
	return &GatewayManager{
		channels:      make(map[string]api.Channel),
		channelBuffer: 100,
	}
}

// SetChannelBuffer sets the buffer of the chunk channel handed to channels.
func (g *GatewayManager) SetChannelBuffer(size int) {
	if size > 0 {
		g.channelBuffer = size
	}
}

// SetMessageHandler sets the core message processing callback.
func (g *GatewayManager) SetMessageHandler(handler api.MessageHandler) {
	g.msgHandler = handler
}

// SetMonitor sets the traffic monitor.
func (g *GatewayManager) SetMonitor(m monitor.Monitor) {
	g.monitor = m
}

// Register adds a channel.
func (g *GatewayManager) Register(c api.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[c.ID()] = c
}

// GetChannel looks up a channel by id.
func (g *GatewayManager) GetChannel(id string) (api.Channel, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.channels[id]
	return c, ok
}

// StartAll starts the registered channels in id order with the manager as
// their context. If one fails, the channels already started are stopped.
func (g *GatewayManager) StartAll() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.channels))
	for id := range g.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for i, id := range ids {
		slog.Info("Starting channel", "channel", id)
		if err := g.channels[id].Start(g); err != nil {
			for _, started := range ids[:i] {
				if stopErr := g.channels[started].Stop(); stopErr != nil {
					slog.Error("Error stopping channel", "channel", started, "error", stopErr)
				}
			}
			return fmt.Errorf("failed to start channel %s: %w", id, err)
		}
	}
	return nil
}

// StopAll stops every channel.
func (g *GatewayManager) StopAll() {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, c := range g.channels {
		slog.Info("Stopping channel", "channel", id)
		if err := c.Stop(); err != nil {
			slog.Error("Error stopping channel", "channel", id, "error", err)
		}
	}
}

func (g *GatewayManager) notify(msgType string, session api.SessionContext, content string, citations int) {
	if g.monitor == nil {
		return
	}
	g.monitor.OnMessage(monitor.MonitorMessage{
		Timestamp:   time.Now(),
		MessageType: msgType,
		ChannelID:   session.ChannelID,
		Username:    session.Username,
		Content:     content,
		Citations:   citations,
	})
}

// SendReply sends a complete message through the session's channel.
func (g *GatewayManager) SendReply(session api.SessionContext, content string) error {
	slog.Debug("Reply", "channel", session.ChannelID, "user", session.Username, "chars", len(content))
	g.notify(monitor.TypeAssistant, session, content, 0)

	c, ok := g.GetChannel(session.ChannelID)
	if !ok {
		return fmt.Errorf("channel %s not found", session.ChannelID)
	}
	return c.Send(session, content)
}

// SendSignal forwards a control signal to channels that support it. Other
// channels ignore it.
func (g *GatewayManager) SendSignal(session api.SessionContext, signal string) error {
	c, ok := g.GetChannel(session.ChannelID)
	if !ok {
		return fmt.Errorf("channel %s not found", session.ChannelID)
	}

	if sc, ok := c.(api.SignalingChannel); ok {
		slog.Debug("Signal", "channel", session.ChannelID, "user", session.Username, "signal", signal)
		return sc.SendSignal(session, signal)
	}
	return nil
}

// StreamReply hands the chunk stream to the session's channel and reports
// the finished reply to the monitor. It returns when the channel stops
// reading.
func (g *GatewayManager) StreamReply(session api.SessionContext, chunks <-chan stream.Chunk) error {
	c, ok := g.GetChannel(session.ChannelID)
	if !ok {
		return fmt.Errorf("channel %s not found", session.ChannelID)
	}

	wrapped := make(chan stream.Chunk, g.channelBuffer)
	done := make(chan struct{})

	go func() {
		defer close(wrapped)

		var full strings.Builder
		msgType := monitor.TypeCancelled
		citations := 0
		for chunk := range chunks {
			full.WriteString(chunk.Text)
			switch {
			case chunk.IsMetadata():
				msgType = monitor.TypeAssistant
				citations = len(chunk.Metadata.Citations)
			case chunk.Err != nil:
				msgType = monitor.TypeError
				full.WriteString(" " + chunk.Err.Error())
			}

			select {
			case wrapped <- chunk:
			case <-done:
				g.notify(monitor.TypeCancelled, session, full.String(), 0)
				return
			}
		}
		g.notify(msgType, session, full.String(), citations)
	}()

	err := c.Stream(session, wrapped)
	close(done)
	return err
}

// OnMessage implements ChannelContext.
func (g *GatewayManager) OnMessage(channelID string, msg *api.UnifiedMessage) {
	slog.Info("Received message",
		"channel", channelID,
		"user", msg.Session.Username,
		"user_id", msg.Session.UserID,
		"chars", len(msg.Content),
		"files", len(msg.Files))

	g.notify(monitor.TypeUser, msg.Session, msg.Content, 0)

	if g.msgHandler == nil {
		slog.Warn("No message handler set")
		return
	}
	g.msgHandler(msg)
}
