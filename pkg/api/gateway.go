package api

import (
	"relay/pkg/stream"
)

// Control signals understood by signaling channels.
const (
	SignalThinking = "thinking" // the model has not produced output yet
	SignalStopped  = "stopped"  // the in-flight response was cancelled
	SignalReset    = "reset"    // the session history was cleared
)

// Chat commands recognised in UnifiedMessage.Content.
const (
	CommandStop  = "/stop"
	CommandReset = "/reset"
)

// Channel defines the standardized lifecycle interface for communication platforms.
type Channel interface {
	ID() string
	Start(ctx ChannelContext) error
	Stop() error
	Send(session SessionContext, message string) error
	// Stream renders paced chunks until the channel is closed. It returns
	// early with an error when the platform stops accepting output.
	Stream(session SessionContext, chunks <-chan stream.Chunk) error
}

// SignalingChannel is an optional extension of the Channel interface for
// platforms that support control signals (e.g., typing indicators, thinking UI).
type SignalingChannel interface {
	Channel
	// SendSignal transmits a control signal (e.g., "thinking") to the target
	// session to change UI state.
	SendSignal(session SessionContext, signal string) error
}

// ChannelContext provides the interface for a Channel implementation to
// communicate back with the Gateway core.
type ChannelContext interface {
	MessageResponder
	OnMessage(channelID string, msg *UnifiedMessage)
}

// MessageResponder defines the capabilities for sending responses back to a channel.
type MessageResponder interface {
	SendReply(session SessionContext, content string) error
	StreamReply(session SessionContext, chunks <-chan stream.Chunk) error
	SendSignal(session SessionContext, signal string) error
}

// UnifiedMessage defines the standardized internal data structure for all
// incoming messages within the relay.
type UnifiedMessage struct {
	Session SessionContext   // Contextual information about the source (User, Chat)
	Content string           // Standardized text content of the message
	Files   []FileAttachment // List of file attachments like images or documents
	Raw     any              // Optional storage for the original platform-specific payload object
	DebugID string           // Unique identifier grouping the logs and dumps of this request
}

// IsCommand reports whether the message is exactly the given chat command.
func (m *UnifiedMessage) IsCommand(cmd string) bool {
	return len(m.Files) == 0 && m.Content == cmd
}

// SessionContext encapsulates identity and routing information for a specific
// conversation unit on a specific communication channel.
type SessionContext struct {
	ChannelID string // Identifier of the channel that originated the session (e.g., "telegram")
	UserID    string // Platform-specific unique identifier for the user
	ChatID    string // Platform-specific identifier for the chat or group (may match UserID for DMs)
	Username  string // Display name or nickname of the user as provided by the platform
}

// Key identifies the conversation across channels.
func (s SessionContext) Key() string {
	return s.ChannelID + ":" + s.ChatID
}

// FileAttachment represents a single file uploaded by a user. Path points at
// the stored copy under the attachments directory.
type FileAttachment struct {
	Filename string // Original name of the uploaded file
	MimeType string // MIME type descriptor (e.g., "image/jpeg", "text/markdown")
	Path     string // Path of the stored file
}

// IsImage reports whether the attachment is an image.
func (f FileAttachment) IsImage() bool {
	return len(f.MimeType) > 6 && f.MimeType[:6] == "image/"
}

// MessageHandler defines the function signature for processing incoming messages.
// It implements the MessageProcessor interface.
type MessageHandler func(*UnifiedMessage)

// OnMessage allows MessageHandler to satisfy the MessageProcessor interface.
func (h MessageHandler) OnMessage(msg *UnifiedMessage) {
	h(msg)
}

// MessageProcessor defines the interface for components that can process incoming messages.
type MessageProcessor interface {
	OnMessage(msg *UnifiedMessage)
}

// ResponderAware defines an interface for components that require a MessageResponder to be injected.
type ResponderAware interface {
	SetResponder(responder MessageResponder)
}

// GatewayHandler is a composite interface for components that handle incoming
// messages AND are aware of the responder (e.g., ChatHandler).
type GatewayHandler interface {
	MessageProcessor
	ResponderAware
}
