package monitor

import "time"

// Message types shown by monitors.
const (
	TypeUser      = "USER"
	TypeAssistant = "ASSISTANT"
	TypeCancelled = "CANCELLED"
	TypeError     = "ERROR"
)

// MonitorMessage is one event of the traffic flowing through the gateway.
type MonitorMessage struct {
	Timestamp   time.Time
	MessageType string // one of the Type constants
	ChannelID   string
	Username    string
	Content     string
	Citations   int // number of sources attached to an assistant reply
}

// Monitor observes gateway traffic.
type Monitor interface {
	Start() error
	Stop() error
	OnMessage(msg MonitorMessage)
}
