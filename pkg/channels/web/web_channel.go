package web

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"relay/pkg/api"
	"relay/pkg/attachments"
	"relay/pkg/llm"
	"relay/pkg/metadata"
	"relay/pkg/stream"
	"relay/pkg/utils"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for decoupled UI
	},
}

// Frame types exchanged over the socket.
const (
	FrameMessage  = "message"  // inbound user turn, outbound plain reply
	FrameCancel   = "cancel"   // inbound: stop the in-flight response
	FrameReset    = "reset"    // inbound: clear the session history
	FrameText     = "text"     // outbound paced fragment
	FrameMetadata = "metadata" // outbound citations and thinking of a finished reply
	FrameError    = "error"    // outbound failure of the in-flight reply
	FrameDone     = "done"     // outbound end of a streamed reply
	FrameSignal   = "signal"
	FrameHistory  = "history"
)

type WebConfig struct {
	Port     int  `json:"port"` // Default: 9453
	Disabled bool `json:"disabled"`
}

// Upload is a base64 encoded file sent by the browser.
type Upload struct {
	Name string `json:"name"`
	Mime string `json:"mime"`
	Data string `json:"data"`
}

// IncomingMessage is an inbound frame. A frame without type is a message.
type IncomingMessage struct {
	Type   string   `json:"type"`
	Text   string   `json:"text"`
	Images []Upload `json:"images"`
	Files  []Upload `json:"files"`
}

// HistoryEntry is one replayed turn.
type HistoryEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Frame is an outbound JSON message.
type Frame struct {
	Type      string              `json:"type"`
	Text      string              `json:"text,omitempty"`
	Value     string              `json:"value,omitempty"`
	Thinking  string              `json:"thinking,omitempty"`
	Citations []metadata.Citation `json:"citations,omitempty"`
	History   []HistoryEntry      `json:"data,omitempty"`
}

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

type SafeConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (sc *SafeConn) WriteFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", f.Type, err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	// A browser that stops reading fails the write instead of holding the stream.
	sc.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sc.Conn.WriteMessage(websocket.TextMessage, data)
}

type WebChannel struct {
	config      WebConfig
	server      *http.Server
	sessions    *llm.SessionManager // Manager for fetching histories
	store       *attachments.Resolver
	connections map[string]*SafeConn // Map UserID -> WS Connection
	mu          sync.RWMutex
}

func NewWebChannel(cfg WebConfig, sessions *llm.SessionManager, store *attachments.Resolver) *WebChannel {
	return &WebChannel{
		config:      cfg,
		sessions:    sessions,
		store:       store,
		connections: make(map[string]*SafeConn),
	}
}

func (c *WebChannel) ID() string {
	return "web"
}

// Handler returns the HTTP handler serving the /ws endpoint.
func (c *WebChannel) Handler(ctx api.ChannelContext) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		c.handleWebSocket(w, r, ctx)
	})
	return mux
}

func (c *WebChannel) Start(ctx api.ChannelContext) error {
	c.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.config.Port),
		Handler: c.Handler(ctx),
	}

	slog.Info("Web API listening", "port", c.config.Port)

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Web API server error", "error", err)
		}
	}()

	return nil
}

func (c *WebChannel) Stop() error {
	if c.server != nil {
		return c.server.Close()
	}
	return nil
}

func (c *WebChannel) conn(session api.SessionContext) (*SafeConn, error) {
	c.mu.RLock()
	conn, ok := c.connections[session.UserID]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("web user %s not connected", session.UserID)
	}
	return conn, nil
}

func (c *WebChannel) Send(session api.SessionContext, message string) error {
	conn, err := c.conn(session)
	if err != nil {
		return err
	}
	return conn.WriteFrame(Frame{Type: FrameMessage, Text: message})
}

// SendSignal implements the api.SignalingChannel interface
func (c *WebChannel) SendSignal(session api.SessionContext, signal string) error {
	conn, err := c.conn(session)
	if err != nil {
		return err
	}
	return conn.WriteFrame(Frame{Type: FrameSignal, Value: signal})
}

// Stream implements api.Channel.Stream. Every chunk becomes one frame and the
// reply always ends with a done frame.
func (c *WebChannel) Stream(session api.SessionContext, chunks <-chan stream.Chunk) error {
	conn, err := c.conn(session)
	if err != nil {
		return err
	}

	for chunk := range chunks {
		var f Frame
		switch {
		case chunk.Err != nil:
			f = Frame{Type: FrameError, Text: chunk.Err.Error()}
		case chunk.IsMetadata():
			f = Frame{
				Type:      FrameMetadata,
				Thinking:  chunk.Metadata.Thinking,
				Citations: chunk.Metadata.Citations,
			}
		default:
			f = Frame{Type: FrameText, Text: chunk.Text}
		}
		if err := conn.WriteFrame(f); err != nil {
			return err
		}
	}

	return conn.WriteFrame(Frame{Type: FrameDone})
}

func (c *WebChannel) handleWebSocket(w http.ResponseWriter, r *http.Request, ctx api.ChannelContext) {
	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WS Upgrade failed", "error", err)
		return
	}

	conn := &SafeConn{Conn: rawConn}
	userID := utils.GenerateID()

	chatID := r.URL.Query().Get("session")
	if chatID == "" {
		chatID = "global"
	}
	username := r.URL.Query().Get("user")
	if username == "" {
		username = "WebUser"
	}
	session := api.SessionContext{
		ChannelID: c.ID(),
		UserID:    userID,
		ChatID:    chatID,
		Username:  username,
	}

	c.mu.Lock()
	c.connections[userID] = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.connections, userID)
		c.mu.Unlock()
		conn.Close()
	}()

	c.sendHistory(conn, session)

	for {
		_, msgBytes, err := conn.ReadMessage()
		if err != nil {
			break
		}

		msg := c.parseIncoming(msgBytes, session)
		if msg == nil {
			continue
		}
		ctx.OnMessage(c.ID(), msg)
	}
}

// sendHistory replays the stored conversation of the session, if any.
func (c *WebChannel) sendHistory(conn *SafeConn, session api.SessionContext) {
	h, err := c.sessions.GetHistory(session.Key())
	if err != nil {
		slog.Warn("Failed to load history", "session", session.Key(), "error", err)
		return
	}

	var entries []HistoryEntry
	for _, m := range h.GetMessages() {
		if m.Role == llm.RoleSystem {
			continue
		}
		entries = append(entries, HistoryEntry{Role: m.Role, Text: m.Content.Flatten()})
	}
	if len(entries) == 0 {
		return
	}
	if err := conn.WriteFrame(Frame{Type: FrameHistory, History: entries}); err != nil {
		slog.Error("Failed to send history", "error", err)
	}
}

// parseIncoming turns a frame into a UnifiedMessage. Frames that are not JSON
// are taken as plain text.
func (c *WebChannel) parseIncoming(data []byte, session api.SessionContext) *api.UnifiedMessage {
	var incoming IncomingMessage
	if err := json.Unmarshal(data, &incoming); err != nil {
		return &api.UnifiedMessage{Session: session, Content: string(data)}
	}

	switch incoming.Type {
	case FrameCancel:
		return &api.UnifiedMessage{Session: session, Content: api.CommandStop}
	case FrameReset:
		return &api.UnifiedMessage{Session: session, Content: api.CommandReset}
	case "", FrameMessage:
	default:
		slog.Warn("Unknown web frame type", "type", incoming.Type)
		return nil
	}

	msg := &api.UnifiedMessage{Session: session, Content: incoming.Text}
	for _, u := range append(incoming.Images, incoming.Files...) {
		file, err := c.storeUpload(u)
		if err != nil {
			slog.Error("Failed to store upload", "name", u.Name, "error", err)
			continue
		}
		msg.Files = append(msg.Files, file)
	}
	if msg.Content == "" && len(msg.Files) == 0 {
		return nil
	}
	return msg
}

func (c *WebChannel) storeUpload(u Upload) (api.FileAttachment, error) {
	data, err := base64.StdEncoding.DecodeString(u.Data)
	if err != nil {
		return api.FileAttachment{}, fmt.Errorf("invalid base64: %w", err)
	}
	path, mimeType, err := c.store.Store(data, u.Name)
	if err != nil {
		return api.FileAttachment{}, err
	}
	// Sniffing cannot tell text formats apart; keep what the browser declared.
	if u.Mime != "" && !utils.IsImageMime(mimeType) {
		mimeType = u.Mime
	}
	return api.FileAttachment{Filename: u.Name, MimeType: mimeType, Path: path}, nil
}
