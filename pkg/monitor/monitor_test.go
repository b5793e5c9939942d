package monitor

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"relay/pkg/llm"

	"github.com/stretchr/testify/assert"
)

func TestCLIMonitorFormats(t *testing.T) {
	var buf bytes.Buffer
	m := NewWriterMonitor(&buf, 80)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	m.OnMessage(MonitorMessage{Timestamp: ts, MessageType: TypeUser, ChannelID: "web", Username: "ana", Content: "hello\nthere"})
	m.OnMessage(MonitorMessage{Timestamp: ts, MessageType: TypeAssistant, Content: "hi", Citations: 2})
	m.OnMessage(MonitorMessage{Timestamp: ts, MessageType: TypeCancelled, Content: "partial"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "[2026-01-02 03:04:05] [web/ana] hello there", lines[0])
	assert.Equal(t, "[2026-01-02 03:04:05] [AI] hi (2 sources)", lines[1])
	assert.Equal(t, "[2026-01-02 03:04:05] [STOPPED] partial", lines[2])
}

func TestCLIMonitorTruncatesToWidth(t *testing.T) {
	var buf bytes.Buffer
	m := NewWriterMonitor(&buf, 40)

	m.OnMessage(MonitorMessage{Timestamp: time.Now(), MessageType: TypeAssistant, Content: strings.Repeat("字", 50)})

	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasSuffix(line, "…"))
	assert.LessOrEqual(t, len([]rune(line)), 40)
}

func TestCustomHandlerIncludesDebugID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCustomHandler(&buf, slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := context.WithValue(context.Background(), llm.DebugDirContextKey, "req42")

	logger.InfoContext(ctx, "Request done", "chars", 12, "provider", "gemini")
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "[INFO] [req42] Request done chars=12 provider=\"gemini\"")
	assert.NotContains(t, out, "hidden")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
