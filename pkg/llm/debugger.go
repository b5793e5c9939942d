package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// StreamDebugger dumps the raw packets of one provider stream to
// debug/chunks/[<debug id>/]<provider>/<timestamp>.log, one packet per line.
// A disabled debugger accepts writes and drops them.
type StreamDebugger struct {
	file    *os.File
	packets int
}

// NewStreamDebugger opens the dump file when enabled. Failures are logged and
// yield a disabled debugger.
func NewStreamDebugger(ctx context.Context, provider string, enabled bool) *StreamDebugger {
	if !enabled {
		return &StreamDebugger{}
	}

	debugDir := filepath.Join("debug", "chunks", provider)
	if id, ok := ctx.Value(DebugDirContextKey).(string); ok && id != "" {
		debugDir = filepath.Join("debug", "chunks", id, provider)
	}

	if err := os.MkdirAll(debugDir, 0755); err != nil {
		slog.Error("Failed to create debug directory", "dir", debugDir, "error", err)
		return &StreamDebugger{}
	}

	filename := filepath.Join(debugDir, fmt.Sprintf("%s.log", time.Now().Format("20060102_150405")))
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		slog.Error("Failed to open debug file", "file", filename, "error", err)
		return &StreamDebugger{}
	}

	slog.DebugContext(ctx, "Debug mode ON", "provider", provider, "file", filename)
	return &StreamDebugger{file: f}
}

// Enabled reports whether packets are being written.
func (d *StreamDebugger) Enabled() bool {
	return d.file != nil
}

// WriteString appends one raw packet.
func (d *StreamDebugger) WriteString(s string) {
	if d.file == nil {
		return
	}
	d.packets++
	if _, err := fmt.Fprintf(d.file, "%s\n", s); err != nil {
		slog.Warn("Failed to write to debug file", "error", err)
	}
}

// WriteJSON marshals v and appends it as one packet.
func (d *StreamDebugger) WriteJSON(v any) {
	if d.file == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal debug packet", "error", err)
		return
	}
	d.WriteString(string(data))
}

// Close closes the dump file.
func (d *StreamDebugger) Close() {
	if d.file == nil {
		return
	}
	slog.Debug("Debug dump closed", "file", d.file.Name(), "packets", d.packets)
	d.file.Close()
	d.file = nil
}
