package monitor

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"
)

// defaultWidth is used when the output is not a terminal.
const defaultWidth = 120

var (
	timeStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	warnStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
)

// CLIMonitor implements the Monitor interface, providing a direct
// terminal-based visualization of messages flowing through all channels.
// Each event is printed on one line, cut to the terminal width.
type CLIMonitor struct {
	writer io.Writer
	width  int
	styled bool
	mu     sync.Mutex
}

// NewCLIMonitor creates a monitor writing to stdout.
func NewCLIMonitor() *CLIMonitor {
	m := &CLIMonitor{writer: os.Stdout, width: defaultWidth}
	fd := int(os.Stdout.Fd())
	if term.IsTerminal(fd) {
		m.styled = true
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			m.width = w
		}
	}
	return m
}

// NewWriterMonitor creates an unstyled monitor writing to w.
func NewWriterMonitor(w io.Writer, width int) *CLIMonitor {
	if width <= 0 {
		width = defaultWidth
	}
	return &CLIMonitor{writer: w, width: width}
}

// Start starts the CLI monitor
func (m *CLIMonitor) Start() error {
	rule := strings.Repeat("-", min(m.width, 64))
	fmt.Fprintln(m.writer, rule)
	fmt.Fprintln(m.writer, "CLI Monitor Active - All channel messages will appear here")
	fmt.Fprintln(m.writer, rule)
	return nil
}

// Stop stops the CLI monitor
func (m *CLIMonitor) Stop() error {
	return nil
}

// OnMessage prints one event.
func (m *CLIMonitor) OnMessage(msg MonitorMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintln(m.writer, m.format(msg))
}

func (m *CLIMonitor) format(msg MonitorMessage) string {
	timestamp := "[" + msg.Timestamp.Format("2006-01-02 15:04:05") + "]"

	var label string
	var style lipgloss.Style
	switch msg.MessageType {
	case TypeAssistant:
		label, style = "[AI]", assistantStyle
	case TypeCancelled:
		label, style = "[STOPPED]", warnStyle
	case TypeError:
		label, style = "[ERROR]", errorStyle
	default:
		label, style = fmt.Sprintf("[%s/%s]", msg.ChannelID, msg.Username), userStyle
	}

	content := strings.Join(strings.Fields(msg.Content), " ")
	if msg.Citations > 0 {
		content += fmt.Sprintf(" (%d sources)", msg.Citations)
	}

	room := m.width - runewidth.StringWidth(timestamp) - runewidth.StringWidth(label) - 2
	if room < 10 {
		room = 10
	}
	content = runewidth.Truncate(content, room, "…")

	if m.styled {
		timestamp = timeStyle.Render(timestamp)
		label = style.Render(label)
	}
	return timestamp + " " + label + " " + content
}
