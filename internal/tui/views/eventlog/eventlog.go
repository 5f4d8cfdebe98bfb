// Package eventlog is the scrollable notification and relay log panel.
package eventlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/cloudpilot-emu/netbridge/internal/tui/theme"
)

const maxEntries = 500

// Entry is one log line.
type Entry struct {
	Time    time.Time
	Kind    string // "info", "err", "rpc", "ok"
	Message string
}

type Model struct {
	Entries []Entry
	Offset  int // scroll offset from the bottom
	now     func() time.Time
}

func New() Model {
	return Model{now: time.Now}
}

// Add appends an entry, drops the oldest beyond the cap and scrolls to the
// bottom.
func (m *Model) Add(kind, message string) {
	now := time.Now
	if m.now != nil {
		now = m.now
	}
	m.Entries = append(m.Entries, Entry{Time: now(), Kind: kind, Message: message})
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	m.Offset = 0
}

// Last returns the newest entry of the given kind.
func (m Model) Last(kind string) (Entry, bool) {
	for i := len(m.Entries) - 1; i >= 0; i-- {
		if m.Entries[i].Kind == kind {
			return m.Entries[i], true
		}
	}
	return Entry{}, false
}

func (m *Model) ScrollUp(n int) {
	m.Offset += n
	max := len(m.Entries) - 1
	if max < 0 {
		max = 0
	}
	if m.Offset > max {
		m.Offset = max
	}
}

func (m *Model) ScrollDown(n int) {
	m.Offset -= n
	if m.Offset < 0 {
		m.Offset = 0
	}
}

// View renders the newest entries that fit in height lines.
func (m Model) View(width, height int) string {
	innerW := width - 4
	if innerW < 20 {
		innerW = 20
	}
	visible := height - 4
	if visible < 3 {
		visible = 3
	}

	title := theme.StyleHeader.Render(" EVENTS ")
	if len(m.Entries) == 0 {
		body := theme.StyleDimmed.Render("  Nothing yet. Press c to connect.")
		return theme.StyleBorder.Width(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
	}

	end := len(m.Entries) - m.Offset
	if end < 0 {
		end = 0
	}
	start := end - visible
	if start < 0 {
		start = 0
	}

	lines := make([]string, 0, end-start)
	for _, e := range m.Entries[start:end] {
		ts := theme.StyleDimmed.Render(e.Time.Format("15:04:05.000"))
		kind := lipgloss.NewStyle().Foreground(theme.KindColor(e.Kind)).Width(4).Render(e.Kind)
		msg := e.Message
		if len(msg) > innerW-20 && innerW > 23 {
			msg = msg[:innerW-23] + "..."
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", ts, kind, msg))
	}

	parts := []string{title, strings.Join(lines, "\n")}
	if m.Offset > 0 {
		parts = append(parts, theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d more", m.Offset)))
	}
	return theme.StyleBorder.Width(innerW).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
