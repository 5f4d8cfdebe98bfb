package status

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/cloudpilot-emu/netbridge/internal/tui/theme"
)

// Model holds the status bar state.
type Model struct {
	Address   string
	Connected bool
	Session   string
	Calls     int
	BytesOut  int
	BytesIn   int
	Width     int
}

func New(address string) Model {
	return Model{Address: address}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var conn string
	if m.Connected {
		conn = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	} else {
		conn = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Disconnected")
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := conn + sep + m.Address
	if m.Session != "" {
		content += sep + "session " + shortID(m.Session)
	}
	content += sep + fmt.Sprintf("%d calls  %d B out  %d B in", m.Calls, m.BytesOut, m.BytesIn)

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
