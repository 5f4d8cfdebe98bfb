// Package theme holds the Lip Gloss palette and shared styles of the
// terminal front end. It imports nothing internal.
package theme

import "github.com/charmbracelet/lipgloss"

// Event colors.
var (
	ColorInfo    = lipgloss.Color("#2563eb")
	ColorRelay   = lipgloss.Color("#7c3aed")
	ColorSuccess = lipgloss.Color("#16a34a")
	ColorError   = lipgloss.Color("#dc2626")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)

	StyleError = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorDanger)
)

// KindColor returns the color of an event log kind.
func KindColor(kind string) lipgloss.Color {
	switch kind {
	case "info":
		return ColorInfo
	case "rpc":
		return ColorRelay
	case "ok":
		return ColorSuccess
	case "err":
		return ColorError
	default:
		return ColorDimmed
	}
}
