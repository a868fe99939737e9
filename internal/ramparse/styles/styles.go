package styles

import (
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/x/exp/charmtone"
)

// Styles used by the plain-text reports.
var (
	Title   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(charmtone.Malibu.Hex()))
	Index   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	Address = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Squid.Hex()))
	Symbol  = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Guac.Hex()))
	Module  = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Zest.Hex()))
	Failure = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Cheeky.Hex())).Italic(true)
	Muted   = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Charcoal.Hex()))
)

// Render applies s only when color output is on.
func Render(color bool, s lipgloss.Style, text string) string {
	if !color {
		return text
	}
	return s.Render(text)
}
