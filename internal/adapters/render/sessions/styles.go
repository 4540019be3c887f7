package sessions

import "github.com/charmbracelet/lipgloss"

type styles struct {
	title     lipgloss.Style
	header    lipgloss.Style
	marker    lipgloss.Style
	id        lipgloss.Style
	label     lipgloss.Style
	detail    lipgloss.Style
	meta      lipgloss.Style
	empty     lipgloss.Style
	section   lipgloss.Style
	active    lipgloss.Style
	connected lipgloss.Style
	stale     lipgloss.Style
	unknown   lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:     lipgloss.NewStyle().Bold(true),
		header:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		marker:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("159")),
		id:        lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		label:     lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		detail:    lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		meta:      lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		empty:     lipgloss.NewStyle().Faint(true),
		section:   lipgloss.NewStyle().MarginTop(1),
		active:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		connected: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		stale:     lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		unknown:   lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
	}
}

func (s styles) status(status string) lipgloss.Style {
	switch status {
	case "active":
		return s.active
	case "connected":
		return s.connected
	case "stale":
		return s.stale
	default:
		return s.unknown
	}
}
