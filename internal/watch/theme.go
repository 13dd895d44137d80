package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes the watch TUI's styling in one place.
type Theme struct {
	StatusUnassigned lipgloss.Style
	StatusInFlight   lipgloss.Style
	StatusFinished   lipgloss.Style
	StatusFailed     lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusUnassigned: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		StatusInFlight:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFinished:   lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

func statusStyle(theme Theme, s string) lipgloss.Style {
	switch s {
	case "finished":
		return theme.StatusFinished
	case "failed":
		return theme.StatusFailed
	case "unassigned":
		return theme.StatusUnassigned
	default:
		return theme.StatusInFlight
	}
}
