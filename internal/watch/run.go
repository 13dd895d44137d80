package watch

import (
	tea "github.com/charmbracelet/bubbletea"
)

// Run starts the watch TUI against the Admin API at apiURL, blocking until
// the user quits or an unrecoverable Bubble Tea error occurs.
func Run(apiURL, token string) error {
	p := tea.NewProgram(New(apiURL, token), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
