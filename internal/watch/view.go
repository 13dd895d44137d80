package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/dispatch/internal/registry"
)

func renderHeader(connected bool, lastPoll time.Time, theme Theme, width int) string {
	innerWidth := width - 4

	statusText := theme.StatusFinished.Render("CONNECTED")
	if !connected {
		statusText = theme.StatusFailed.Render("DISCONNECTED")
	}

	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := " DISPATCH WATCH"

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := innerWidth - titleWidth - clockWidth - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	lastPollStr := "never"
	if !lastPoll.IsZero() {
		lastPollStr = fmt.Sprintf("%s ago", time.Since(lastPoll).Round(time.Second))
	}
	statsLine := fmt.Sprintf(" %s  last poll: %s", statusText, lastPollStr)

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine)
	return theme.Border.Width(innerWidth).Render(content)
}

// renderEventLog renders the transition log as plain content for the
// event viewport (internal/watch/model.go); the viewport owns scrolling
// and Model.View draws the surrounding border.
func renderEventLog(log []registry.Event, theme Theme) string {
	if len(log) == 0 {
		return theme.Dim.Render("  (no events yet)")
	}

	lines := make([]string, 0, len(log))
	for _, ev := range log {
		line := fmt.Sprintf("%s  %-20s %s -> %-12s client=%s",
			ev.At.Format("15:04:05"), truncate(ev.WorkloadName, 20), ev.From.String(), ev.To.String(), truncate(ev.Assignee, 22))
		lines = append(lines, theme.Dim.Render(line))
	}

	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
