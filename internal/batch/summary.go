package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	waitStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
	summaryStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
)

func outcomeStyle(o ItemOutcome) lipgloss.Style {
	switch o {
	case OutcomeRan, OutcomeNotified:
		return okStyle
	case OutcomeWaiting:
		return waitStyle
	case OutcomeFailed:
		return failStyle
	}
	return dimStyle
}

// Render formats a run summary for the terminal.
func (s *Summary) Render() string {
	var sb strings.Builder

	title := "Batch run"
	if s.DryRun {
		title += " (dry run)"
	}
	sb.WriteString(headerStyle.Render(title))
	sb.WriteString("\n")

	if len(s.Results) == 0 {
		sb.WriteString(dimStyle.Render("no items needed attention"))
		return summaryStyle.Render(sb.String())
	}

	for _, r := range s.Results {
		line := fmt.Sprintf("%-10s %-20s %s", r.ItemID, r.Stage, r.Outcome)
		sb.WriteString(outcomeStyle(r.Outcome).Render(line))
		if r.Detail != "" {
			sb.WriteString(dimStyle.Render("  " + r.Detail))
		}
		if r.Err != nil {
			sb.WriteString("\n")
			sb.WriteString(failStyle.Render("           " + r.Err.Error()))
		}
		sb.WriteString("\n")
	}

	counts := s.Counts()
	sb.WriteString(dimStyle.Render(fmt.Sprintf(
		"%d ran, %d notified, %d waiting, %d skipped, %d failed in %s",
		counts[OutcomeRan], counts[OutcomeNotified], counts[OutcomeWaiting],
		counts[OutcomeSkipped], counts[OutcomeFailed],
		s.Finished.Sub(s.Started).Round(10*time.Millisecond),
	)))
	return summaryStyle.Render(sb.String())
}
