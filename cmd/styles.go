package cmd

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ptrus/dep-validator/models"
)

var (
	boldStyle   = lipgloss.NewStyle().Bold(true).Inline(true)
	faintStyle  = lipgloss.NewStyle().Faint(true).Inline(true)
	greenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Inline(true)
	yellowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Inline(true)
	redStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Inline(true)
)

// repoStyle returns the style for a repository status line.
func repoStyle(status models.RepoStatus) lipgloss.Style {
	switch {
	case status.Severity == models.SeverityAccessError:
		return redStyle
	case status.Severity == models.SeverityMissing:
		return yellowStyle
	case strings.HasPrefix(status.Status, models.PrefixInvalid):
		return yellowStyle
	default:
		return greenStyle
	}
}

// packageStyle returns the style for a package status line.
func packageStyle(status models.PackageStatus) lipgloss.Style {
	switch {
	case status.IsValid():
		return greenStyle
	case strings.HasPrefix(status.Status, models.PrefixAccessError):
		return redStyle
	default:
		return yellowStyle
	}
}
