package main

import (
	"github.com/ashureev/contextkit-core/internal/policy"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)
)

func classStyle(c policy.Class) lipgloss.Style {
	switch c {
	case policy.Safe:
		return okStyle
	case policy.Mutating:
		return warnStyle
	default:
		return errStyle
	}
}

func flagStyle(on bool) string {
	if on {
		return okStyle.Render("yes")
	}
	return mutedStyle.Render("no")
}
