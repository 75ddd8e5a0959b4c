package tui

import "github.com/charmbracelet/lipgloss"

// Shared colors.
var (
	AccentColor = lipgloss.AdaptiveColor{Light: "#2E8B57", Dark: "#73F59F"}
	DimColor    = lipgloss.AdaptiveColor{Light: "#A49FA5", Dark: "#777777"}
	WarnColor   = lipgloss.AdaptiveColor{Light: "#F25D94", Dark: "#F25D94"}
	KindColor   = lipgloss.AdaptiveColor{Light: "#D4A017", Dark: "#FFD866"}
)

// Shared styles.
var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(AccentColor).
			Bold(true)

	SubtitleStyle = lipgloss.NewStyle().
			Foreground(DimColor)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(WarnColor).
			Bold(true)

	HelpStyle = lipgloss.NewStyle().
			Foreground(DimColor)

	ProviderStyle = lipgloss.NewStyle().
			Foreground(AccentColor).
			Bold(true)

	KindStyle = lipgloss.NewStyle().
			Foreground(KindColor)
)
