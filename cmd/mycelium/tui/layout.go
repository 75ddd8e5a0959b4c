package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Pulse colors cycle through green brightness levels.
var pulseColors = []lipgloss.Color{
	"#73F59F",
	"#5FE08B",
	"#4BCC77",
	"#3FB86A",
	"#4BCC77",
	"#5FE08B",
}

// Layout frames a view with a header and a footer.
type Layout struct {
	AppName string
	Node    string
	Live    bool
	Width   int
	Height  int
	Frame   int // advanced on each spinner tick
}

// BodySize returns the available (width, height) for content, reserving
// five lines and four columns for the frame.
func (l Layout) BodySize() (int, int) {
	return max(l.Width-4, 10), max(l.Height-6, 3)
}

// Render composes header, body and footer.
func (l Layout) Render(body, helpText string) string {
	contentWidth, bodyHeight := l.BodySize()

	var frame strings.Builder
	frame.WriteString("\n")

	left := TitleStyle.Render("mycelium") +
		SubtitleStyle.Render(" · ") +
		SubtitleStyle.Render(l.AppName)

	var right string
	if l.Node != "" {
		dot := SubtitleStyle.Render("●")
		if l.Live {
			c := pulseColors[l.Frame%len(pulseColors)]
			dot = lipgloss.NewStyle().Foreground(c).Bold(true).Render("●")
		}
		right = SubtitleStyle.Render(l.Node) + " " + dot
	}

	gap := max(contentWidth-lipgloss.Width(left)-lipgloss.Width(right)-1, 1)
	frame.WriteString("  " + left + strings.Repeat(" ", gap) + right + " ")
	frame.WriteString("\n\n")

	lines := strings.Split(body, "\n")
	for _, line := range lines {
		frame.WriteString("  " + line + "\n")
	}
	frame.WriteString(strings.Repeat("\n", max(bodyHeight-len(lines), 0)))

	frame.WriteString(HelpStyle.Render("  " + helpText))
	frame.WriteString("\n")
	return frame.String()
}
