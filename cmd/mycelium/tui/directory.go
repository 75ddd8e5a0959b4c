// Package tui is the live directory view of the mycelium CLI.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gezibash/mycelium/internal/cli"
	"github.com/gezibash/mycelium/pkg/functionality"
)

// DefaultRefresh is how often the directory is re-read.
const DefaultRefresh = time.Second

// Source is the part of a directory the view reads.
type Source interface {
	Query(ctx context.Context, expr string) ([]functionality.Manifest, error)
	Providers(ctx context.Context) ([]functionality.Manifest, error)
	Consumers(ctx context.Context) ([]functionality.Advertisement, error)
}

type snapshotMsg struct {
	providers []functionality.Manifest
	consumers []functionality.Advertisement
	err       error
	at        time.Time
}

type refreshTickMsg struct{}

// Directory is a bubbletea model listing providers, and optionally
// consumers, refreshed on a timer.
type Directory struct {
	ctx      context.Context
	src      Source
	expr     string
	refresh  time.Duration
	spinner  spinner.Model
	layout   *Layout
	loaded   bool
	showCons bool

	providers []functionality.Manifest
	consumers []functionality.Advertisement
	err       error
	updated   time.Time
}

// NewDirectory creates the view. expr filters providers when non-empty.
func NewDirectory(ctx context.Context, src Source, nodeName, expr string, refresh time.Duration) Directory {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(AccentColor)

	return Directory{
		ctx:     ctx,
		src:     src,
		expr:    expr,
		refresh: refresh,
		spinner: s,
		layout:  &Layout{AppName: "directory", Node: nodeName},
	}
}

// Init starts the spinner and the first read.
func (d Directory) Init() tea.Cmd {
	return tea.Batch(d.spinner.Tick, d.load())
}

func (d Directory) load() tea.Cmd {
	ctx, src, expr := d.ctx, d.src, d.expr
	return func() tea.Msg {
		msg := snapshotMsg{at: time.Now()}
		if expr != "" {
			msg.providers, msg.err = src.Query(ctx, expr)
		} else {
			msg.providers, msg.err = src.Providers(ctx)
		}
		if msg.err != nil {
			return msg
		}
		msg.consumers, msg.err = src.Consumers(ctx)
		return msg
	}
}

func (d Directory) scheduleRefresh() tea.Cmd {
	return tea.Tick(d.refresh, func(time.Time) tea.Msg { return refreshTickMsg{} })
}

// Update handles keys, window size, spinner ticks and snapshots.
func (d Directory) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return d, tea.Quit
		case "c":
			d.showCons = !d.showCons
			return d, nil
		case "r":
			return d, d.load()
		}
	case tea.WindowSizeMsg:
		d.layout.Width = msg.Width
		d.layout.Height = msg.Height
	case spinner.TickMsg:
		d.layout.Frame++
		var cmd tea.Cmd
		d.spinner, cmd = d.spinner.Update(msg)
		return d, cmd
	case snapshotMsg:
		d.loaded = true
		d.err = msg.err
		d.updated = msg.at
		d.layout.Live = msg.err == nil
		if msg.err == nil {
			d.providers = msg.providers
			d.consumers = msg.consumers
		}
		return d, d.scheduleRefresh()
	case refreshTickMsg:
		return d, d.load()
	}
	return d, nil
}

// View renders the frame.
func (d Directory) View() string {
	return d.layout.Render(d.body(), "q: quit · c: toggle consumers · r: refresh")
}

func (d Directory) body() string {
	if !d.loaded {
		return d.spinner.View() + " reading directory…"
	}

	width, _ := d.layout.BodySize()
	col := max(width/5, 8)

	var b strings.Builder
	if d.err != nil {
		b.WriteString(ErrorStyle.Render("Error: "+d.err.Error()) + "\n\n")
	}

	title := fmt.Sprintf("%d providers", len(d.providers))
	if d.expr != "" {
		title += SubtitleStyle.Render("  where " + cli.Truncate(d.expr, width-len(title)-8))
	}
	b.WriteString(TitleStyle.Render(title) + "\n")
	for _, m := range d.providers {
		b.WriteString("  " + ProviderStyle.Render(cli.Truncate(m.ProviderName, width-2)) + "\n")
		for _, f := range m.Functionalities {
			b.WriteString(fmt.Sprintf("    %-*s %s %s\n",
				col, cli.Truncate(f.Name, col),
				KindStyle.Render(fmt.Sprintf("%-16s", f.Kind)),
				SubtitleStyle.Render(cli.Truncate(signature(f), width-col-22))))
		}
	}

	if d.showCons {
		b.WriteString("\n" + TitleStyle.Render(fmt.Sprintf("%d consumer advertisements", len(d.consumers))) + "\n")
		for _, a := range d.consumers {
			b.WriteString(fmt.Sprintf("    %-*s %s\n",
				col, cli.Truncate(a.RequestedFunctionality.Name, col),
				SubtitleStyle.Render(cli.Truncate(a.ConsumerID, width-col-6))))
		}
	}

	if !d.updated.IsZero() {
		b.WriteString("\n" + SubtitleStyle.Render("updated "+d.updated.Format(time.TimeOnly)))
	}
	return b.String()
}

func signature(f functionality.Descriptor) string {
	if f.Kind == functionality.Continuous {
		return "stream " + f.OutputType
	}
	return f.InputType + " -> " + f.OutputType
}

// Run starts a full-screen program for d.
func Run(d Directory) error {
	_, err := tea.NewProgram(d, tea.WithAltScreen(), tea.WithContext(d.ctx)).Run()
	return err
}
