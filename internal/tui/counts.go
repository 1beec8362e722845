// Package tui renders the live checkpoint count view used by `fspec checkpoint-counts --watch`.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sengac/fspec-sub012/internal/checkpoint"
	"github.com/sengac/fspec-sub012/internal/domain"
)

// WatchFunc streams counts until ctx is done. checkpoint.Manager.Watch satisfies it.
type WatchFunc func(ctx context.Context, emit func(domain.CheckpointCounts)) error

type countsMsg struct {
	counts domain.CheckpointCounts
	at     time.Time
}

type watchErrMsg struct{ err error }

// CountsModel shows the current manual/auto totals and when they last changed.
type CountsModel struct {
	title    string
	counts   domain.CheckpointCounts
	updated  time.Time
	received bool
	err      error
	width    int
	spinner  spinner.Model
}

func NewCountsModel(title string) CountsModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF"))
	return CountsModel{title: title, spinner: sp}
}

// Init starts the spinner shown until the first count arrives.
func (m CountsModel) Init() tea.Cmd { return m.spinner.Tick }

func (m CountsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case countsMsg:
		m.counts = msg.counts
		m.updated = msg.at
		m.received = true
	case watchErrMsg:
		m.err = msg.err
		return m, tea.Quit
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case spinner.TickMsg:
		if m.received {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m CountsModel) View() string {
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(m.title)
	line := m.spinner.View() + " waiting for checkpoint index..."
	if m.received {
		line = lipgloss.NewStyle().Bold(true).Render(checkpoint.FormatCounts(m.counts))
	}
	sub := ""
	if !m.updated.IsZero() {
		sub = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			Render("updated " + m.updated.Format("15:04:05"))
	}
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(30, min(m.width-2, 60))).
		Render(strings.TrimRight(fmt.Sprintf("%s\n%s\n%s", head, line, sub), "\n"))
	footer := lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render("q to quit")
	if m.err != nil {
		footer = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Render("watch stopped: " + m.err.Error())
	}
	return box + "\n" + footer + "\n"
}

// Counts returns the most recent totals shown.
func (m CountsModel) Counts() domain.CheckpointCounts { return m.counts }

// RunCounts drives the view from watch until the user quits or ctx ends.
func RunCounts(ctx context.Context, title string, watch WatchFunc, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithOutput(out)}
	if in != nil {
		opts = append(opts, tea.WithInput(in))
	}
	p := tea.NewProgram(NewCountsModel(title), opts...)
	go func() {
		err := watch(ctx, func(c domain.CheckpointCounts) {
			p.Send(countsMsg{counts: c, at: time.Now()})
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			p.Send(watchErrMsg{err: err})
		}
	}()
	final, err := p.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	if m, ok := final.(CountsModel); ok && m.err != nil {
		return m.err
	}
	return nil
}

// RunPlain prints one line per change, for non-interactive output.
func RunPlain(ctx context.Context, watch WatchFunc, out io.Writer) error {
	err := watch(ctx, func(c domain.CheckpointCounts) {
		fmt.Fprintln(out, checkpoint.FormatCounts(c))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
