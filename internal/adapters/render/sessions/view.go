package sessions

import (
	"errors"
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/landonking-gif/lecoder-cgpu/internal/application"
)

var ErrUnexpectedRenderModel = errors.New("unexpected final bubbletea model type")

type RenderOptions struct {
	Now time.Time
}

type renderReadyMsg struct{}

type model struct {
	view   func(styles) string
	styles styles
	output string
}

func newModel(view func(styles) string) model {
	return model{view: view, styles: newStyles()}
}

func (m model) Init() tea.Cmd {
	return func() tea.Msg {
		return renderReadyMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg.(type) {
	case renderReadyMsg:
		m.output = m.view(m.styles)
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m model) View() string {
	return m.output
}

func render(view func(styles) string) (string, error) {
	p := tea.NewProgram(
		newModel(view),
		tea.WithInput(nil),
		tea.WithOutput(io.Discard),
	)

	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}

	rendered, ok := finalModel.(model)
	if !ok {
		return "", ErrUnexpectedRenderModel
	}

	return rendered.View(), nil
}

// RenderList renders the session table shown by `sessions list`.
func RenderList(views []application.SessionView, opts RenderOptions) (string, error) {
	return render(func(s styles) string {
		return renderList(views, opts, s)
	})
}

// RenderDetail renders a single session's full record.
func RenderDetail(view application.SessionView, opts RenderOptions) (string, error) {
	return render(func(s styles) string {
		return renderDetail(view, opts, s)
	})
}

// RenderStats renders aggregate session counts against the tier ceiling.
func RenderStats(stats application.Stats) (string, error) {
	return render(func(s styles) string {
		return renderStats(stats, s)
	})
}

func renderList(views []application.SessionView, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Runtime Sessions"),
		s.header.Render(fmt.Sprintf("sessions: %d", len(views))),
	}

	if len(views) == 0 {
		lines = append(lines, s.empty.Render("No sessions. Run `lecoder-cgpu connect` to start one."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}

	for _, view := range views {
		lines = append(lines, renderRow(view, opts, s))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderRow(view application.SessionView, opts RenderOptions, s styles) string {
	marker := "  "
	if view.IsActive {
		marker = s.marker.Render("* ")
	}

	label := view.Label
	if label == "" {
		label = "(unnamed)"
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		marker,
		s.id.Render(view.ShortID()),
		"  ",
		s.label.Render(fmt.Sprintf("%-20s", label)),
		" ",
		s.detail.Render(variantLabel(string(view.Variant), view.Runtime.Accelerator)),
		"  ",
		s.status(string(view.Status)).Render(string(view.Status)),
		"  ",
		s.meta.Render(formatRelative(view.LastUsedAt, opts.Now)),
	)
}

func renderDetail(view application.SessionView, opts RenderOptions, s styles) string {
	label := view.Label
	if label == "" {
		label = "(unnamed)"
	}

	rows := []struct {
		key   string
		value string
	}{
		{"id", view.ID},
		{"label", label},
		{"variant", variantLabel(string(view.Variant), view.Runtime.Accelerator)},
		{"endpoint", view.Runtime.Endpoint},
		{"kernel", string(view.KernelState)},
		{"created", formatRelative(view.CreatedAt, opts.Now)},
		{"last used", formatRelative(view.LastUsedAt, opts.Now)},
		{"runtime expires", formatExpiry(view.Runtime.ExpiresAt, opts.Now)},
	}

	lines := []string{
		lipgloss.JoinHorizontal(
			lipgloss.Top,
			s.id.Render(view.ShortID()),
			"  ",
			s.status(string(view.Status)).Render(string(view.Status)),
		),
	}
	for _, row := range rows {
		lines = append(lines, lipgloss.JoinHorizontal(
			lipgloss.Top,
			s.meta.Render(fmt.Sprintf("%-16s", row.key)),
			s.detail.Render(row.value),
		))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderStats(stats application.Stats, s styles) string {
	lines := []string{
		s.title.Render("Session Stats"),
		s.header.Render(fmt.Sprintf("slots: %d/%d used", stats.Total, stats.MaxSessions)),
	}

	rows := []struct {
		key   string
		count int
		style lipgloss.Style
	}{
		{"active", stats.Active, s.active},
		{"connected", stats.Connected, s.connected},
		{"stale", stats.Stale, s.stale},
		{"unknown", stats.Unknown, s.unknown},
	}
	for _, row := range rows {
		lines = append(lines, lipgloss.JoinHorizontal(
			lipgloss.Top,
			s.meta.Render(fmt.Sprintf("%-12s", row.key)),
			row.style.Render(fmt.Sprintf("%d", row.count)),
		))
	}

	if stats.Stale > 0 {
		lines = append(lines, s.section.Render(
			s.empty.Render("Run `lecoder-cgpu sessions clean` to remove stale sessions.")))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func variantLabel(variant, accelerator string) string {
	if accelerator == "" {
		return variant
	}
	return variant + "/" + accelerator
}

func formatRelative(value, now time.Time) string {
	if value.IsZero() {
		return "never"
	}

	elapsed := now.Sub(value)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(elapsed.Hours()/24))
	}
}

func formatExpiry(value, now time.Time) string {
	if value.IsZero() {
		return "unknown"
	}
	remaining := value.Sub(now)
	if remaining <= 0 {
		return "expired"
	}
	if remaining < time.Hour {
		return fmt.Sprintf("in %dm", int(remaining.Minutes()))
	}
	return fmt.Sprintf("in %dh%02dm", int(remaining.Hours()), int(remaining.Minutes())%60)
}
