package phasedapp

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	logTail      = 5
	minViewWidth = 40
	rowBarWidth  = 16
)

var titleCase = cases.Title(language.English)

func (m *model) View() string {
	width := m.viewportWidth()
	sections := []string{
		m.renderHeader(),
		m.renderPhaseTable(width),
		m.renderDetails(width),
	}
	if m.actionsVisible {
		if actions := m.renderActions(width); actions != "" {
			sections = append(sections, actions)
		}
	}
	sections = append(sections, m.renderPrompt(width), statusBarStyle.Render(m.statusMsg))
	if m.helpVisible {
		sections = append(sections, helpStyle.Render(helpText))
	} else {
		sections = append(sections, footerStyle.Render(footerText))
	}

	view := lipgloss.JoinVertical(lipgloss.Left, sections...)
	if m.width <= 0 {
		return view
	}
	height := lipgloss.Height(view)
	if m.height > height {
		height = m.height
	}
	return lipgloss.Place(m.width, height, lipgloss.Left, lipgloss.Top, view)
}

func (m *model) renderHeader() string {
	done := completedCount(m.phases)
	total := len(m.order)
	line := fmt.Sprintf("%d of %d phases done", done, total)
	if m.result != nil {
		if m.result.Success {
			line = "Server installed"
		} else {
			line = fmt.Sprintf("Stopped after %d of %d phases", done, total)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Center,
		titleStyle.Render("Game Server Installer"), "  ",
		m.bar.ViewAs(overallFraction(m.phases, total)), "  ",
		mutedStyle.Render(line),
	)
}

// overallFraction weighs every phase equally.
func overallFraction(states map[string]*phaseState, total int) float64 {
	if total == 0 {
		return 0
	}
	sum := 0
	for _, st := range states {
		sum += st.percent
	}
	return float64(sum) / float64(total*100)
}

func completedCount(states map[string]*phaseState) int {
	n := 0
	for _, st := range states {
		if st.status == statusSuccess {
			n++
		}
	}
	return n
}

func (m *model) renderPhaseTable(width int) string {
	titleWidth := 0
	for _, id := range m.order {
		if st := m.phases[id]; st != nil && lipgloss.Width(st.meta.Title) > titleWidth {
			titleWidth = lipgloss.Width(st.meta.Title)
		}
	}

	rows := make([]string, 0, len(m.order))
	for idx, id := range m.order {
		st := m.phases[id]
		if st == nil {
			continue
		}
		marker := "  "
		if idx == m.selected {
			marker = "> "
		}
		title := fmt.Sprintf("%-*s", titleWidth, st.meta.Title)
		row := fmt.Sprintf("%s%s %s %s %3d%%", marker, m.statusIcon(st.status), title, miniBar(st.percent, rowBarWidth), st.percent)
		style := statusStyles[st.status]
		if idx == m.selected && m.focus == focusPhases {
			style = style.Copy().Bold(true)
		}
		rows = append(rows, style.Render(row))
	}

	border := panelBorder
	if m.focus == focusPhases {
		border = focusBorder
	}
	return panel(width, border).Render(strings.Join(rows, "\n"))
}

func (m *model) statusIcon(s phaseStatus) string {
	switch s {
	case statusRunning:
		return m.spinner.View()
	case statusSuccess:
		return "✔"
	case statusFailed:
		return "✖"
	case statusCancelled:
		return "■"
	default:
		return "·"
	}
}

// miniBar draws a fixed-width bar so rows line up without a progress model per phase.
func miniBar(percent, width int) string {
	filled := percent * width / 100
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("=", filled) + strings.Repeat(" ", width-filled) + "]"
}

func (m *model) renderDetails(width int) string {
	st := m.selectedState()
	if st == nil {
		return panel(width, panelBorder).Render(mutedStyle.Render("No phases registered"))
	}

	status := statusDisplay(st.status)
	if st.step != "" && st.status == statusRunning {
		status += " (" + string(st.step) + ")"
	}
	lines := []string{
		headingStyle.Render(st.meta.Title),
		mutedStyle.Render(st.meta.Description),
		fmt.Sprintf("Status: %s", status),
	}
	if st.message != "" {
		lines = append(lines, m.redact.apply(st.message))
	}
	if st.err != nil {
		lines = append(lines, errorStyle.Render("Error: "+m.redact.apply(st.err.Error())))
	}
	if n := len(st.logs); n > 0 {
		lines = append(lines, "", headingStyle.Render("Recent events"))
		for _, entry := range st.logs[max(0, n-logTail):] {
			lines = append(lines, mutedStyle.Render("  "+entry))
		}
	}
	return panel(width, panelBorder).Render(strings.Join(lines, "\n"))
}

func (m *model) renderPrompt(width int) string {
	if !m.prompting || m.request == nil {
		hint := "No input requested"
		if m.running {
			hint = "Installation running…"
		}
		return mutedStyle.Render(hint)
	}

	req := m.request
	var b strings.Builder
	fmt.Fprintf(&b, "%s needs %s\n", req.meta.Title, req.input.Label)
	if req.input.Description != "" {
		b.WriteString(mutedStyle.Render(req.input.Description) + "\n")
	}
	if req.reason != "" {
		b.WriteString(errorStyle.Render(req.reason) + "\n")
	}
	b.WriteString("> " + m.prompt.View())

	border := panelBorder
	if m.focus == focusPrompt {
		border = focusBorder
	}
	return panel(width, border).Render(b.String())
}

func (m *model) renderActions(width int) string {
	st := m.selectedState()
	if st == nil {
		return ""
	}
	lines := []string{
		headingStyle.Render("Actions for " + st.meta.Title),
		actionLine("1", "Close", true),
		actionLine("2", "Retry from this phase", !m.running),
		actionLine("3", "Copy error message", st.err != nil),
	}
	return panel(width, actionBorder).Render(strings.Join(lines, "\n"))
}

func actionLine(key, label string, enabled bool) string {
	if !enabled {
		return disabledStyle.Render(fmt.Sprintf("[%s] %s (unavailable)", key, label))
	}
	return fmt.Sprintf("[%s] %s", key, label)
}

func statusLabel(s phaseStatus) string {
	switch s {
	case statusPending:
		return "pending"
	case statusRunning:
		return "running"
	case statusSuccess:
		return "success"
	case statusFailed:
		return "failed"
	case statusCancelled:
		return "cancelled"
	}
	return "unknown"
}

func statusDisplay(s phaseStatus) string {
	return titleCase.String(s.String())
}

func (m *model) viewportWidth() int {
	switch {
	case m.width <= 0:
		return 100
	case m.width < minViewWidth:
		return minViewWidth
	}
	return m.width
}

// panel is a bordered box sized to the full outer width.
func panel(width int, border lipgloss.Color) lipgloss.Style {
	style := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1)
	frame, _ := style.GetFrameSize()
	if inner := width - frame; inner > 0 {
		style = style.Width(inner)
	}
	return style
}

const (
	footerText = "↑/↓ j/k select • Enter actions • Tab focus • r restart • x cancel • ? help • Ctrl+C quit"
	helpText   = `Keys
  ↑/↓, j/k     select a phase
  Enter        submit input, or open actions for the selected phase
  Tab          switch focus between phases and the prompt
  r, Ctrl+R    restart the installation
  x            cancel the running installation
  Esc          dismiss the prompt, help or actions
  ?, h         toggle this help
  q            quit when nothing is running
  Ctrl+C       cancel and quit`
)

var (
	panelBorder  = lipgloss.Color("#4B5563")
	focusBorder  = lipgloss.Color("#38BDF8")
	actionBorder = lipgloss.Color("#F59E0B")

	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#38BDF8"))
	headingStyle   = lipgloss.NewStyle().Bold(true)
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
	disabledStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#4B5563"))
	statusBarStyle = lipgloss.NewStyle().Padding(0, 1).Background(lipgloss.Color("#1F2937")).Foreground(lipgloss.Color("#F9FAFB"))
	footerStyle    = mutedStyle.Copy().Padding(0, 1)
	helpStyle      = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(focusBorder).Padding(0, 1)

	statusStyles = map[phaseStatus]lipgloss.Style{
		statusPending:   mutedStyle,
		statusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		statusSuccess:   lipgloss.NewStyle().Foreground(lipgloss.Color("#22C55E")),
		statusFailed:    errorStyle,
		statusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("#A78BFA")),
	}
)
