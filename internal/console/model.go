// ABOUTME: Bubble Tea model for the terminal console surface
// ABOUTME: Renders the supervised process table above the most recent console and log lines

package console

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/mauromedda/hostbridge/internal/fanout"
	"github.com/mauromedda/hostbridge/internal/supervisor"
)

// maxLines bounds the console scrollback.
const maxLines = 500

// refreshInterval is how often the process table is re-read.
const refreshInterval = time.Second

// ProcessLister snapshots the supervised children.
type ProcessLister interface {
	Entries() []*supervisor.Entry
}

// DeliveryMsg carries one fanout delivery into the program.
type DeliveryMsg fanout.Delivery

// LogMsg carries one host log line into the program.
type LogMsg string

type tickMsg time.Time

// Model is the console's tea.Model.
type Model struct {
	procs     ProcessLister
	processes []supervisor.Info
	lines     []string
	width     int
	height    int
	title     string
}

// NewModel creates a console model listing procs.
func NewModel(procs ProcessLister, title string) Model {
	return Model{procs: procs, title: title}
}

// Init starts the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tick())
}

// Update handles keys, window size, deliveries, log lines and refreshes.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			m.lines = nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case DeliveryMsg:
		if line := describe(fanout.Delivery(msg)); line != "" {
			m.append(line)
		}
		if msg.Kind == fanout.KindLiveness {
			return m, m.refresh()
		}

	case LogMsg:
		m.append(string(msg))

	case processesMsg:
		m.processes = msg

	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())
	}
	return m, nil
}

// View renders the process table and the tail of the console.
func (m Model) View() string {
	s := styles()
	var b strings.Builder

	b.WriteString(s.title.Render(m.title))
	b.WriteString(s.muted.Render(fmt.Sprintf("  %d processes  q quit  c clear", len(m.processes))))
	b.WriteString("\n\n")

	b.WriteString(s.header.Render(fmt.Sprintf("%-8s %-14s %-13s %-9s %s", "PID", "NAME", "KIND", "STATUS", "UPTIME")))
	b.WriteByte('\n')
	for _, p := range m.processes {
		row := fmt.Sprintf("%-8d %-14s %-13s %-9s %s",
			p.PID, m.fit(p.Name, 14), p.Kind, p.Status, time.Since(p.StartedAt).Truncate(time.Second))
		style := s.row
		if p.Status != supervisor.StatusRunning {
			style = s.warn
		}
		b.WriteString(style.Render(row))
		b.WriteByte('\n')
	}
	if len(m.processes) == 0 {
		b.WriteString(s.muted.Render("no supervised processes"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	for _, line := range m.tail() {
		b.WriteString(m.fit(line, m.width))
		b.WriteByte('\n')
	}
	return b.String()
}

func (m *Model) append(line string) {
	m.lines = append(m.lines, line)
	if over := len(m.lines) - maxLines; over > 0 {
		m.lines = append(m.lines[:0:0], m.lines[over:]...)
	}
}

// tail returns the lines that fit below the process table.
func (m Model) tail() []string {
	if m.height <= 0 {
		return m.lines
	}
	avail := m.height - len(m.processes) - 6
	if avail <= 0 {
		return nil
	}
	if len(m.lines) > avail {
		return m.lines[len(m.lines)-avail:]
	}
	return m.lines
}

// fit truncates s to width terminal cells.
func (m Model) fit(s string, width int) string {
	if width <= 0 {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

type processesMsg []supervisor.Info

func (m Model) refresh() tea.Cmd {
	procs := m.procs
	return func() tea.Msg {
		entries := procs.Entries()
		infos := make([]supervisor.Info, 0, len(entries))
		for _, e := range entries {
			infos = append(infos, e.Info())
		}
		return processesMsg(infos)
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// describe renders a delivery as one console line. Events the console
// does not show yield "".
func describe(d fanout.Delivery) string {
	ev := d.Event
	switch d.Kind {
	case fanout.KindConsole:
		var line struct {
			Stream string `json:"stream"`
			Line   string `json:"line"`
		}
		if err := json.Unmarshal(ev.Value, &line); err != nil {
			return ""
		}
		if line.Stream == string(supervisor.Stderr) {
			return styles().stderr.Render(line.Line)
		}
		return line.Line
	case fanout.KindReady:
		return styles().ok.Render("● ready")
	case fanout.KindLiveness, fanout.KindFiles:
		return styles().muted.Render(fmt.Sprintf("%s %s", ev.Event, compact(ev.Value)))
	default:
		return ""
	}
}

func compact(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if runewidth.StringWidth(s) > 120 {
		s = runewidth.Truncate(s, 120, "…")
	}
	return s
}

type palette struct {
	title  lipgloss.Style
	header lipgloss.Style
	row    lipgloss.Style
	muted  lipgloss.Style
	warn   lipgloss.Style
	ok     lipgloss.Style
	stderr lipgloss.Style
}

func styles() palette {
	return palette{
		title:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		header: lipgloss.NewStyle().Bold(true).Underline(true),
		row:    lipgloss.NewStyle(),
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		stderr: lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
}
