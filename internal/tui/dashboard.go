// Package tui renders the live coordination dashboard for
// `claimtree status --watch`: one table of workspaces and a summary of
// claims, refreshed on a timer.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/claimtree/claimtree/internal/store"
	"github.com/claimtree/claimtree/internal/worktree"
)

// refreshInterval is how often the watch view re-reads the store.
const refreshInterval = 2 * time.Second

// Snapshot is one consistent read of the coordination state.
type Snapshot struct {
	Workspaces []worktree.WorkspaceStatus
	Claims     []store.Claim
	Units      map[store.Status]int
	TakenAt    time.Time
}

// Source produces snapshots for the dashboard.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	footerStyle = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	tableStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
)

// tickMsg drives the periodic refresh.
type tickMsg time.Time

// snapshotMsg carries a fresh read of the store.
type snapshotMsg struct {
	snapshot Snapshot
	err      error
}

// Model is the bubbletea model for the watch dashboard.
type Model struct {
	source Source
	table  table.Model
	last   Snapshot
	err    error
}

// NewModel builds the dashboard over a snapshot source.
func NewModel(source Source) Model {
	columns := []table.Column{
		{Title: "KEY", Width: 16},
		{Title: "BRANCH", Width: 24},
		{Title: "PENDING", Width: 8},
		{Title: "DIRTY", Width: 6},
		{Title: "LOCK", Width: 14},
		{Title: "HEALTH", Width: 12},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	return Model{source: source, table: t}
}

// Init starts the refresh loop with an immediate snapshot.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		snapshot, err := m.source.Snapshot(context.Background())
		return snapshotMsg{snapshot: snapshot, err: err}
	}
}

// Update handles refresh ticks, snapshot arrivals, and key presses.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.refresh(), tick())
	case snapshotMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.last = msg.snapshot
		m.table.SetRows(workspaceRows(msg.snapshot.Workspaces))
		return m, nil
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("claimtree workspaces"))
	b.WriteString("\n")
	b.WriteString(tableStyle.Render(m.table.View()))
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(errorStyle.Render("refresh failed: " + m.err.Error()))
		b.WriteString("\n")
	}
	b.WriteString(footerStyle.Render(summaryLine(m.last) + "  •  q to quit"))
	b.WriteString("\n")
	return b.String()
}

// Run starts the watch dashboard and blocks until the user quits.
func Run(source Source) error {
	_, err := tea.NewProgram(NewModel(source), tea.WithAltScreen()).Run()
	return err
}

// Render produces the one-shot (non-watch) status text.
func Render(s Snapshot) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("claimtree workspaces"))
	b.WriteString("\n")
	for _, row := range workspaceRows(s.Workspaces) {
		b.WriteString(strings.Join(row, "  "))
		b.WriteString("\n")
	}
	if len(s.Workspaces) == 0 {
		b.WriteString("no workspaces\n")
	}
	b.WriteString(footerStyle.Render(summaryLine(s)))
	b.WriteString("\n")
	return b.String()
}

func workspaceRows(workspaces []worktree.WorkspaceStatus) []table.Row {
	rows := make([]table.Row, 0, len(workspaces))
	for _, w := range workspaces {
		dirty := ""
		if w.Dirty {
			dirty = "yes"
		}
		rows = append(rows, table.Row{
			w.SubdirKey,
			w.Branch,
			strconv.Itoa(w.PendingCommits),
			dirty,
			w.LockHolder,
			string(w.Health),
		})
	}
	return rows
}

func summaryLine(s Snapshot) string {
	parts := []string{
		fmt.Sprintf("%d workspaces", len(s.Workspaces)),
		fmt.Sprintf("%d claims", len(s.Claims)),
	}
	states := make([]string, 0, len(s.Units))
	for status, n := range s.Units {
		if n > 0 {
			states = append(states, fmt.Sprintf("%d %s", n, status))
		}
	}
	sort.Strings(states)
	parts = append(parts, states...)
	return strings.Join(parts, "  ")
}
