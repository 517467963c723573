// Package tui is relayctl's live identity-pool view, grounded on
// cshaiku-goshi's internal/tui (bubbletea Model + lipgloss status-bar
// rendering) and its cmd/grokgo use of bubbles/table for tabular output,
// reduced to one auto-refreshing table — there is no chat loop or tool
// dispatch here, just a periodic poll of the relay's read-only admin
// surface.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nero-labs/kiro-relay/internal/relayctl"
)

const refreshInterval = 3 * time.Second

var (
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	footerStyle = lipgloss.NewStyle().Faint(true)
)

var tableColumns = []table.Column{
	{Title: "ID", Width: 24},
	{Title: "NAME", Width: 20},
	{Title: "STATUS", Width: 10},
	{Title: "PRIO", Width: 6},
	{Title: "SCHED", Width: 8},
	{Title: "COOLDOWN", Width: 12},
}

type tickMsg time.Time

type fetchedMsg struct {
	identities []relayctl.Identity
	err        error
}

type model struct {
	client    *relayctl.Client
	table     table.Model
	err       error
	lastFetch time.Time
}

func newTable() table.Model {
	t := table.New(
		table.WithColumns(tableColumns),
		table.WithFocused(false),
		table.WithHeight(15),
	)
	style := table.DefaultStyles()
	style.Header = style.Header.Bold(true).Foreground(lipgloss.Color("252"))
	style.Selected = lipgloss.NewStyle()
	t.SetStyles(style)
	return t
}

func Run(c *relayctl.Client) error {
	m := model{client: c, table: newTable()}
	p := tea.NewProgram(m)
	_, err := p.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetch(m.client), tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(fetch(m.client), tick())
	case fetchedMsg:
		m.err = msg.err
		m.lastFetch = time.Now()
		if msg.err == nil {
			m.table.SetRows(identityRows(msg.identities))
		}
	}
	return m, nil
}

func (m model) View() string {
	if m.err != nil {
		return errStyle.Render("fetch failed: "+m.err.Error()) + "\n\n(q to quit)"
	}
	footer := footerStyle.Render(fmt.Sprintf("updated %s · refreshes every %s · q to quit",
		m.lastFetch.Format(time.Kitchen), refreshInterval))
	return m.table.View() + "\n" + footer
}

func identityRows(ids []relayctl.Identity) []table.Row {
	rows := make([]table.Row, 0, len(ids))
	for _, id := range ids {
		sched := "yes"
		if !id.Schedulable {
			sched = "no"
		}
		cooldown := "-"
		if id.OnCooldown {
			cooldown = id.CooldownRemaining
		}
		rows = append(rows, table.Row{id.ID, id.Name, id.Status, fmt.Sprint(id.Priority), sched, cooldown})
	}
	return rows
}

func fetch(c *relayctl.Client) tea.Cmd {
	return func() tea.Msg {
		ids, err := c.Identities()
		return fetchedMsg{identities: ids, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}
