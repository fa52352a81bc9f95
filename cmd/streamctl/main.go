// Command streamctl is a small terminal dashboard that polls a
// browserstreamd instance's /health endpoint and renders its pool, session
// and socket gauges. There is no teacher source file for this command: the
// bubbletea/lipgloss dependency is carried unused in the teacher's own
// go.mod, so this is the first real use of it, written in the ecosystem's
// conventional model/Update/View shape rather than the teacher's HTTP-server
// idiom (there is nothing server-shaped to imitate here).
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	valueStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
)

type healthStatus struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveBrowsers int    `json:"activeBrowsers"`
	MaxBrowsers    int    `json:"maxBrowsers"`
	ActiveSessions int    `json:"activeSessions"`
	ActiveSockets  int    `json:"activeSockets"`
}

type tickMsg time.Time

type healthMsg struct {
	status healthStatus
	err    error
}

type model struct {
	target     string
	client     *http.Client
	pollEvery  time.Duration
	lastStatus healthStatus
	lastErr    error
	polls      int
}

func newModel(target string, pollEvery time.Duration) model {
	return model{
		target:    target,
		client:    &http.Client{Timeout: 3 * time.Second},
		pollEvery: pollEvery,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tickEvery(m.pollEvery))
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) poll() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get(m.target)
		if err != nil {
			return healthMsg{err: err}
		}
		defer resp.Body.Close()

		var status healthStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return healthMsg{err: err}
		}
		return healthMsg{status: status}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, tea.Batch(m.poll(), tickEvery(m.pollEvery))
	case healthMsg:
		m.polls++
		m.lastErr = msg.err
		if msg.err == nil {
			m.lastStatus = msg.status
		}
	}
	return m, nil
}

func (m model) View() string {
	header := titleStyle.Render("browserstreamd monitor") + "  " + labelStyle.Render(m.target)

	if m.lastErr != nil {
		return boxStyle.Render(header + "\n\n" + errorStyle.Render("unreachable: "+m.lastErr.Error()))
	}

	s := m.lastStatus
	body := fmt.Sprintf(
		"%s %s\n%s %s\n%s %d/%d\n%s %d\n%s %d\n\n%s",
		labelStyle.Render("status:"), valueStyle.Render(s.Status),
		labelStyle.Render("version:"), valueStyle.Render(s.Version),
		labelStyle.Render("browsers:"), s.ActiveBrowsers, s.MaxBrowsers,
		labelStyle.Render("sessions:"), s.ActiveSessions,
		labelStyle.Render("sockets:"), s.ActiveSockets,
		labelStyle.Render("press q to quit"),
	)
	return boxStyle.Render(header + "\n\n" + body)
}

func main() {
	addr := flag.String("addr", "http://localhost:8002", "base URL of the browserstreamd instance")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	flag.Parse()

	p := tea.NewProgram(newModel(*addr+"/health", *interval))
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "streamctl:", err)
		os.Exit(1)
	}
}
