// Package watchui renders a live terminal view of one device while a
// client.Controller drives it.
package watchui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/b0ase/path402/apps/minesim/internal/client"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Padding(0, 2).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")).
			Width(14)

	balanceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#34D399")).
			Bold(true)

	pausedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F59E0B")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")).
			Italic(true)
)

// StateMsg carries a controller state change into the program.
type StateMsg client.State

// ErrMsg reports a failed call; the view shows the latest one.
type ErrMsg struct{ Err error }

type tickMsg time.Time

type startedMsg struct{}

type Options struct {
	DeviceID string
	API      string
	// Period drives the next-credit countdown; zero hides it.
	Period time.Duration
	// OnStart is run when the user presses "s". Nil disables the key.
	OnStart func() error
	Now     func() time.Time
}

type Model struct {
	opts    Options
	state   client.State
	have    bool
	err     error
	now     time.Time
	spinner spinner.Model
}

func New(opts Options) Model {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{opts: opts, now: opts.Now(), spinner: sp}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "s":
			if m.opts.OnStart == nil || (m.state.IsMining && !m.state.IsMiningPaused) {
				return m, nil
			}
			start := m.opts.OnStart
			return m, func() tea.Msg {
				if err := start(); err != nil {
					return ErrMsg{Err: err}
				}
				return startedMsg{}
			}
		}

	case StateMsg:
		m.state = client.State(msg)
		m.have = true
		m.err = nil

	case ErrMsg:
		m.err = msg.Err

	case startedMsg:
		m.err = nil

	case tickMsg:
		m.now = m.opts.Now()
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("minesim | %s", m.opts.DeviceID)))
	b.WriteString("\n")

	var body strings.Builder
	if !m.have {
		fmt.Fprintf(&body, "%s Connecting to %s", m.spinner.View(), m.opts.API)
	} else {
		row(&body, "Balance", balanceStyle.Render(m.state.Balance.StringFixed(2)))
		row(&body, "Status", m.status())
		row(&body, "Last credit", stamp(m.state.LastUpdateTime))
		row(&body, "Last active", stamp(m.state.LastActive))
		if left, ok := m.nextCredit(); ok {
			row(&body, "Next credit", left.String())
		}
	}
	b.WriteString(boxStyle.Render(strings.TrimRight(body.String(), "\n")))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}
	help := "q quit"
	if m.opts.OnStart != nil {
		help = "s start mining | " + help
	}
	b.WriteString(helpStyle.Render(help))
	b.WriteString("\n")
	return b.String()
}

func (m Model) status() string {
	switch {
	case !m.state.IsMining:
		return "Idle"
	case m.state.IsMiningPaused:
		return pausedStyle.Render("Paused (inactive)")
	default:
		return m.spinner.View() + " Mining"
	}
}

// nextCredit is the time until the current period completes, rounded to
// the second. It is only shown while actively mining.
func (m Model) nextCredit() (time.Duration, bool) {
	if m.opts.Period <= 0 || !m.state.IsMining || m.state.IsMiningPaused || m.state.LastUpdateTime == 0 {
		return 0, false
	}
	due := time.UnixMilli(m.state.LastUpdateTime).Add(m.opts.Period)
	left := due.Sub(m.now)
	if left < 0 {
		left = 0
	}
	return left.Round(time.Second), true
}

func row(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label))
	b.WriteString(value)
	b.WriteString("\n")
}

func stamp(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}
