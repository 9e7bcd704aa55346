// ABOUTME: Live terminal view of a Multi's client table
// ABOUTME: Real-time mixer status display using bubbletea, grounded on the teacher's ServerTUI
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bluealsa-go/pcmmux/internal/mixctl"
)

// MixerTUI manages the terminal status display for one Multi.
type MixerTUI struct {
	program  *tea.Program
	updates  chan mixctl.Snapshot
	quitChan chan struct{}
}

type mixerModel struct {
	snap      mixctl.Snapshot
	startTime time.Time
	quitting  bool
	quitChan  chan struct{}
}

type tickMsg time.Time
type snapMsg mixctl.Snapshot

func (m mixerModel) Init() tea.Cmd {
	return tea.Batch(tickEvery())
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m mixerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			select {
			case m.quitChan <- struct{}{}:
			default:
			}
			return m, tea.Quit
		}
	case tickMsg:
		return m, tickEvery()
	case snapMsg:
		m.snap = mixctl.Snapshot(msg)
		return m, nil
	}
	return m, nil
}

func (m mixerModel) View() string {
	if m.quitting {
		return "Shutting down pcmmux...\n"
	}

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	valueStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("250"))
	clientHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("220"))

	var b strings.Builder
	b.WriteString(titleStyle.Render("pcmmux"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Direction: "))
	b.WriteString(valueStyle.Render(m.snap.Direction.String()))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("State: "))
	b.WriteString(valueStyle.Render(m.snap.State.String()))
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("Uptime: "))
	b.WriteString(valueStyle.Render(time.Since(m.startTime).Round(time.Second).String()))
	b.WriteString("\n\n")

	b.WriteString(clientHeaderStyle.Render(fmt.Sprintf("Clients (%d active / %d total)", m.snap.ActiveCount, m.snap.ClientCount)))
	b.WriteString("\n\n")

	if len(m.snap.Clients) == 0 {
		b.WriteString(valueStyle.Render("  no clients attached"))
		b.WriteString("\n")
	} else {
		for _, c := range m.snap.Clients {
			b.WriteString(fmt.Sprintf("  - %s", c.ID))
			b.WriteString(valueStyle.Render(fmt.Sprintf(" (%s, in=%d out=%d)", c.State, c.InOffset, c.OutOffset)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 'q' or Ctrl+C to quit"))
	return b.String()
}

// New creates a MixerTUI.
func New() *MixerTUI {
	return &MixerTUI{
		updates:  make(chan mixctl.Snapshot, 10),
		quitChan: make(chan struct{}, 1),
	}
}

// Run starts the TUI's bubbletea program, blocking until the user quits.
func (t *MixerTUI) Run() error {
	m := mixerModel{startTime: time.Now(), quitChan: t.quitChan}
	t.program = tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for snap := range t.updates {
			if t.program != nil {
				t.program.Send(snapMsg(snap))
			}
		}
	}()

	_, err := t.program.Run()
	return err
}

// Update pushes a new snapshot to the TUI, dropping it if the channel is
// full rather than blocking the caller (cmd/pcmmuxd's periodic snapshot
// loop in practice).
func (t *MixerTUI) Update(snap mixctl.Snapshot) {
	select {
	case t.updates <- snap:
	default:
	}
}

// Stop tears down the TUI program and its update channel.
func (t *MixerTUI) Stop() {
	if t.program != nil {
		t.program.Quit()
	}
	close(t.updates)
}

// QuitChan signals when the user has asked to quit via the TUI.
func (t *MixerTUI) QuitChan() <-chan struct{} {
	return t.quitChan
}
