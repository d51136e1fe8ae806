// Package tui renders a live view of one run: every matrix instance
// with its step progress, updated as the run executes.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/davarch/gridci/internal/domain"
)

// RunStartedMsg is sent when the run's instances are known. It is
// exported so that tests can inject it directly into RunModel.Update.
type RunStartedMsg struct {
	Run       domain.Run
	Instances []domain.Instance
}

// InstanceStartedMsg is sent when one instance begins executing.
type InstanceStartedMsg struct {
	Instance domain.Instance
}

// StepStartedMsg is sent when a step begins.
type StepStartedMsg struct {
	Instance domain.Instance
	Index    int
	Step     domain.Step
}

// StepFinishedMsg is sent when a step finishes, succeeded or not.
type StepFinishedMsg struct {
	Instance domain.Instance
	Index    int
	Result   domain.StepResult
}

// InstanceFinishedMsg is sent when an instance reaches a terminal
// status.
type InstanceFinishedMsg struct {
	Result domain.InstanceResult
}

// RunFinishedMsg is sent once, after every instance has finished.
type RunFinishedMsg struct {
	Run domain.Run
}

// tickMsg redraws live durations.
type tickMsg struct{}

// RunModel is the root Bubbletea model for the run view.
type RunModel struct {
	workflow string
	runID    string
	event    domain.Event

	list     InstanceListModel
	started  time.Time
	finished bool
	run      domain.Run

	width  int
	height int
}

// NewRunModel creates the run view before the run starts.
func NewRunModel(workflow string, run domain.Run) RunModel {
	return RunModel{
		workflow: workflow,
		runID:    run.ID,
		event:    run.Event,
		started:  time.Now(),
	}
}

// Init starts the redraw ticker.
func (m RunModel) Init() tea.Cmd {
	return tickEvery(time.Second)
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(_ time.Time) tea.Msg {
		return tickMsg{}
	})
}

// Update handles observer messages and key events.
func (m RunModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case RunStartedMsg:
		m.list = NewInstanceListModel(msg.Instances)
		m.runID = msg.Run.ID
		m.started = time.Now()

	case InstanceStartedMsg:
		m.list = m.list.StartInstance(msg.Instance)

	case StepStartedMsg:
		m.list = m.list.StartStep(msg.Instance, msg.Index)

	case StepFinishedMsg:
		m.list = m.list.FinishStep(msg.Instance, msg.Index, msg.Result)

	case InstanceFinishedMsg:
		m.list = m.list.FinishInstance(msg.Result)

	case RunFinishedMsg:
		m.finished = true
		m.run = msg.Run

	case tickMsg:
		if m.finished {
			return m, nil
		}
		return m, tickEvery(time.Second)

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "down":
			m.list = m.list.MoveDown()
		case "up":
			m.list = m.list.MoveUp()
		}
	}
	return m, nil
}

// View renders the full run view.
func (m RunModel) View() string {
	header := fmt.Sprintf(" gridci | %s | run %s | %s\n",
		m.workflow, shortID(m.runID), describeEvent(m.event))
	separator := "────────────────────────────────────────────────────────────\n"

	if len(m.list.Rows()) == 0 {
		return header + separator + "\n Expanding matrix...\n\n" + separator + " q: quit\n"
	}

	body := " Instances\n" + m.list.View()
	steps := m.renderSteps()
	footer := m.renderFooter()

	return header + separator + body + separator + steps + separator + footer
}

// renderSteps shows the step table of the highlighted instance.
func (m RunModel) renderSteps() string {
	row := m.list.Selected()
	if len(row.Steps) == 0 {
		return " No steps.\n"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, " Steps — %s\n", row.Instance.Name())
	for _, s := range row.Steps {
		detail := ""
		if s.Status == domain.StatusFailed {
			detail = fmt.Sprintf("exit %d", s.ExitCode)
		}
		fmt.Fprintf(&sb, "   %s %-32s %-8s %s\n",
			statusIcon(s.Status),
			truncate(s.Name, 32),
			detail,
			formatDuration(s.Started, s.Finished),
		)
	}
	return sb.String()
}

func (m RunModel) renderFooter() string {
	if m.finished {
		succeeded, failed, cancelled := m.run.Tally()
		outcome := fmt.Sprintf(" %s: %d/%d instances succeeded", m.run.Outcome(), succeeded, len(m.run.Instances))
		if failed > 0 {
			outcome += fmt.Sprintf(", %d failed", failed)
		}
		if cancelled > 0 {
			outcome += fmt.Sprintf(", %d cancelled", cancelled)
		}
		return outcome + "\n ↑/↓: navigate   q: quit\n"
	}

	done := 0
	failed := 0
	for _, row := range m.list.Rows() {
		if row.Status.Terminal() {
			done++
		}
		if row.Status == domain.StatusFailed {
			failed++
		}
	}

	progress := fmt.Sprintf(" %d/%d done", done, len(m.list.Rows()))
	if failed > 0 {
		progress += fmt.Sprintf("   %d failed", failed)
	}
	progress += fmt.Sprintf("   elapsed %ds", int(time.Since(m.started).Seconds()))
	return progress + "\n ↑/↓: navigate   q: detach\n"
}

func describeEvent(ev domain.Event) string {
	out := string(ev.Type)
	if ev.Branch != "" {
		out += " " + ev.Branch
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
