package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/davarch/gridci/internal/domain"
)

// Observer bridges run progress into the Bubbletea program. Send is
// safe from any goroutine, so the run loop can report directly.
type Observer struct {
	p *tea.Program
}

func NewObserver(p *tea.Program) *Observer {
	return &Observer{p: p}
}

func (o *Observer) RunStarted(run domain.Run, instances []domain.Instance) {
	o.p.Send(RunStartedMsg{Run: run, Instances: instances})
}

func (o *Observer) InstanceStarted(in domain.Instance) {
	o.p.Send(InstanceStartedMsg{Instance: in})
}

func (o *Observer) StepStarted(in domain.Instance, index int, step domain.Step) {
	o.p.Send(StepStartedMsg{Instance: in, Index: index, Step: step})
}

func (o *Observer) StepFinished(in domain.Instance, index int, res domain.StepResult) {
	o.p.Send(StepFinishedMsg{Instance: in, Index: index, Result: res})
}

func (o *Observer) InstanceFinished(res domain.InstanceResult) {
	o.p.Send(InstanceFinishedMsg{Result: res})
}

func (o *Observer) RunFinished(run domain.Run) {
	o.p.Send(RunFinishedMsg{Run: run})
}
