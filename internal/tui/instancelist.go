package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/davarch/gridci/internal/domain"
)

// StepRow is the display state of one step inside an instance row.
type StepRow struct {
	Name     string
	Status   domain.Status
	ExitCode int
	Started  time.Time
	Finished time.Time
}

// InstanceRow accumulates one matrix instance's progress as observer
// messages arrive.
type InstanceRow struct {
	Instance domain.Instance
	Status   domain.Status
	Steps    []StepRow
	ExitCode int
	Started  time.Time
	Finished time.Time
}

// Done counts the row's steps that reached a terminal status.
func (r InstanceRow) Done() int {
	done := 0
	for _, s := range r.Steps {
		if s.Status.Terminal() {
			done++
		}
	}
	return done
}

// CurrentStep returns the name of the step running right now, or "".
func (r InstanceRow) CurrentStep() string {
	for _, s := range r.Steps {
		if s.Status == domain.StatusRunning {
			return s.Name
		}
	}
	return ""
}

// InstanceListModel is an immutable model for the instance panel.
type InstanceListModel struct {
	rows   []InstanceRow
	cursor int
}

// NewInstanceListModel seeds one pending row per instance, steps
// included, so the table has its full shape before anything runs.
func NewInstanceListModel(instances []domain.Instance) InstanceListModel {
	rows := make([]InstanceRow, 0, len(instances))
	for _, in := range instances {
		row := InstanceRow{Instance: in, Status: domain.StatusPending}
		for _, step := range in.Steps {
			row.Steps = append(row.Steps, StepRow{Name: step.Name, Status: domain.StatusPending})
		}
		rows = append(rows, row)
	}
	return InstanceListModel{rows: rows}
}

// MoveDown returns a new model with the cursor moved down by one.
func (m InstanceListModel) MoveDown() InstanceListModel {
	if m.cursor < len(m.rows)-1 {
		m.cursor++
	}
	return m
}

// MoveUp returns a new model with the cursor moved up by one.
func (m InstanceListModel) MoveUp() InstanceListModel {
	if m.cursor > 0 {
		m.cursor--
	}
	return m
}

// Selected returns the highlighted row, zero-valued when empty.
func (m InstanceListModel) Selected() InstanceRow {
	if len(m.rows) == 0 {
		return InstanceRow{}
	}
	return m.rows[m.cursor]
}

func (m InstanceListModel) Rows() []InstanceRow {
	return m.rows
}

// mutate clones the row slice before applying fn to the row with the
// given slug. Stale model copies held by Bubbletea keep their state.
func (m InstanceListModel) mutate(slug string, fn func(*InstanceRow)) InstanceListModel {
	rows := make([]InstanceRow, len(m.rows))
	copy(rows, m.rows)
	for i := range rows {
		if rows[i].Instance.Slug() == slug {
			fn(&rows[i])
			break
		}
	}
	m.rows = rows
	return m
}

// StartInstance marks the instance as running.
func (m InstanceListModel) StartInstance(in domain.Instance) InstanceListModel {
	return m.mutate(in.Slug(), func(r *InstanceRow) {
		r.Status = domain.StatusRunning
		r.Started = time.Now()
	})
}

// StartStep marks one step as running.
func (m InstanceListModel) StartStep(in domain.Instance, index int) InstanceListModel {
	return m.mutate(in.Slug(), func(r *InstanceRow) {
		if index < 0 || index >= len(r.Steps) {
			return
		}
		steps := make([]StepRow, len(r.Steps))
		copy(steps, r.Steps)
		steps[index].Status = domain.StatusRunning
		steps[index].Started = time.Now()
		r.Steps = steps
	})
}

// FinishStep records a step result.
func (m InstanceListModel) FinishStep(in domain.Instance, index int, res domain.StepResult) InstanceListModel {
	return m.mutate(in.Slug(), func(r *InstanceRow) {
		if index < 0 || index >= len(r.Steps) {
			return
		}
		steps := make([]StepRow, len(r.Steps))
		copy(steps, r.Steps)
		steps[index].Status = res.Status
		steps[index].ExitCode = res.ExitCode
		steps[index].Started = res.Started
		steps[index].Finished = res.Finished
		r.Steps = steps
	})
}

// FinishInstance records the instance outcome.
func (m InstanceListModel) FinishInstance(res domain.InstanceResult) InstanceListModel {
	return m.mutate(res.Instance.Slug(), func(r *InstanceRow) {
		r.Status = res.Status
		r.ExitCode = res.ExitCode
		r.Started = res.Started
		r.Finished = res.Finished

		steps := make([]StepRow, len(r.Steps))
		copy(steps, r.Steps)
		for i, sr := range res.Steps {
			if i >= len(steps) {
				break
			}
			steps[i].Status = sr.Status
			steps[i].ExitCode = sr.ExitCode
			steps[i].Started = sr.Started
			steps[i].Finished = sr.Finished
		}
		r.Steps = steps
	})
}

// View renders the instance table as a string.
func (m InstanceListModel) View() string {
	if len(m.rows) == 0 {
		return "No instances.\n"
	}

	var sb strings.Builder
	for i, row := range m.rows {
		prefix := "  "
		if i == m.cursor {
			prefix = "> "
		}

		detail := ""
		switch {
		case row.Status == domain.StatusRunning && row.CurrentStep() != "":
			detail = truncate(row.CurrentStep(), 24)
		case row.Status == domain.StatusFailed:
			detail = fmt.Sprintf("exit %d", row.ExitCode)
		}

		sb.WriteString(fmt.Sprintf("%s%s %-36s %-24s %d/%d  %s\n",
			prefix,
			statusIcon(row.Status),
			truncate(row.Instance.Name(), 36),
			detail,
			row.Done(), len(row.Steps),
			formatDuration(row.Started, row.Finished),
		))
	}
	return sb.String()
}

func statusIcon(s domain.Status) string {
	switch s {
	case domain.StatusSuccess:
		return "✓"
	case domain.StatusFailed:
		return "✗"
	case domain.StatusRunning:
		return "●"
	case domain.StatusPending:
		return "↷"
	case domain.StatusCancelled:
		return "○"
	case domain.StatusSkipped:
		return "-"
	default:
		return "?"
	}
}

// formatDuration renders live elapsed time for running work and the
// final duration once finished.
func formatDuration(started, finished time.Time) string {
	switch {
	case started.IsZero():
		return "--"
	case finished.IsZero():
		return fmt.Sprintf("%ds", int(time.Since(started).Seconds()))
	default:
		return fmt.Sprintf("%ds", int(finished.Sub(started).Seconds()))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
