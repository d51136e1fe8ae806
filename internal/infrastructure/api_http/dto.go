package api_http

import (
	"time"

	"github.com/davarch/gridci/internal/domain"
)

type workflowDTO struct {
	Name     string   `json:"name"`
	Path     string   `json:"path"`
	Enabled  bool     `json:"enabled"`
	Triggers []string `json:"triggers,omitempty"`
}

type runSummaryDTO struct {
	ID        string    `json:"id"`
	Workflow  string    `json:"workflow"`
	Event     string    `json:"event"`
	Status    string    `json:"status"`
	Created   time.Time `json:"created"`
	Finished  time.Time `json:"finished"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
	Instances int       `json:"instances"`
}

type runDetailDTO struct {
	runSummaryDTO
	EventDetail eventDTO      `json:"event_detail"`
	Matrix      []instanceDTO `json:"matrix"`
}

type eventDTO struct {
	Type       string            `json:"type"`
	Repo       string            `json:"repo,omitempty"`
	Ref        string            `json:"ref,omitempty"`
	Branch     string            `json:"branch,omitempty"`
	BaseBranch string            `json:"base_branch,omitempty"`
	HeadSHA    string            `json:"head_sha,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
}

type instanceDTO struct {
	Name       string    `json:"name"`
	Slug       string    `json:"slug"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	DurationMS int64     `json:"duration_ms"`
	Steps      []stepDTO `json:"steps"`
	Error      string    `json:"error,omitempty"`
}

type stepDTO struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	LogDigest  string `json:"log_digest,omitempty"`
	Error      string `json:"error,omitempty"`
}

func toRunSummary(r domain.Run) runSummaryDTO {
	succeeded, failed, cancelled := r.Tally()
	return runSummaryDTO{
		ID:        r.ID,
		Workflow:  r.Workflow,
		Event:     string(r.Event.Type),
		Status:    string(r.Status),
		Created:   r.Created,
		Finished:  r.Finished,
		Succeeded: succeeded,
		Failed:    failed,
		Cancelled: cancelled,
		Instances: len(r.Instances),
	}
}

func toRunDetail(r domain.Run) runDetailDTO {
	detail := runDetailDTO{
		runSummaryDTO: toRunSummary(r),
		EventDetail: eventDTO{
			Type:       string(r.Event.Type),
			Repo:       r.Event.Repo,
			Ref:        r.Event.Ref,
			Branch:     r.Event.Branch,
			BaseBranch: r.Event.BaseBranch,
			HeadSHA:    r.Event.HeadSHA,
			Inputs:     r.Event.Inputs,
		},
		Matrix: make([]instanceDTO, 0, len(r.Instances)),
	}

	for _, in := range r.Instances {
		dto := instanceDTO{
			Name:       in.Instance.Name(),
			Slug:       in.Instance.Slug(),
			Status:     string(in.Status),
			ExitCode:   in.ExitCode,
			DurationMS: instanceDuration(in).Milliseconds(),
			Steps:      make([]stepDTO, 0, len(in.Steps)),
			Error:      in.Error,
		}
		for i, step := range in.Steps {
			dto.Steps = append(dto.Steps, stepDTO{
				Index:      i,
				Name:       step.Name,
				Status:     string(step.Status),
				ExitCode:   step.ExitCode,
				DurationMS: step.Duration().Milliseconds(),
				LogDigest:  step.LogDigest,
				Error:      step.Error,
			})
		}
		detail.Matrix = append(detail.Matrix, dto)
	}
	return detail
}

// instanceDuration tolerates instances cancelled before they started.
func instanceDuration(in domain.InstanceResult) time.Duration {
	if in.Finished.IsZero() || in.Started.IsZero() {
		return 0
	}
	return in.Finished.Sub(in.Started)
}
