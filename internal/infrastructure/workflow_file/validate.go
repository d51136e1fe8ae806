package workflow_file

import (
	"fmt"
	"sort"

	"github.com/davarch/gridci/internal/cron"
	"github.com/davarch/gridci/internal/domain"
)

// Validate checks a parsed workflow and returns every problem found
// as a human-readable issue. An empty slice means the workflow is
// runnable.
func Validate(wf domain.Workflow) []string {
	var issues []string

	if len(wf.On.Names()) == 0 {
		issues = append(issues, "workflow declares no triggers")
	}
	for i, s := range wf.On.Schedule {
		if s.Cron == "" {
			issues = append(issues, fmt.Sprintf("on.schedule[%d]: cron expression is required", i))
			continue
		}
		if _, err := cron.Parse(s.Cron); err != nil {
			issues = append(issues, fmt.Sprintf("on.schedule[%d]: %v", i, err))
		}
	}

	if len(wf.Jobs) == 0 {
		issues = append(issues, "workflow has no jobs")
	}

	jobNames := make(map[string]bool, len(wf.Jobs))
	for ji, job := range wf.Jobs {
		where := fmt.Sprintf("jobs[%d]", ji)

		if job.Name == "" {
			issues = append(issues, where+": job name is required")
		} else if jobNames[job.Name] {
			issues = append(issues, fmt.Sprintf("%s: duplicate job name %q", where, job.Name))
		} else {
			jobNames[job.Name] = true
		}

		if job.MaxParallel < 0 {
			issues = append(issues, where+": max-parallel cannot be negative")
		}

		issues = append(issues, validateMatrix(where, job.Matrix)...)

		if len(job.Steps) == 0 {
			issues = append(issues, where+": job has no steps")
		}
		for si, step := range job.Steps {
			issues = append(issues, validateStep(fmt.Sprintf("%s.steps[%d]", where, si), step)...)
		}
	}

	return issues
}

func validateMatrix(where string, m domain.Matrix) []string {
	var issues []string

	axisNames := make(map[string]bool, len(m.Axes))
	for _, axis := range m.Axes {
		if axis.Name == "" {
			issues = append(issues, where+": matrix axis name is required")
			continue
		}
		if axisNames[axis.Name] {
			issues = append(issues, fmt.Sprintf("%s: duplicate matrix axis %q", where, axis.Name))
		}
		axisNames[axis.Name] = true

		if len(axis.Values) == 0 {
			issues = append(issues, fmt.Sprintf("%s: matrix axis %q has no values", where, axis.Name))
		}
		for _, v := range axis.Values {
			if v == "" {
				issues = append(issues, fmt.Sprintf("%s: matrix axis %q has an empty value", where, axis.Name))
			}
		}
	}

	for ri, rule := range m.Exclude {
		keys := make([]string, 0, len(rule))
		for k := range rule {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !axisNames[k] {
				issues = append(issues, fmt.Sprintf("%s: exclude[%d] references unknown axis %q", where, ri, k))
			}
		}
	}

	return issues
}

func validateStep(where string, step domain.Step) []string {
	var issues []string

	if step.Name == "" {
		issues = append(issues, where+": step name is required")
	}

	switch {
	case step.Run == "" && step.Uses == "":
		issues = append(issues, where+": step needs either run or uses")
	case step.Run != "" && step.Uses != "":
		issues = append(issues, where+": step cannot have both run and uses")
	}

	if step.Uses != "" {
		switch step.Uses {
		case domain.UsesCheckout:
		case domain.UsesSetupRuntime:
			if step.With["runtime"] == "" {
				issues = append(issues, where+": setup-runtime requires with.runtime")
			}
		default:
			issues = append(issues, fmt.Sprintf("%s: unknown builtin %q", where, step.Uses))
		}
	}

	if step.Run != "" && len(step.With) > 0 {
		issues = append(issues, where+": with is only valid on uses steps")
	}

	if step.Timeout < 0 {
		issues = append(issues, where+": timeout cannot be negative")
	}
	if step.GracePeriod < 0 {
		issues = append(issues, where+": grace-period cannot be negative")
	}

	return issues
}
