package domain

// ExpandMatrix enumerates the instances of one job: the cartesian
// product of the matrix axes in declaration order, with the first
// axis varying slowest, minus excluded combinations. A job without
// axes yields a single instance. The returned instances share the
// merged workflow/job env map; callers must treat it as read-only.
func ExpandMatrix(wf Workflow, job Job) []Instance {
	combos := [][]Selection{nil}
	for _, axis := range job.Matrix.Axes {
		next := make([][]Selection, 0, len(combos)*len(axis.Values))
		for _, combo := range combos {
			for _, value := range axis.Values {
				grown := make([]Selection, len(combo), len(combo)+1)
				copy(grown, combo)
				grown = append(grown, Selection{Axis: axis.Name, Value: value})
				next = append(next, grown)
			}
		}
		combos = next
	}

	env := MergeEnv(wf.Env, job.Env)

	out := make([]Instance, 0, len(combos))
	for _, combo := range combos {
		if excluded(job.Matrix.Exclude, combo) {
			continue
		}
		out = append(out, Instance{
			Workflow: wf.Name,
			Job:      job.Name,
			Combo:    combo,
			Env:      env,
			Steps:    job.Steps,
		})
	}
	return out
}

// ExpandWorkflow enumerates the instances of every job, in job
// declaration order.
func ExpandWorkflow(wf Workflow) []Instance {
	var out []Instance
	for _, job := range wf.Jobs {
		out = append(out, ExpandMatrix(wf, job)...)
	}
	return out
}

func excluded(rules []map[string]string, combo []Selection) bool {
	for _, rule := range rules {
		if len(rule) == 0 {
			continue
		}
		match := true
		for axis, want := range rule {
			got, ok := comboValue(combo, axis)
			if !ok || got != want {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func comboValue(combo []Selection, axis string) (string, bool) {
	for _, sel := range combo {
		if sel.Axis == axis {
			return sel.Value, true
		}
	}
	return "", false
}
