package workflow_file

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davarch/gridci/internal/domain"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Workflow files are authored in YAML or JSONC. JSONC input is
// stripped of comments and trailing commas, then decoded through the
// same YAML path (YAML is a JSON superset), so both formats share one
// shape and one set of error messages.

type workflowDTO struct {
	Name string            `yaml:"name"`
	On   *onDTO            `yaml:"on"`
	Env  map[string]string `yaml:"env"`
	Jobs []jobDTO          `yaml:"jobs"`
}

type onDTO struct {
	Push        *branchFilterDTO
	PullRequest *branchFilterDTO
	Dispatch    bool
	Schedule    []scheduleDTO
}

// UnmarshalYAML accepts the three trigger spellings: a single trigger
// name, a list of names, or a mapping with per-trigger settings.
func (o *onDTO) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		return o.enable(value.Value)
	case yaml.SequenceNode:
		for _, item := range value.Content {
			if err := o.enable(item.Value); err != nil {
				return err
			}
		}
		return nil
	case yaml.MappingNode:
		for i := 0; i < len(value.Content); i += 2 {
			key := value.Content[i].Value
			val := value.Content[i+1]
			switch key {
			case "push":
				o.Push = &branchFilterDTO{}
				if val.Tag != "!!null" {
					if err := val.Decode(o.Push); err != nil {
						return fmt.Errorf("on.push: %w", err)
					}
				}
			case "pull_request":
				o.PullRequest = &branchFilterDTO{}
				if val.Tag != "!!null" {
					if err := val.Decode(o.PullRequest); err != nil {
						return fmt.Errorf("on.pull_request: %w", err)
					}
				}
			case "dispatch":
				// Presence alone enables manual dispatch.
				o.Dispatch = true
			case "schedule":
				if val.Tag != "!!null" {
					if err := val.Decode(&o.Schedule); err != nil {
						return fmt.Errorf("on.schedule: %w", err)
					}
				}
			default:
				return fmt.Errorf("on: unknown trigger %q", key)
			}
		}
		return nil
	}
	return fmt.Errorf("on: expected a trigger name, list, or mapping")
}

func (o *onDTO) enable(name string) error {
	switch name {
	case "push":
		o.Push = &branchFilterDTO{}
	case "pull_request":
		o.PullRequest = &branchFilterDTO{}
	case "dispatch":
		o.Dispatch = true
	case "schedule":
		return fmt.Errorf("on: schedule requires cron entries, use the mapping form")
	default:
		return fmt.Errorf("on: unknown trigger %q", name)
	}
	return nil
}

type branchFilterDTO struct {
	Branches []string `yaml:"branches"`
}

type scheduleDTO struct {
	Cron string `yaml:"cron"`
}

type jobDTO struct {
	Name        string            `yaml:"name"`
	Matrix      *matrixDTO        `yaml:"matrix"`
	MaxParallel int               `yaml:"max-parallel"`
	Env         map[string]string `yaml:"env"`
	Steps       []stepDTO         `yaml:"steps"`
}

type matrixDTO struct {
	Axes    axesDTO             `yaml:"axes"`
	Exclude []map[string]string `yaml:"exclude"`
}

// axesDTO preserves axis declaration order, which a plain map would
// destroy. Enumeration order of matrix instances depends on it.
type axesDTO []domain.Axis

func (a *axesDTO) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("matrix.axes: expected a mapping of axis name to value list")
	}
	for i := 0; i < len(value.Content); i += 2 {
		keyNode := value.Content[i]
		valNode := value.Content[i+1]
		var values []string
		if err := valNode.Decode(&values); err != nil {
			return fmt.Errorf("matrix.axes.%s: %w", keyNode.Value, err)
		}
		*a = append(*a, domain.Axis{Name: keyNode.Value, Values: values})
	}
	return nil
}

type stepDTO struct {
	Name        string            `yaml:"name"`
	Run         string            `yaml:"run"`
	Uses        string            `yaml:"uses"`
	With        map[string]string `yaml:"with"`
	Env         map[string]string `yaml:"env"`
	Timeout     string            `yaml:"timeout"`
	GracePeriod string            `yaml:"grace-period"`
}

// Parse decodes a workflow definition. The name selects the format by
// extension and prefixes error messages. Syntax and shape problems
// come back as the error; recoverable field problems (bad durations)
// are collected as issues so linting reports everything at once.
func Parse(name string, data []byte) (domain.Workflow, []string, error) {
	if isJSON(name) {
		data = jsonc.ToJSON(data)
	}

	var dto workflowDTO
	if err := yaml.Unmarshal(data, &dto); err != nil {
		return domain.Workflow{}, nil, fmt.Errorf("parsing %s: %w", name, err)
	}

	var issues []string

	wf := domain.Workflow{
		Name: dto.Name,
		Env:  dto.Env,
	}
	if wf.Name == "" {
		wf.Name = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}

	if dto.On != nil {
		wf.On = domain.Triggers{
			Dispatch: dto.On.Dispatch,
		}
		if dto.On.Push != nil {
			wf.On.Push = &domain.BranchFilter{Branches: dto.On.Push.Branches}
		}
		if dto.On.PullRequest != nil {
			wf.On.PullRequest = &domain.BranchFilter{Branches: dto.On.PullRequest.Branches}
		}
		for _, s := range dto.On.Schedule {
			wf.On.Schedule = append(wf.On.Schedule, domain.Schedule{Cron: s.Cron})
		}
	}

	for ji, j := range dto.Jobs {
		job := domain.Job{
			Name:        j.Name,
			MaxParallel: j.MaxParallel,
			Env:         j.Env,
		}
		if j.Matrix != nil {
			job.Matrix = domain.Matrix{
				Axes:    []domain.Axis(j.Matrix.Axes),
				Exclude: j.Matrix.Exclude,
			}
		}
		for si, s := range j.Steps {
			where := fmt.Sprintf("jobs[%d].steps[%d]", ji, si)
			step := domain.Step{
				Name: s.Name,
				Run:  s.Run,
				Uses: s.Uses,
				With: s.With,
				Env:  s.Env,
			}
			step.Timeout = parseStepDuration(s.Timeout, where+": timeout", &issues)
			step.GracePeriod = parseStepDuration(s.GracePeriod, where+": grace-period", &issues)
			job.Steps = append(job.Steps, step)
		}
		wf.Jobs = append(wf.Jobs, job)
	}

	return wf, issues, nil
}

func parseStepDuration(raw, where string, issues *[]string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*issues = append(*issues, fmt.Sprintf("%s: invalid duration %q", where, raw))
		return 0
	}
	return d
}

func isJSON(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".jsonc":
		return true
	}
	return false
}

// Load reads, parses, and validates a workflow file. Validation
// problems come back as a *domain.ValidationError carrying every
// issue found.
func Load(path string) (domain.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Workflow{}, err
	}

	wf, issues, err := Parse(path, data)
	if err != nil {
		return domain.Workflow{}, err
	}
	wf.Path = path

	issues = append(issues, Validate(wf)...)
	if len(issues) > 0 {
		return wf, &domain.ValidationError{Path: path, Issues: issues}
	}
	return wf, nil
}

// Loader adapts Load to the domain port.
type Loader struct{}

func (Loader) Load(path string) (domain.Workflow, error) { return Load(path) }
