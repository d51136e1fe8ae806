package domain

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether the status is final. Skipped counts as
// terminal: a skipped step never runs.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	}
	return false
}

type EventType string

const (
	EventPush        EventType = "push"
	EventPullRequest EventType = "pull_request"
	EventDispatch    EventType = "dispatch"
	EventSchedule    EventType = "schedule"
)

func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventPush, EventPullRequest, EventDispatch, EventSchedule:
		return EventType(s), nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// Event is the trigger occurrence a run executes for. It is captured
// once at run start and never mutated. Branch is the pushed branch for
// push events and the source branch for pull requests; BaseBranch is
// the pull request target.
type Event struct {
	Type       EventType
	Repo       string
	Ref        string
	Branch     string
	BaseBranch string
	HeadSHA    string
	Inputs     map[string]string
}

type Workflow struct {
	Name string
	On   Triggers
	Env  map[string]string
	Jobs []Job

	// Path is the file the workflow was loaded from, when known.
	Path string
}

type Triggers struct {
	Push        *BranchFilter
	PullRequest *BranchFilter
	Dispatch    bool
	Schedule    []Schedule
}

// Match reports whether an event activates any of the triggers.
// Pull request filters apply to the target branch.
func (t Triggers) Match(ev Event) bool {
	switch ev.Type {
	case EventPush:
		return t.Push != nil && t.Push.Match(ev.Branch)
	case EventPullRequest:
		return t.PullRequest != nil && t.PullRequest.Match(ev.BaseBranch)
	case EventDispatch:
		return t.Dispatch
	case EventSchedule:
		return len(t.Schedule) > 0
	}
	return false
}

// Names lists the configured trigger kinds in a fixed order.
func (t Triggers) Names() []string {
	var out []string
	if t.Push != nil {
		out = append(out, string(EventPush))
	}
	if t.PullRequest != nil {
		out = append(out, string(EventPullRequest))
	}
	if t.Dispatch {
		out = append(out, string(EventDispatch))
	}
	if len(t.Schedule) > 0 {
		out = append(out, string(EventSchedule))
	}
	return out
}

// BranchFilter restricts a trigger to branches matching any of the
// glob patterns. An empty pattern list matches every branch.
type BranchFilter struct {
	Branches []string
}

func (f *BranchFilter) Match(branch string) bool {
	if len(f.Branches) == 0 {
		return true
	}
	for _, pat := range f.Branches {
		if ok, err := path.Match(pat, branch); err == nil && ok {
			return true
		}
	}
	return false
}

type Schedule struct {
	Cron string
}

// Axis is one matrix dimension. Declaration order of axes is
// significant: instances are enumerated with the first axis varying
// slowest.
type Axis struct {
	Name   string
	Values []string
}

type Matrix struct {
	Axes []Axis

	// Exclude drops combinations. An entry matches when every listed
	// axis has exactly the listed value; unlisted axes are wildcards.
	Exclude []map[string]string
}

type Job struct {
	Name        string
	Matrix      Matrix
	MaxParallel int
	Env         map[string]string
	Steps       []Step
}

// Builtin step actions.
const (
	UsesCheckout     = "checkout"
	UsesSetupRuntime = "setup-runtime"
)

// Step is one unit of work inside a job. Exactly one of Run and Uses
// is set: Run holds a shell script, Uses names a builtin action
// parameterized by With.
type Step struct {
	Name        string
	Run         string
	Uses        string
	With        map[string]string
	Env         map[string]string
	Timeout     time.Duration
	GracePeriod time.Duration
}

// Selection is one axis assignment of a job instance.
type Selection struct {
	Axis  string
	Value string
}

// Instance is a single cell of a job's matrix: one value per axis plus
// the job's step list. Instances are independent of each other; they
// share nothing at execution time.
type Instance struct {
	Workflow string
	Job      string
	Combo    []Selection
	Env      map[string]string
	Steps    []Step
}

func (in Instance) Value(axis string) (string, bool) {
	for _, sel := range in.Combo {
		if sel.Axis == axis {
			return sel.Value, true
		}
	}
	return "", false
}

// Name renders the instance for humans: `test (ubuntu-22.04, 3.11)`.
func (in Instance) Name() string {
	if len(in.Combo) == 0 {
		return in.Job
	}
	values := make([]string, len(in.Combo))
	for i, sel := range in.Combo {
		values[i] = sel.Value
	}
	return in.Job + " (" + strings.Join(values, ", ") + ")"
}

// Slug renders the instance as a filesystem-safe identifier, unique
// within its run.
func (in Instance) Slug() string {
	parts := []string{in.Job}
	for _, sel := range in.Combo {
		parts = append(parts, sel.Value)
	}
	return Slugify(strings.Join(parts, "-"))
}

// Slugify lowercases s and replaces every byte outside [a-z0-9._-]
// with a dash. Leading and trailing dashes are trimmed.
func Slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

type StepResult struct {
	Name      string
	Status    Status
	ExitCode  int
	Started   time.Time
	Finished  time.Time
	LogDigest string
	Error     string
}

func (r StepResult) Duration() time.Duration {
	if r.Finished.IsZero() || r.Started.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// InstanceResult is the outcome of one job instance. ExitCode carries
// the first failing step's exit code, zero on success and -1 when the
// instance failed outside any step.
type InstanceResult struct {
	Instance Instance
	Status   Status
	ExitCode int
	Started  time.Time
	Finished time.Time
	Steps    []StepResult
	Error    string
}

type Run struct {
	ID        string
	Workflow  string
	Event     Event
	Status    Status
	Created   time.Time
	Finished  time.Time
	Instances []InstanceResult
}

func NewRun(workflow string, ev Event) Run {
	return Run{
		ID:       uuid.NewString(),
		Workflow: workflow,
		Event:    ev,
		Status:   StatusPending,
		Created:  time.Now().UTC(),
	}
}

// Outcome derives the run status from its instances: failed beats
// cancelled beats success. A run with no instances is successful.
func (r Run) Outcome() Status {
	out := StatusSuccess
	for _, in := range r.Instances {
		switch in.Status {
		case StatusFailed:
			return StatusFailed
		case StatusCancelled:
			out = StatusCancelled
		}
	}
	return out
}

// Tally counts instances by terminal status.
func (r Run) Tally() (succeeded, failed, cancelled int) {
	for _, in := range r.Instances {
		switch in.Status {
		case StatusSuccess:
			succeeded++
		case StatusFailed:
			failed++
		case StatusCancelled:
			cancelled++
		}
	}
	return
}

func (r Run) Duration() time.Duration {
	if r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Created)
}

// WorkflowSummary is the registry view of a workflow used by listings
// and the HTTP API.
type WorkflowSummary struct {
	Name     string
	Path     string
	Enabled  bool
	Triggers []string
}

// Snapshot is the latest-run state written for status bar consumers.
type Snapshot struct {
	RunID     string
	Workflow  string
	Status    Status
	Succeeded int
	Failed    int
	Total     int
	Retrieved int64
}
