package domain

import "testing"

func TestTriggers_MatchPushBranchGlob(t *testing.T) {
	tr := Triggers{Push: &BranchFilter{Branches: []string{"main", "release/*"}}}

	if !tr.Match(Event{Type: EventPush, Branch: "main"}) {
		t.Errorf("main should match")
	}
	if !tr.Match(Event{Type: EventPush, Branch: "release/1.2"}) {
		t.Errorf("release/1.2 should match release/*")
	}
	if tr.Match(Event{Type: EventPush, Branch: "feature/x"}) {
		t.Errorf("feature/x should not match")
	}
}

func TestTriggers_PullRequestFiltersTargetBranch(t *testing.T) {
	tr := Triggers{PullRequest: &BranchFilter{Branches: []string{"main"}}}

	ev := Event{Type: EventPullRequest, Branch: "feature/x", BaseBranch: "main"}
	if !tr.Match(ev) {
		t.Errorf("PR targeting main should match")
	}

	ev.BaseBranch = "develop"
	if tr.Match(ev) {
		t.Errorf("PR targeting develop should not match")
	}
}

func TestTriggers_EmptyFilterMatchesEveryBranch(t *testing.T) {
	tr := Triggers{Push: &BranchFilter{}}
	if !tr.Match(Event{Type: EventPush, Branch: "anything"}) {
		t.Errorf("empty filter should match any branch")
	}
}

func TestTriggers_UnconfiguredKindsDoNotMatch(t *testing.T) {
	tr := Triggers{Push: &BranchFilter{}}

	if tr.Match(Event{Type: EventDispatch}) {
		t.Errorf("dispatch should not match push-only triggers")
	}
	if tr.Match(Event{Type: EventSchedule}) {
		t.Errorf("schedule should not match push-only triggers")
	}
}

func TestTriggers_DispatchAndSchedule(t *testing.T) {
	tr := Triggers{Dispatch: true, Schedule: []Schedule{{Cron: "0 6 * * *"}}}

	if !tr.Match(Event{Type: EventDispatch}) {
		t.Errorf("dispatch should match")
	}
	if !tr.Match(Event{Type: EventSchedule}) {
		t.Errorf("schedule should match")
	}
	names := tr.Names()
	if len(names) != 2 || names[0] != "dispatch" || names[1] != "schedule" {
		t.Errorf("names = %v", names)
	}
}

func TestParseEventType(t *testing.T) {
	if _, err := ParseEventType("push"); err != nil {
		t.Errorf("push should parse: %v", err)
	}
	if _, err := ParseEventType("pushh"); err == nil {
		t.Errorf("pushh should not parse")
	}
}

func TestInstance_NameAndSlug(t *testing.T) {
	in := Instance{Job: "test", Combo: []Selection{
		{Axis: "os", Value: "Ubuntu 22.04"},
		{Axis: "python", Value: "3.11"},
	}}

	if got := in.Name(); got != "test (Ubuntu 22.04, 3.11)" {
		t.Errorf("name = %q", got)
	}
	if got := in.Slug(); got != "test-ubuntu-22.04-3.11" {
		t.Errorf("slug = %q", got)
	}
}

func TestSlugify(t *testing.T) {
	if got := Slugify("Hello World!"); got != "hello-world" {
		t.Errorf("got %q", got)
	}
	if got := Slugify("a/b\\c"); got != "a-b-c" {
		t.Errorf("got %q", got)
	}
}

func TestRun_OutcomePrecedence(t *testing.T) {
	r := Run{Instances: []InstanceResult{
		{Status: StatusSuccess},
		{Status: StatusCancelled},
	}}
	if got := r.Outcome(); got != StatusCancelled {
		t.Errorf("outcome = %s, want cancelled", got)
	}

	r.Instances = append(r.Instances, InstanceResult{Status: StatusFailed})
	if got := r.Outcome(); got != StatusFailed {
		t.Errorf("outcome = %s, want failed", got)
	}

	all := Run{Instances: []InstanceResult{{Status: StatusSuccess}, {Status: StatusSuccess}}}
	if got := all.Outcome(); got != StatusSuccess {
		t.Errorf("outcome = %s, want success", got)
	}
}

func TestRun_Tally(t *testing.T) {
	r := Run{Instances: []InstanceResult{
		{Status: StatusSuccess},
		{Status: StatusSuccess},
		{Status: StatusFailed},
		{Status: StatusCancelled},
	}}
	ok, failed, cancelled := r.Tally()
	if ok != 2 || failed != 1 || cancelled != 1 {
		t.Errorf("tally = %d/%d/%d", ok, failed, cancelled)
	}
}

func TestNewRun_AssignsIdentity(t *testing.T) {
	r := NewRun("ci", Event{Type: EventDispatch})
	if r.ID == "" {
		t.Errorf("run ID empty")
	}
	if r.Status != StatusPending {
		t.Errorf("status = %s, want pending", r.Status)
	}
	if r.Created.IsZero() {
		t.Errorf("created not set")
	}
}
