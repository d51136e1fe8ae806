package domain

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// MockRunner records every command it receives. Script, when set,
// decides the per-command result; otherwise every command succeeds.
// Safe for concurrent use: instances run in parallel.
type MockRunner struct {
	Script func(cmd Command) (CommandResult, error)

	mu    sync.Mutex
	Calls []Command
}

func (m *MockRunner) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, cmd)
	m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return CommandResult{ExitCode: -1}, err
	}
	if m.Script != nil {
		return m.Script(cmd)
	}
	return CommandResult{ExitCode: 0}, nil
}

func (m *MockRunner) Commands() []Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Command, len(m.Calls))
	copy(out, m.Calls)
	return out
}

// MockWorkspaces provisions real directories under Base so commands
// have a working directory to point at.
type MockWorkspaces struct {
	Base string
	Err  error

	mu      sync.Mutex
	Cleaned []string
}

func (m *MockWorkspaces) Provision(_ context.Context, runID string, in Instance) (Workspace, error) {
	if m.Err != nil {
		return Workspace{}, m.Err
	}
	root := filepath.Join(m.Base, runID, in.Slug())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Workspace{}, err
	}
	return Workspace{
		Root: root,
		Home: root,
		Tmp:  root,
		Env:  []string{"PATH=/usr/bin", "HOME=" + root, "TMPDIR=" + root},
	}, nil
}

func (m *MockWorkspaces) Cleanup(ws Workspace) error {
	m.mu.Lock()
	m.Cleaned = append(m.Cleaned, ws.Root)
	m.mu.Unlock()
	return nil
}

type MockResolver struct {
	Tool RuntimeTool
	Err  error

	mu       sync.Mutex
	Resolved []string
}

func (m *MockResolver) Resolve(_ context.Context, runtime, version string, _ io.Writer) (RuntimeTool, error) {
	m.mu.Lock()
	m.Resolved = append(m.Resolved, runtime+"@"+version)
	m.mu.Unlock()
	if m.Err != nil {
		return RuntimeTool{}, m.Err
	}
	tool := m.Tool
	if tool.Runtime == "" {
		tool = RuntimeTool{Runtime: runtime, Version: version, BinDir: "/opt/" + runtime + "/" + version + "/bin"}
	}
	return tool, nil
}

type MockFetcher struct {
	Err error

	mu        sync.Mutex
	Checkouts []string
}

func (m *MockFetcher) Checkout(_ context.Context, repo, ref, dest string, _ io.Writer) error {
	m.mu.Lock()
	m.Checkouts = append(m.Checkouts, repo+"@"+ref+"->"+dest)
	m.mu.Unlock()
	return m.Err
}

// MockArchiver hands out a single in-memory archive recording every
// call, shared across Begin invocations.
type MockArchiver struct {
	Archive *MockArchive
	Err     error
	Began   int
}

func (m *MockArchiver) Begin(_ context.Context, run Run) (RunArchive, error) {
	m.Began++
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Archive == nil {
		m.Archive = &MockArchive{}
	}
	m.Archive.Runs = append(m.Archive.Runs, run)
	return m.Archive, nil
}

type MockArchive struct {
	mu        sync.Mutex
	Runs      []Run
	Logs      map[string]*MockLogSink
	Steps     []StepResult
	Instances []InstanceResult
	Finalized []Run
}

func (a *MockArchive) StepLog(in Instance, index int, step Step) (LogSink, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Logs == nil {
		a.Logs = make(map[string]*MockLogSink)
	}
	sink := &MockLogSink{}
	a.Logs[fmt.Sprintf("%s/%d", in.Slug(), index)] = sink
	return sink, nil
}

func (a *MockArchive) StepFinished(_ Instance, _ int, res StepResult) error {
	a.mu.Lock()
	a.Steps = append(a.Steps, res)
	a.mu.Unlock()
	return nil
}

func (a *MockArchive) InstanceFinished(res InstanceResult) error {
	a.mu.Lock()
	a.Instances = append(a.Instances, res)
	a.mu.Unlock()
	return nil
}

func (a *MockArchive) Finalize(run Run) error {
	a.mu.Lock()
	a.Finalized = append(a.Finalized, run)
	a.mu.Unlock()
	return nil
}

type MockLogSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *MockLogSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *MockLogSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *MockLogSink) Digest() string {
	return "mock"
}

func (s *MockLogSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

type MockReporter struct {
	Err error

	mu       sync.Mutex
	Reported []Run
}

func (m *MockReporter) Report(_ context.Context, run Run) error {
	m.mu.Lock()
	m.Reported = append(m.Reported, run)
	m.mu.Unlock()
	return m.Err
}

type MockNotifier struct {
	Messages []string
	Err      error
}

func (n *MockNotifier) Notify(_ context.Context, title, body string) error {
	n.Messages = append(n.Messages, title+"|"+body)
	return n.Err
}

type MockSecrets struct {
	Values map[string]string
	Err    error
	Called int
}

func (m *MockSecrets) Secrets(context.Context) (map[string]string, error) {
	m.Called++
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Values, nil
}

type MockCache struct {
	Snapshots []Snapshot
	Err       error
}

func (c *MockCache) Write(_ context.Context, s Snapshot) error {
	if c.Err != nil {
		return c.Err
	}
	c.Snapshots = append(c.Snapshots, s)
	return nil
}

// MockObserver records progress callbacks as compact strings, in
// arrival order.
type MockObserver struct {
	mu     sync.Mutex
	Events []string
}

func (o *MockObserver) record(s string) {
	o.mu.Lock()
	o.Events = append(o.Events, s)
	o.mu.Unlock()
}

func (o *MockObserver) RunStarted(run Run, instances []Instance) {
	o.record(fmt.Sprintf("run-started %s %d", run.Workflow, len(instances)))
}

func (o *MockObserver) InstanceStarted(in Instance) {
	o.record("instance-started " + in.Slug())
}

func (o *MockObserver) StepStarted(in Instance, index int, step Step) {
	o.record(fmt.Sprintf("step-started %s %d %s", in.Slug(), index, step.Name))
}

func (o *MockObserver) StepFinished(in Instance, index int, res StepResult) {
	o.record(fmt.Sprintf("step-finished %s %d %s", in.Slug(), index, res.Status))
}

func (o *MockObserver) InstanceFinished(res InstanceResult) {
	o.record(fmt.Sprintf("instance-finished %s %s", res.Instance.Slug(), res.Status))
}

func (o *MockObserver) RunFinished(run Run) {
	o.record(fmt.Sprintf("run-finished %s", run.Status))
}

func (o *MockObserver) Recorded() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.Events))
	copy(out, o.Events)
	return out
}

type MockWorkflowLoader struct {
	Workflows map[string]Workflow
	Err       error
}

func (m *MockWorkflowLoader) Load(path string) (Workflow, error) {
	if m.Err != nil {
		return Workflow{}, m.Err
	}
	wf, ok := m.Workflows[path]
	if !ok {
		return Workflow{}, fmt.Errorf("no workflow at %s", path)
	}
	return wf, nil
}
