package domain

import (
	"context"
	"io"
	"time"
)

// Command is one shell invocation prepared for a step: the script is
// handed to `sh -c` with exactly the given environment, working
// directory, and output sinks. Env is the complete environment; the
// runner must not merge in its own.
type Command struct {
	Script      string
	Dir         string
	Env         []string
	Stdout      io.Writer
	Stderr      io.Writer
	GracePeriod time.Duration
}

type CommandResult struct {
	ExitCode int
}

// StepRunner executes one command. A non-zero exit code is reported
// in the result, not as an error; the error return is reserved for
// failure to run at all (missing shell, cancelled context, timeout).
type StepRunner interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
}

// Workspace is the isolated filesystem context of one instance. Env
// is the scrubbed base environment: PATH and locale carried over,
// HOME and TMPDIR redirected inside the workspace, everything else
// dropped.
type Workspace struct {
	Root string
	Home string
	Tmp  string
	Env  []string
}

type WorkspaceProvider interface {
	Provision(ctx context.Context, runID string, in Instance) (Workspace, error)
	Cleanup(ws Workspace) error
}

// RuntimeTool is a resolved runtime: BinDir is prepended to the
// instance PATH, Path points at the interpreter itself.
type RuntimeTool struct {
	Runtime string
	Version string
	BinDir  string
	Path    string
}

// RuntimeResolver provisions a runtime for a setup-runtime step.
// Installer output is streamed to the step log.
type RuntimeResolver interface {
	Resolve(ctx context.Context, runtime, version string, output io.Writer) (RuntimeTool, error)
}

// SourceFetcher materializes the repository for a checkout step into
// dest. Tool output is streamed to the step log.
type SourceFetcher interface {
	Checkout(ctx context.Context, repo, ref, dest string, output io.Writer) error
}

// LogSink receives one step's output. Digest returns the digest of
// everything written; it is valid only after Close.
type LogSink interface {
	io.WriteCloser
	Digest() string
}

// Archiver persists runs. Begin is called once per run before any
// instance starts; the returned archive must tolerate concurrent
// calls from parallel instances.
type Archiver interface {
	Begin(ctx context.Context, run Run) (RunArchive, error)
}

type RunArchive interface {
	StepLog(in Instance, index int, step Step) (LogSink, error)
	StepFinished(in Instance, index int, res StepResult) error
	InstanceFinished(res InstanceResult) error
	Finalize(run Run) error
}

// RunStore reads archived runs back. Log returns one step's output,
// decompressed.
type RunStore interface {
	Runs(ctx context.Context) ([]Run, error)
	Run(ctx context.Context, id string) (Run, error)
	Log(ctx context.Context, runID, instanceSlug string, stepIndex int) ([]byte, error)
}

// Reporter delivers the finished run to an external status endpoint.
// Reporting is best-effort; failures never fail the run.
type Reporter interface {
	Report(ctx context.Context, run Run) error
}

type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// SecretSource supplies decrypted secrets injected into every
// instance environment and masked in captured logs.
type SecretSource interface {
	Secrets(ctx context.Context) (map[string]string, error)
}

type StatusCache interface {
	Write(ctx context.Context, s Snapshot) error
}

type WorkflowLoader interface {
	Load(path string) (Workflow, error)
}

// RunObserver receives run progress. Calls are serialized by the
// caller; implementations need not be safe for concurrent use.
type RunObserver interface {
	RunStarted(run Run, instances []Instance)
	InstanceStarted(in Instance)
	StepStarted(in Instance, index int, step Step)
	StepFinished(in Instance, index int, res StepResult)
	InstanceFinished(res InstanceResult)
	RunFinished(run Run)
}

// NopObserver implements RunObserver with no-ops, for embedding.
type NopObserver struct{}

func (NopObserver) RunStarted(Run, []Instance)             {}
func (NopObserver) InstanceStarted(Instance)               {}
func (NopObserver) StepStarted(Instance, int, Step)        {}
func (NopObserver) StepFinished(Instance, int, StepResult) {}
func (NopObserver) InstanceFinished(InstanceResult)        {}
func (NopObserver) RunFinished(Run)                        {}
