package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davarch/gridci/internal/domain"
)

const defaultStepTimeout = 5 * time.Minute

// RunDeps are the collaborators of a run. Reporter, Notifier, Secrets
// and Cache are optional; the rest are required.
type RunDeps struct {
	Runner   domain.StepRunner
	Spaces   domain.WorkspaceProvider
	Runtimes domain.RuntimeResolver
	Sources  domain.SourceFetcher
	Archiver domain.Archiver
	Reporter domain.Reporter
	Notifier domain.Notifier
	Secrets  domain.SecretSource
	Cache    domain.StatusCache
	Observer domain.RunObserver
	Logger   *zap.Logger
}

type RunOptions struct {
	// MaxParallel caps instances running at once across the whole run.
	// Jobs with their own max-parallel are capped additionally.
	MaxParallel int

	// KeepWorkspaces leaves instance directories behind for debugging.
	KeepWorkspaces bool

	// DefaultTimeout applies to steps without an explicit timeout.
	DefaultTimeout time.Duration

	// Force skips trigger matching, for manual runs of workflows whose
	// triggers would reject the event.
	Force bool

	// InstanceFilter, when set, drops instances it returns false for
	// before execution.
	InstanceFilter func(domain.Instance) bool
}

// RunUseCase executes one workflow run: it expands the matrix, runs
// every instance through its steps, and archives and reports the
// outcome. Instances are independent; one failing never stops its
// siblings.
type RunUseCase struct {
	deps RunDeps
	opts RunOptions
	log  *zap.Logger

	observer domain.RunObserver
}

func NewRunUseCase(deps RunDeps, opts RunOptions) *RunUseCase {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultStepTimeout
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Observer == nil {
		deps.Observer = domain.NopObserver{}
	}
	return &RunUseCase{
		deps:     deps,
		opts:     opts,
		log:      deps.Logger,
		observer: &lockedObserver{next: deps.Observer},
	}
}

// Execute runs the workflow for the given run record. The returned
// run carries the outcome; a failed run is a successful Execute. The
// error return covers refusals and setup problems only: trigger
// mismatch, secret loading, archive creation.
func (uc *RunUseCase) Execute(ctx context.Context, wf domain.Workflow, run domain.Run) (domain.Run, error) {
	if !uc.opts.Force && !wf.On.Match(run.Event) {
		return run, fmt.Errorf("%w: workflow %q has no %s trigger for this event",
			domain.ErrTriggerMismatch, wf.Name, run.Event.Type)
	}

	var secrets map[string]string
	if uc.deps.Secrets != nil {
		var err error
		if secrets, err = uc.deps.Secrets.Secrets(ctx); err != nil {
			run.Status = domain.StatusFailed
			return run, fmt.Errorf("failed to load secrets: %w", err)
		}
	}
	masker := NewMasker(secrets)

	instances := domain.ExpandWorkflow(wf)
	if uc.opts.InstanceFilter != nil {
		kept := instances[:0]
		for _, in := range instances {
			if uc.opts.InstanceFilter(in) {
				kept = append(kept, in)
			}
		}
		instances = kept
	}

	archive, err := uc.deps.Archiver.Begin(ctx, run)
	if err != nil {
		run.Status = domain.StatusFailed
		return run, fmt.Errorf("failed to open run archive: %w", err)
	}

	run.Status = domain.StatusRunning
	uc.observer.RunStarted(run, instances)
	uc.log.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("workflow", wf.Name),
		zap.String("event", string(run.Event.Type)),
		zap.Int("instances", len(instances)))

	results := make([]domain.InstanceResult, len(instances))

	sem := make(chan struct{}, uc.opts.MaxParallel)
	jobSems := make(map[string]chan struct{})
	for _, job := range wf.Jobs {
		if job.MaxParallel > 0 {
			jobSems[job.Name] = make(chan struct{}, job.MaxParallel)
		}
	}

	var wg sync.WaitGroup
	for i, in := range instances {
		wg.Add(1)
		go func(i int, in domain.Instance) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = uc.cancelInstance(in, archive)
				return
			}

			if jobSem := jobSems[in.Job]; jobSem != nil {
				select {
				case jobSem <- struct{}{}:
					defer func() { <-jobSem }()
				case <-ctx.Done():
					results[i] = uc.cancelInstance(in, archive)
					return
				}
			}

			results[i] = uc.runInstance(ctx, run, in, archive, masker, secrets)
		}(i, in)
	}
	wg.Wait()

	run.Instances = results
	run.Finished = time.Now().UTC()
	run.Status = run.Outcome()

	if err := archive.Finalize(run); err != nil {
		uc.log.Warn("failed to finalize run archive", zap.String("run_id", run.ID), zap.Error(err))
	}

	uc.finishRun(ctx, run)
	uc.observer.RunFinished(run)

	succeeded, failed, cancelled := run.Tally()
	uc.log.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed),
		zap.Int("cancelled", cancelled),
		zap.Duration("duration", run.Duration()))

	return run, nil
}

// finishRun delivers the outcome to the best-effort collaborators.
// The run's own context may already be cancelled; status still has to
// land.
func (uc *RunUseCase) finishRun(ctx context.Context, run domain.Run) {
	ctx = context.WithoutCancel(ctx)

	succeeded, failed, _ := run.Tally()

	if uc.deps.Cache != nil {
		snap := domain.Snapshot{
			RunID:     run.ID,
			Workflow:  run.Workflow,
			Status:    run.Status,
			Succeeded: succeeded,
			Failed:    failed,
			Total:     len(run.Instances),
			Retrieved: time.Now().Unix(),
		}
		if err := uc.deps.Cache.Write(ctx, snap); err != nil {
			uc.log.Warn("failed to write status snapshot", zap.Error(err))
		}
	}

	if uc.deps.Reporter != nil {
		if err := uc.deps.Reporter.Report(ctx, run); err != nil {
			uc.log.Warn("failed to report run status", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	if uc.deps.Notifier != nil {
		body := fmt.Sprintf("%s: %d/%d instances succeeded", run.Workflow, succeeded, len(run.Instances))
		if err := uc.deps.Notifier.Notify(ctx, titleFor(run.Status), body); err != nil {
			uc.log.Warn("failed to send notification", zap.Error(err))
		}
	}
}

func (uc *RunUseCase) runInstance(ctx context.Context, run domain.Run, in domain.Instance, archive domain.RunArchive, masker *Masker, secrets map[string]string) domain.InstanceResult {
	if ctx.Err() != nil {
		return uc.cancelInstance(in, archive)
	}

	res := domain.InstanceResult{
		Instance: in,
		Status:   domain.StatusRunning,
		Started:  time.Now().UTC(),
	}
	uc.observer.InstanceStarted(in)
	uc.log.Debug("instance started", zap.String("run_id", run.ID), zap.String("instance", in.Slug()))

	ws, err := uc.deps.Spaces.Provision(ctx, run.ID, in)
	if err != nil {
		return uc.failInstance(res, archive, fmt.Errorf("failed to provision workspace: %w", err))
	}
	if !uc.opts.KeepWorkspaces {
		defer func() {
			if err := uc.deps.Spaces.Cleanup(ws); err != nil {
				uc.log.Warn("failed to clean workspace", zap.String("instance", in.Slug()), zap.Error(err))
			}
		}()
	}

	// Variable layering, lowest to highest: workspace base env,
	// injected run and matrix variables, workflow and job env,
	// secrets. Step env goes on top during expansion.
	vars := envMap(ws.Env)
	vars["GRIDCI_RUN_ID"] = run.ID
	vars["GRIDCI_WORKFLOW"] = in.Workflow
	vars["GRIDCI_JOB"] = in.Job
	vars["GRIDCI_WORKSPACE"] = ws.Root
	vars["GRIDCI_EVENT"] = string(run.Event.Type)
	vars["GRIDCI_REF"] = run.Event.Ref
	for name, value := range domain.MatrixVars(in) {
		vars[name] = value
	}
	for name, value := range in.Env {
		vars[name] = value
	}
	for name, value := range secrets {
		vars[name] = value
	}

	failed := false
	cancelled := false
	res.Steps = make([]domain.StepResult, 0, len(in.Steps))

	for idx, step := range in.Steps {
		if failed || cancelled || ctx.Err() != nil {
			skipped := domain.StepResult{Name: step.Name, Status: domain.StatusSkipped}
			res.Steps = append(res.Steps, skipped)
			uc.recordStep(in, idx, skipped, archive)
			continue
		}

		sr := uc.runStep(ctx, run, in, idx, step, ws, vars, archive, masker)
		res.Steps = append(res.Steps, sr)

		switch sr.Status {
		case domain.StatusFailed:
			failed = true
			res.ExitCode = sr.ExitCode
			res.Error = fmt.Sprintf("step %q: %s", step.Name, sr.Error)
		case domain.StatusCancelled:
			cancelled = true
		}
	}

	res.Finished = time.Now().UTC()
	switch {
	case failed:
		res.Status = domain.StatusFailed
	case cancelled || ctx.Err() != nil:
		res.Status = domain.StatusCancelled
		res.ExitCode = -1
	default:
		res.Status = domain.StatusSuccess
	}

	if err := archive.InstanceFinished(res); err != nil {
		uc.log.Warn("failed to archive instance result", zap.String("instance", in.Slug()), zap.Error(err))
	}
	uc.observer.InstanceFinished(res)
	uc.log.Debug("instance finished",
		zap.String("run_id", run.ID),
		zap.String("instance", in.Slug()),
		zap.String("status", string(res.Status)))

	return res
}

func (uc *RunUseCase) runStep(ctx context.Context, run domain.Run, in domain.Instance, idx int, step domain.Step, ws domain.Workspace, vars map[string]string, archive domain.RunArchive, masker *Masker) domain.StepResult {
	res := domain.StepResult{
		Name:    step.Name,
		Status:  domain.StatusRunning,
		Started: time.Now().UTC(),
	}
	uc.observer.StepStarted(in, idx, step)

	sink, err := archive.StepLog(in, idx, step)
	if err != nil {
		res.Status = domain.StatusFailed
		res.ExitCode = -1
		res.Error = fmt.Sprintf("failed to open step log: %v", err)
		res.Finished = time.Now().UTC()
		uc.recordStep(in, idx, res, archive)
		return res
	}
	out := masker.Writer(sink)

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = uc.opts.DefaultTimeout
	}

	result, runErr := uc.dispatchStep(ctx, timeout, run, step, ws, vars, out, masker)

	if err := out.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to flush step log: %w", err)
	}
	if err := sink.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("failed to close step log: %w", err)
	}
	res.LogDigest = sink.Digest()
	res.Finished = time.Now().UTC()

	switch {
	case ctx.Err() != nil:
		res.Status = domain.StatusCancelled
		res.ExitCode = -1
		res.Error = "cancelled"
	case result.timedOut:
		res.Status = domain.StatusFailed
		res.ExitCode = -1
		res.Error = fmt.Sprintf("timed out after %s", timeout)
	case runErr != nil:
		res.Status = domain.StatusFailed
		res.ExitCode = -1
		res.Error = masker.MaskString(runErr.Error())
	case result.exitCode != 0:
		res.Status = domain.StatusFailed
		res.ExitCode = result.exitCode
		res.Error = fmt.Sprintf("exit code %d", result.exitCode)
	default:
		res.Status = domain.StatusSuccess
	}

	uc.recordStep(in, idx, res, archive)
	return res
}

type stepOutcome struct {
	exitCode int
	timedOut bool
}

// dispatchStep expands the step and routes it to its executor: a
// builtin action or the shell runner. Setup-runtime mutates vars so
// later steps of the same instance see the resolved runtime on PATH.
func (uc *RunUseCase) dispatchStep(ctx context.Context, timeout time.Duration, run domain.Run, step domain.Step, ws domain.Workspace, vars map[string]string, out io.Writer, masker *Masker) (stepOutcome, error) {
	expanded, err := domain.ExpandStep(step, vars)
	if err != nil {
		fmt.Fprintln(out, masker.MaskString(err.Error()))
		return stepOutcome{exitCode: -1}, err
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded)
	}

	switch expanded.Uses {
	case domain.UsesCheckout:
		err := uc.checkout(stepCtx, run, expanded, ws, out)
		if err != nil {
			return stepOutcome{exitCode: -1, timedOut: timedOut()}, err
		}
		return stepOutcome{}, nil

	case domain.UsesSetupRuntime:
		err := uc.setupRuntime(stepCtx, expanded, vars, out)
		if err != nil {
			return stepOutcome{exitCode: -1, timedOut: timedOut()}, err
		}
		return stepOutcome{}, nil

	default:
		result, err := uc.deps.Runner.Run(stepCtx, domain.Command{
			Script:      expanded.Run,
			Dir:         ws.Root,
			Env:         flattenEnv(domain.MergeEnv(vars, expanded.Env)),
			Stdout:      out,
			Stderr:      out,
			GracePeriod: expanded.GracePeriod,
		})
		return stepOutcome{exitCode: result.ExitCode, timedOut: timedOut()}, err
	}
}

func (uc *RunUseCase) checkout(ctx context.Context, run domain.Run, step domain.Step, ws domain.Workspace, out io.Writer) error {
	if uc.deps.Sources == nil {
		return errors.New("checkout: no source fetcher configured")
	}
	repo := step.With["repo"]
	if repo == "" {
		repo = run.Event.Repo
	}
	if repo == "" {
		return errors.New("checkout: no repository: set with.repo or trigger with one")
	}
	ref := step.With["ref"]
	if ref == "" {
		ref = run.Event.Ref
	}
	return uc.deps.Sources.Checkout(ctx, repo, ref, ws.Root, out)
}

func (uc *RunUseCase) setupRuntime(ctx context.Context, step domain.Step, vars map[string]string, out io.Writer) error {
	if uc.deps.Runtimes == nil {
		return errors.New("setup-runtime: no runtime resolver configured")
	}
	runtime := step.With["runtime"]
	if runtime == "" {
		return errors.New("setup-runtime: with.runtime is required")
	}

	tool, err := uc.deps.Runtimes.Resolve(ctx, runtime, step.With["version"], out)
	if err != nil {
		return err
	}

	if tool.BinDir != "" {
		if current := vars["PATH"]; current != "" {
			vars["PATH"] = tool.BinDir + ":" + current
		} else {
			vars["PATH"] = tool.BinDir
		}
	}

	location := tool.Path
	if location == "" {
		location = tool.BinDir
	}
	vars["GRIDCI_RUNTIME_"+domain.EnvVarName(tool.Runtime)] = location

	fmt.Fprintf(out, "%s %s ready (%s)\n", tool.Runtime, tool.Version, location)
	return nil
}

// cancelInstance records an instance that never got to run: every
// step skipped, the instance cancelled.
func (uc *RunUseCase) cancelInstance(in domain.Instance, archive domain.RunArchive) domain.InstanceResult {
	now := time.Now().UTC()
	res := domain.InstanceResult{
		Instance: in,
		Status:   domain.StatusCancelled,
		ExitCode: -1,
		Started:  now,
		Finished: now,
		Error:    "cancelled before start",
	}
	for idx, step := range in.Steps {
		skipped := domain.StepResult{Name: step.Name, Status: domain.StatusSkipped}
		res.Steps = append(res.Steps, skipped)
		uc.recordStep(in, idx, skipped, archive)
	}
	if err := archive.InstanceFinished(res); err != nil {
		uc.log.Warn("failed to archive instance result", zap.String("instance", in.Slug()), zap.Error(err))
	}
	uc.observer.InstanceFinished(res)
	return res
}

// failInstance records an instance that failed outside any step, with
// every step skipped.
func (uc *RunUseCase) failInstance(res domain.InstanceResult, archive domain.RunArchive, cause error) domain.InstanceResult {
	res.Status = domain.StatusFailed
	res.ExitCode = -1
	res.Error = cause.Error()
	res.Finished = time.Now().UTC()
	for idx, step := range res.Instance.Steps {
		skipped := domain.StepResult{Name: step.Name, Status: domain.StatusSkipped}
		res.Steps = append(res.Steps, skipped)
		uc.recordStep(res.Instance, idx, skipped, archive)
	}
	if err := archive.InstanceFinished(res); err != nil {
		uc.log.Warn("failed to archive instance result", zap.String("instance", res.Instance.Slug()), zap.Error(err))
	}
	uc.observer.InstanceFinished(res)
	return res
}

func (uc *RunUseCase) recordStep(in domain.Instance, idx int, res domain.StepResult, archive domain.RunArchive) {
	if err := archive.StepFinished(in, idx, res); err != nil {
		uc.log.Warn("failed to archive step result",
			zap.String("instance", in.Slug()),
			zap.Int("step", idx),
			zap.Error(err))
	}
	uc.observer.StepFinished(in, idx, res)
}

func titleFor(s domain.Status) string {
	switch s {
	case domain.StatusSuccess:
		return "✅ CI: success"
	case domain.StatusFailed:
		return "❌ CI: failed"
	case domain.StatusCancelled:
		return "⛔ CI: cancelled"
	default:
		return "ℹ️ CI: " + string(s)
	}
}

func envMap(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		if name, value, ok := strings.Cut(pair, "="); ok {
			out[name] = value
		}
	}
	return out
}

func flattenEnv(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for name, value := range vars {
		out = append(out, name+"="+value)
	}
	sort.Strings(out)
	return out
}

// lockedObserver serializes observer callbacks from parallel
// instances, honoring the RunObserver contract.
type lockedObserver struct {
	mu   sync.Mutex
	next domain.RunObserver
}

func (o *lockedObserver) RunStarted(run domain.Run, instances []domain.Instance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next.RunStarted(run, instances)
}

func (o *lockedObserver) InstanceStarted(in domain.Instance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next.InstanceStarted(in)
}

func (o *lockedObserver) StepStarted(in domain.Instance, index int, step domain.Step) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next.StepStarted(in, index, step)
}

func (o *lockedObserver) StepFinished(in domain.Instance, index int, res domain.StepResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next.StepFinished(in, index, res)
}

func (o *lockedObserver) InstanceFinished(res domain.InstanceResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next.InstanceFinished(res)
}

func (o *lockedObserver) RunFinished(run domain.Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.next.RunFinished(run)
}
