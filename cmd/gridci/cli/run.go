package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davarch/gridci/internal/application"
	"github.com/davarch/gridci/internal/domain"
	"github.com/davarch/gridci/internal/infrastructure/config"
	"github.com/davarch/gridci/internal/infrastructure/logging"
	"github.com/davarch/gridci/internal/infrastructure/workflow_file"
	"github.com/davarch/gridci/internal/tui"
)

// durationPrecision keeps printed durations readable without
// dropping sub-second steps to zero.
const durationPrecision = 100 * time.Millisecond

var (
	runEvent       string
	runBranch      string
	runBaseBranch  string
	runRef         string
	runRepo        string
	runSHA         string
	runInputs      []string
	runJob         string
	runMatrix      []string
	runForce       bool
	runKeep        bool
	runTUI         bool
	runMaxParallel int
)

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Run a workflow once and wait for the outcome",
	Long: `Run a workflow once and wait for the outcome.

<workflow> is a workflow file or the name of a registered workflow
from config.yaml. Without --event the workflow runs unconditionally
as a manual dispatch; with --event the workflow's triggers must match.

The exit code is 0 only when every matrix instance succeeded.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Fatal("config", zap.Error(err))
		}

		path, err := resolveWorkflowPath(args[0], cfg)
		if err != nil {
			log.Fatal("workflow", zap.Error(err))
		}

		wf, err := workflow_file.Load(path)
		if err != nil {
			log.Fatal("workflow", zap.Error(err))
		}

		ev, err := buildEvent()
		if err != nil {
			log.Fatal("event", zap.Error(err))
		}

		filter, err := instanceFilter()
		if err != nil {
			log.Fatal("filter", zap.Error(err))
		}

		if runMaxParallel <= 0 {
			runMaxParallel = cfg.Runner.MaxParallel
		}

		deps := buildDeps(cfg, log)
		opts := application.RunOptions{
			MaxParallel:    runMaxParallel,
			KeepWorkspaces: runKeep || cfg.Runner.KeepWorkspaces,
			Force:          runForce || !cmd.Flags().Changed("event"),
			InstanceFilter: filter,
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		run := domain.NewRun(wf.Name, ev)

		var result domain.Run
		if runTUI {
			result, err = executeWithTUI(ctx, deps, opts, wf, run)
		} else {
			deps.Observer = &consoleObserver{out: os.Stdout}
			result, err = application.NewRunUseCase(deps, opts).Execute(ctx, wf, run)
		}
		if err != nil {
			log.Fatal("run", zap.Error(err))
		}

		printRunSummary(os.Stdout, result)
		if result.Outcome() != domain.StatusSuccess {
			os.Exit(1)
		}
	},
}

func init() {
	runCmd.Flags().StringVar(&runEvent, "event", "dispatch", "event type: push, pull_request, dispatch, schedule")
	runCmd.Flags().StringVar(&runBranch, "branch", "", "branch the event refers to")
	runCmd.Flags().StringVar(&runBaseBranch, "base-branch", "", "pull request target branch")
	runCmd.Flags().StringVar(&runRef, "ref", "", "git ref to check out")
	runCmd.Flags().StringVar(&runRepo, "repo", "", "repository URL or local path for checkout steps")
	runCmd.Flags().StringVar(&runSHA, "sha", "", "head commit SHA")
	runCmd.Flags().StringArrayVar(&runInputs, "input", nil, "dispatch input as key=value (repeatable)")
	runCmd.Flags().StringVar(&runJob, "job", "", "run only this job")
	runCmd.Flags().StringArrayVar(&runMatrix, "matrix", nil, "run only instances matching axis=value (repeatable)")
	runCmd.Flags().BoolVar(&runForce, "force", false, "run even when the event does not match the triggers")
	runCmd.Flags().BoolVar(&runKeep, "keep-workspaces", false, "keep instance workspaces for debugging")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "show a live matrix view instead of log lines")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "cap on concurrently running instances (default from config)")

	rootCmd.AddCommand(runCmd)
}

// resolveWorkflowPath returns the file to load: a path that exists
// wins, otherwise the argument is looked up in the registry by name.
func resolveWorkflowPath(arg string, cfg config.Config) (string, error) {
	if _, err := os.Stat(arg); err == nil {
		return arg, nil
	}
	for _, w := range cfg.Workflows {
		if w.Name == arg {
			return w.File, nil
		}
	}
	return "", fmt.Errorf("workflow %q is neither a file nor a registered name", arg)
}

func buildEvent() (domain.Event, error) {
	typ, err := domain.ParseEventType(runEvent)
	if err != nil {
		return domain.Event{}, err
	}

	var inputs map[string]string
	for _, kv := range runInputs {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return domain.Event{}, fmt.Errorf("invalid --input %q, expected key=value", kv)
		}
		if inputs == nil {
			inputs = make(map[string]string)
		}
		inputs[name] = value
	}

	return domain.Event{
		Type:       typ,
		Repo:       runRepo,
		Ref:        runRef,
		Branch:     runBranch,
		BaseBranch: runBaseBranch,
		HeadSHA:    runSHA,
		Inputs:     inputs,
	}, nil
}

func instanceFilter() (func(domain.Instance) bool, error) {
	if runJob == "" && len(runMatrix) == 0 {
		return nil, nil
	}

	pairs := make(map[string]string, len(runMatrix))
	for _, m := range runMatrix {
		axis, value, ok := strings.Cut(m, "=")
		if !ok || axis == "" {
			return nil, fmt.Errorf("invalid --matrix %q, expected axis=value", m)
		}
		pairs[axis] = value
	}

	return func(in domain.Instance) bool {
		if runJob != "" && in.Job != runJob {
			return false
		}
		for axis, want := range pairs {
			got, ok := in.Value(axis)
			if !ok || got != want {
				return false
			}
		}
		return true
	}, nil
}

// executeWithTUI runs the use case in the background and drives the
// live view in the foreground. Quitting the view detaches; the run
// keeps going.
func executeWithTUI(ctx context.Context, deps application.RunDeps, opts application.RunOptions, wf domain.Workflow, run domain.Run) (domain.Run, error) {
	p := tea.NewProgram(tui.NewRunModel(wf.Name, run), tea.WithAltScreen())
	deps.Observer = tui.NewObserver(p)
	uc := application.NewRunUseCase(deps, opts)

	done := make(chan struct{})
	var (
		result  domain.Run
		execErr error
	)
	go func() {
		defer close(done)
		result, execErr = uc.Execute(ctx, wf, run)
	}()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "tui error: %v\n", err)
	}

	select {
	case <-done:
	default:
		fmt.Fprintln(os.Stderr, "detached from live view; run continues (ctrl-c aborts)")
		<-done
	}
	return result, execErr
}

// consoleObserver prints run progress as log lines for non-TUI runs.
type consoleObserver struct {
	out io.Writer
}

func (o *consoleObserver) RunStarted(run domain.Run, instances []domain.Instance) {
	fmt.Fprintf(o.out, "run %s: %d instances\n", shortRunID(run.ID), len(instances))
}

func (o *consoleObserver) InstanceStarted(in domain.Instance) {
	fmt.Fprintf(o.out, "[%s] started\n", in.Name())
}

func (o *consoleObserver) StepStarted(in domain.Instance, index int, step domain.Step) {
	fmt.Fprintf(o.out, "[%s] step %d/%d: %s\n", in.Name(), index+1, len(in.Steps), step.Name)
}

func (o *consoleObserver) StepFinished(in domain.Instance, _ int, res domain.StepResult) {
	switch res.Status {
	case domain.StatusSuccess:
		fmt.Fprintf(o.out, "[%s] ✓ %s (%s)\n", in.Name(), res.Name, res.Duration().Round(durationPrecision))
	case domain.StatusFailed:
		fmt.Fprintf(o.out, "[%s] ✗ %s (exit %d)\n", in.Name(), res.Name, res.ExitCode)
	case domain.StatusCancelled:
		fmt.Fprintf(o.out, "[%s] ○ %s (cancelled)\n", in.Name(), res.Name)
	}
	// Skipped steps stay silent; the summary table carries them.
}

func (o *consoleObserver) InstanceFinished(res domain.InstanceResult) {
	switch res.Status {
	case domain.StatusFailed:
		fmt.Fprintf(o.out, "[%s] failed (exit %d)\n", res.Instance.Name(), res.ExitCode)
	default:
		fmt.Fprintf(o.out, "[%s] %s\n", res.Instance.Name(), res.Status)
	}
}

func (o *consoleObserver) RunFinished(domain.Run) {}

func printRunSummary(out io.Writer, run domain.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "INSTANCE\tSTATUS\tEXIT\tDURATION")
	for _, in := range run.Instances {
		dur := "--"
		if !in.Started.IsZero() && !in.Finished.IsZero() {
			dur = in.Finished.Sub(in.Started).Round(durationPrecision).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", in.Instance.Name(), in.Status, in.ExitCode, dur)
	}
	_ = w.Flush()

	succeeded, failed, cancelled := run.Tally()
	line := fmt.Sprintf("run %s: %d/%d succeeded", run.Outcome(), succeeded, len(run.Instances))
	if failed > 0 {
		line += fmt.Sprintf(", %d failed", failed)
	}
	if cancelled > 0 {
		line += fmt.Sprintf(", %d cancelled", cancelled)
	}
	fmt.Fprintf(out, "%s (run id %s)\n", line, shortRunID(run.ID))
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
