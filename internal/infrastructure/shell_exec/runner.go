package shell_exec

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/davarch/gridci/internal/domain"
)

// Runner executes step commands via `sh -c`. The shell is resolved
// through PATH rather than hardcoded to /bin/sh.
type Runner struct{}

func New() *Runner { return &Runner{} }

// Run executes the command in its own process group so that
// cancellation reaches the shell and all of its children; without
// Setpgid, children survive the signal and hold the output pipes
// open. The command sees exactly spec.Env, nothing inherited.
//
// With a zero grace period, cancellation SIGKILLs the group at once.
// With a positive one, the group first gets SIGTERM and is SIGKILLed
// only after the grace period expires.
func (r *Runner) Run(ctx context.Context, spec domain.Command) (domain.CommandResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", spec.Script)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.GracePeriod > 0 {
		grace := spec.GracePeriod
		cmd.Cancel = func() error {
			processGroupID := -cmd.Process.Pid
			if err := syscall.Kill(processGroupID, syscall.SIGTERM); err != nil {
				// SIGTERM failed (group already gone), escalate.
				return syscall.Kill(processGroupID, syscall.SIGKILL)
			}
			go func() {
				time.Sleep(grace)
				// ESRCH from a dead group is harmless.
				_ = syscall.Kill(processGroupID, syscall.SIGKILL)
			}()
			return nil
		}
	} else {
		cmd.Cancel = func() error {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
	}

	err := cmd.Run()
	if err == nil {
		return domain.CommandResult{ExitCode: 0}, nil
	}

	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		// Includes signal deaths: ExitCode() is -1 for those. The
		// caller tells a timeout kill from a real failure by
		// inspecting its context.
		return domain.CommandResult{ExitCode: exitError.ExitCode()}, nil
	}

	return domain.CommandResult{ExitCode: -1}, err
}
