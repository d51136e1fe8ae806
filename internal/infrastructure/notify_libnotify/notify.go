package notify_libnotify

import (
	"context"
	"os/exec"
	"strconv"
	"time"
)

type Notifier struct {
	soft bool
}

func New() *Notifier { return &Notifier{soft: false} }

// NewSoft swallows delivery errors, for headless machines without a
// notification daemon.
func NewSoft() *Notifier { return &Notifier{soft: true} }

type Options struct {
	Urgency string
	Expire  time.Duration
}

func (n *Notifier) Notify(ctx context.Context, title, body string) error {
	args := []string{
		"--app-name=gridci",
		title, body,
	}

	cmd := exec.CommandContext(ctx, "notify-send", args...)
	if err := cmd.Run(); err != nil {
		if n.soft {
			return nil
		}
		return err
	}
	return nil
}

func (n *Notifier) NotifyWith(ctx context.Context, title, body string, opt Options) error {
	args := []string{"--app-name=gridci"}
	if opt.Urgency != "" {
		args = append(args, "--urgency="+opt.Urgency)
	}
	if opt.Expire > 0 {
		ms := strconv.Itoa(int(opt.Expire / time.Millisecond))
		args = append(args, "--expire-time="+ms)
	}
	args = append(args, title, body)

	cmd := exec.CommandContext(ctx, "notify-send", args...)
	if err := cmd.Run(); err != nil {
		if n.soft {
			return nil
		}
		return err
	}

	return nil
}
