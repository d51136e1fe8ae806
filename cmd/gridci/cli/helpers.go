package cli

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/davarch/gridci/internal/application"
	"github.com/davarch/gridci/internal/cron"
	"github.com/davarch/gridci/internal/infrastructure/archive_fs"
	"github.com/davarch/gridci/internal/infrastructure/cache_fs"
	"github.com/davarch/gridci/internal/infrastructure/config"
	"github.com/davarch/gridci/internal/infrastructure/git_cli"
	"github.com/davarch/gridci/internal/infrastructure/notify_libnotify"
	"github.com/davarch/gridci/internal/infrastructure/secrets_age"
	"github.com/davarch/gridci/internal/infrastructure/shell_exec"
	"github.com/davarch/gridci/internal/infrastructure/status_http"
	"github.com/davarch/gridci/internal/infrastructure/toolcache_fs"
	"github.com/davarch/gridci/internal/infrastructure/workflow_file"
	"github.com/davarch/gridci/internal/infrastructure/workspace_fs"
)

func runsRoot(cfg config.Config) string {
	return filepath.Join(cfg.Runner.Workdir, "runs")
}

// buildDeps assembles the run collaborators from the config. The
// reporter stays nil unless a report URL is configured.
func buildDeps(cfg config.Config, log *zap.Logger) application.RunDeps {
	deps := application.RunDeps{
		Runner:   shell_exec.New(),
		Spaces:   workspace_fs.New(filepath.Join(cfg.Runner.Workdir, "workspaces")),
		Runtimes: toolcache_fs.New(cfg.Runner.ToolCache, cfg.Runner.Installers),
		Sources:  git_cli.New(),
		Archiver: archive_fs.NewStore(runsRoot(cfg)),
		Notifier: notify_libnotify.NewSoft(),
		Secrets:  secrets_age.New(cfg.Secrets.File, cfg.Secrets.Identity),
		Cache:    cache_fs.New(cfg.Cache.Path),
		Logger:   log,
	}
	if cfg.Report.URL != "" {
		deps.Reporter = status_http.New(cfg.Report.URL, cfg.Report.Token, cfg.Report.Timeout)
	}
	return deps
}

func registryFrom(cfg config.Config) []application.RegisteredWorkflow {
	out := make([]application.RegisteredWorkflow, 0, len(cfg.Workflows))
	for _, w := range cfg.Workflows {
		out = append(out, application.RegisteredWorkflow{
			Name:    w.Name,
			Path:    w.File,
			Enabled: w.Enabled,
		})
	}
	return out
}

// scheduleEntries loads every enabled workflow and parses its cron
// expressions. Broken files or expressions are logged and skipped; the
// scheduler runs with whatever parses.
func scheduleEntries(cfg config.Config, log *zap.Logger) []application.ScheduleEntry {
	var out []application.ScheduleEntry
	for _, w := range cfg.Workflows {
		if !w.Enabled {
			continue
		}

		wf, err := workflow_file.Load(w.File)
		if err != nil {
			log.Warn("failed to load workflow", zap.String("workflow", w.Name), zap.Error(err))
			continue
		}

		var schedules []cron.Schedule
		for _, s := range wf.On.Schedule {
			sched, err := cron.Parse(s.Cron)
			if err != nil {
				log.Warn("bad cron expression",
					zap.String("workflow", w.Name),
					zap.String("cron", s.Cron),
					zap.Error(err))
				continue
			}
			schedules = append(schedules, sched)
		}

		if len(schedules) > 0 {
			out = append(out, application.ScheduleEntry{Workflow: w.Name, Schedules: schedules})
		}
	}
	return out
}

// watchAndReload re-applies the config whenever the file changes.
// Events are debounced; editors produce several per save.
func watchAndReload(cfgPath string, log *zap.Logger, apply func(config.Config)) {
	if cfgPath == "" {
		return
	}

	dir := filepath.Dir(cfgPath)
	base := filepath.Base(cfgPath)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify init failed", zap.Error(err))
		return
	}

	go func() {
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		fire := func() {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				log.Warn("config reload failed", zap.Error(err))
				return
			}
			apply(cfg)
		}

		startTimer := func() {
			if timer == nil {
				timer = time.AfterFunc(300*time.Millisecond, fire)
				return
			}
			timer.Stop()
			timer.Reset(300 * time.Millisecond)
		}

		if err := w.Add(dir); err != nil {
			log.Warn("fsnotify add dir failed", zap.String("dir", dir), zap.Error(err))
			return
		}

		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}

				if filepath.Base(ev.Name) != base {
					continue
				}

				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					startTimer()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
}
