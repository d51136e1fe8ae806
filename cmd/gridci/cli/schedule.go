package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davarch/gridci/internal/application"
	"github.com/davarch/gridci/internal/infrastructure/config"
	"github.com/davarch/gridci/internal/infrastructure/logging"
	"github.com/davarch/gridci/internal/infrastructure/workflow_file"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the cron scheduler for registered workflows",
	Long: `Run the cron scheduler for registered workflows.

Every enabled workflow with an on.schedule trigger fires on its cron
expressions. Touching the pause file suspends firing without stopping
the process.`,
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Fatal("config", zap.Error(err))
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		deps := buildDeps(cfg, log)
		opts := application.RunOptions{
			MaxParallel:    cfg.Runner.MaxParallel,
			KeepWorkspaces: cfg.Runner.KeepWorkspaces,
		}
		uc := application.NewRunUseCase(deps, opts)
		svc := application.NewService(ctx, log, workflow_file.Loader{}, uc, registryFrom(cfg))

		entries := scheduleEntries(cfg, log)
		if len(entries) == 0 {
			log.Fatal("no enabled workflows with schedules")
		}

		sched := application.NewScheduler(log, svc, entries, cfg.Schedule.PauseFile)
		watchAndReload(cfgPath, log, func(cfg config.Config) {
			svc.UpdateWorkflows(registryFrom(cfg))
			sched.UpdateEntries(scheduleEntries(cfg, log))
		})

		log.Info("start",
			zap.String("version", version),
			zap.Int("workflows", len(entries)),
			zap.String("pause_file", cfg.Schedule.PauseFile),
		)
		sched.Run(ctx)

		// A fire at shutdown may still be running; let it archive.
		svc.Wait()
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}
