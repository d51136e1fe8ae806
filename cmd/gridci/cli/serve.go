package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davarch/gridci/internal/application"
	"github.com/davarch/gridci/internal/infrastructure/api_http"
	"github.com/davarch/gridci/internal/infrastructure/archive_fs"
	"github.com/davarch/gridci/internal/infrastructure/config"
	"github.com/davarch/gridci/internal/infrastructure/logging"
	"github.com/davarch/gridci/internal/infrastructure/workflow_file"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API: event intake, dispatch, run archive",
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

		store := archive_fs.NewStore(runsRoot(cfg))
		api := api_http.NewServer(log, svc, store, cfg.API.Token)

		srv := &http.Server{
			Addr:              cfg.API.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		watchAndReload(cfgPath, log, func(cfg config.Config) {
			svc.UpdateWorkflows(registryFrom(cfg))
		})

		go func() {
			<-ctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			_ = srv.Shutdown(shutCtx)
		}()

		log.Info("start",
			zap.String("version", version),
			zap.String("addr", cfg.API.Addr),
			zap.Int("workflows", len(cfg.Workflows)),
			zap.String("runs", runsRoot(cfg)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", zap.Error(err))
		}

		// Accepted events may still be running; let them archive.
		svc.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
