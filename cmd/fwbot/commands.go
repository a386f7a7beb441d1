package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	fwhttp "github.com/forsitet/fwbot/internal/api/http"
	"github.com/forsitet/fwbot/internal/queue"
	"github.com/forsitet/fwbot/internal/repo/postgres"
	"github.com/forsitet/fwbot/internal/telemetry"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "fwbot",
		Short:        "Forward-port merged pull requests to the following branches",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration")

	root.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newReclaimCmd(&configPath),
		newRemindCmd(&configPath),
		newSyncConfigCmd(&configPath),
	)
	return root
}

// withEnv loads the configuration and runs fn, closing everything afterwards.
func withEnv(cmd *cobra.Command, configPath string, fn func(ctx context.Context, e *env) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive events over HTTP and process the queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, *configPath, func(ctx context.Context, e *env) error {
				shutdownTelemetry, err := telemetry.Init(ctx)
				if err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := shutdownTelemetry(sctx); err != nil {
						e.logger.Error("failed to flush metrics", "error", err)
					}
				}()

				if err := postgres.RunMigrations(ctx, e.db, e.logger); err != nil {
					return err
				}
				if _, err := e.syncProjects(ctx); err != nil {
					return err
				}

				scheduler := queue.NewScheduler(e.cfg.Queue.Interval, e.logger)
				queue.Add(scheduler, e.forwardPortRunner())
				queue.Add(scheduler, e.updateRunner())
				queue.Add(scheduler, e.reclaimRunner(e.cfg.Reclaim.Retention))

				server := fwhttp.NewServer(e.app, e.store, e.logger)
				srv := &http.Server{
					Addr:              e.cfg.HTTPAddr(),
					Handler:           fwhttp.NewRouter(server, e.logger),
					ReadHeaderTimeout: 10 * time.Second,
				}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return scheduler.Run(gctx)
				})
				g.Go(func() error {
					e.logger.Info("http server listening", "addr", srv.Addr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("http server: %w", err)
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					e.logger.Info("shutting down")
					return srv.Shutdown(sctx)
				})
				return g.Wait()
			})
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, *configPath, func(ctx context.Context, e *env) error {
				if err := postgres.RunMigrations(ctx, e.db, e.logger); err != nil {
					return err
				}
				v, err := postgres.MigrationVersion(ctx, e.db, e.logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
				return nil
			})
		},
	}
}

func newReclaimCmd(configPath *string) *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Delete the branches of forward-ports merged longer ago than the retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, *configPath, func(ctx context.Context, e *env) error {
				if retention == 0 {
					retention = e.cfg.Reclaim.Retention
				}
				runner := e.reclaimRunner(retention)

				var total queue.Stats
				for {
					stats, err := runner.RunOnce(ctx)
					if err != nil {
						return err
					}
					total.Completed += stats.Completed
					total.Failed += stats.Failed
					if stats.Completed+stats.Failed == 0 {
						break
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d, failed %d\n", total.Completed, total.Failed)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "minimum age of merges to reclaim (defaults to reclaim.retention)")
	return cmd
}

func newRemindCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Remind authors of merged pull requests about pending forward-ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, *configPath, func(ctx context.Context, e *env) error {
				sent, err := e.app.Reminders.Remind(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sent %d reminders\n", sent)
				return nil
			})
		},
	}
}

func newSyncConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-config",
		Short: "Write the configured projects, repositories and branches to the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, *configPath, func(ctx context.Context, e *env) error {
				results, err := e.syncProjects(ctx)
				for _, res := range results {
					line := fmt.Sprintf("%s: bot %q", res.Project.Name, res.Project.BotLogin)
					if res.Inserted != "" {
						line += fmt.Sprintf(", inserted %s, scheduled %d forward-ports", res.Inserted, res.Scheduled)
					}
					fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return err
			})
		},
	}
}
