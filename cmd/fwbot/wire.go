package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/forsitet/fwbot/internal/cherrypick"
	"github.com/forsitet/fwbot/internal/config"
	"github.com/forsitet/fwbot/internal/git"
	"github.com/forsitet/fwbot/internal/github"
	"github.com/forsitet/fwbot/internal/logging"
	"github.com/forsitet/fwbot/internal/queue"
	"github.com/forsitet/fwbot/internal/repo/postgres"
	"github.com/forsitet/fwbot/internal/service"
)

// env is everything a command needs once the config is loaded.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
	store  *postgres.Store
	app    *service.App

	logFile io.Closer
}

func setup(ctx context.Context, configPath string) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, logFile := logging.New(cfg.Log)

	db, err := postgres.NewDB(ctx, cfg.DB.ConnString(), cfg.Queue.Workers, logger)
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}
	store := postgres.NewStore(db)

	tx := func(ctx context.Context, fn func(service.Store) error) error {
		return store.WithTx(ctx, func(s *postgres.Store) error { return fn(s) })
	}
	hosting := func(ctx context.Context, token string) (service.Hosting, error) {
		c, err := github.NewClient(ctx, token, cfg.GitHub.APIURL)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	tokens := func(project string) string {
		p, ok := cfg.Project(project)
		if !ok {
			return ""
		}
		return p.GitHubToken()
	}

	workspace := git.NewWorkspace(cfg.Workspace.CacheDir, cfg.GitHub.GitURL, logger)
	porter := service.NewGitPorter(workspace, cherrypick.NewEngine(logger), logger)

	app := service.NewApp(
		service.NewEventService(tx, hosting, tokens, logger, time.Now),
		service.NewCommandService(tx, hosting, tokens, logger),
		service.NewForwardPortService(hosting, tokens, porter, logger),
		service.NewUpdateService(hosting, tokens, porter, logger),
		service.NewReclaimService(hosting, tokens, logger),
		service.NewReminderService(tx, hosting, tokens, cfg.Reminder.Delay, logger, time.Now),
		service.NewSyncService(tx, hosting, tokens, logger),
	)

	return &env{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		store:   store,
		app:     app,
		logFile: logFile,
	}, nil
}

func (e *env) Close() {
	if err := e.db.Close(); err != nil {
		e.logger.Error("failed to close db", "error", err)
	}
	_ = e.logFile.Close()
}

func (e *env) queueOptions() queue.Options {
	return queue.Options{BatchSize: e.cfg.Queue.BatchSize, Workers: e.cfg.Queue.Workers}
}

func (e *env) forwardPortRunner() *queue.Runner[*postgres.Store] {
	retry := queue.RetryPolicy{Initial: e.cfg.Queue.BackoffInitial, Max: e.cfg.Queue.BackoffMax}
	return queue.NewRunner[*postgres.Store](
		postgres.NewForwardPortBacklog(e.db, retry, time.Now),
		func(ctx context.Context, s *postgres.Store, id int64) error {
			return e.app.ForwardPorts.Process(ctx, s, id)
		},
		e.queueOptions(),
		e.logger,
	)
}

func (e *env) updateRunner() *queue.Runner[*postgres.Store] {
	return queue.NewRunner[*postgres.Store](
		postgres.NewUpdateBacklog(e.db).RetryOn(service.IsRace),
		func(ctx context.Context, s *postgres.Store, id int64) error {
			return e.app.Updates.Process(ctx, s, id)
		},
		e.queueOptions(),
		e.logger,
	)
}

func (e *env) reclaimRunner(retention time.Duration) *queue.Runner[*postgres.Store] {
	return queue.NewRunner[*postgres.Store](
		postgres.NewBranchRemovalBacklog(e.db, retention, time.Now).RetryOn(service.IsRace),
		func(ctx context.Context, s *postgres.Store, id int64) error {
			return e.app.Reclaims.Process(ctx, s, id)
		},
		e.queueOptions(),
		e.logger,
	)
}

// syncProjects writes every configured project to the database.
func (e *env) syncProjects(ctx context.Context) ([]service.SyncResult, error) {
	results := make([]service.SyncResult, 0, len(e.cfg.Projects))
	for _, p := range e.cfg.Projects {
		res, err := e.app.Sync.SyncProject(ctx, p)
		if err != nil {
			return results, fmt.Errorf("sync project %s: %w", p.Name, err)
		}
		results = append(results, res)
	}
	return results, nil
}
