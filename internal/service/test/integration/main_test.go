package integration

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/forsitet/fwbot/internal/domain"
	"github.com/forsitet/fwbot/internal/repo/postgres"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

// startPostgres returns TEST_DATABASE_CONN, or starts a throwaway container
// when it is not set.
func startPostgres(t *testing.T) string {
	t.Helper()
	if conn := os.Getenv("TEST_DATABASE_CONN"); conn != "" {
		return conn
	}
	if testing.Short() {
		t.Skip("TEST_DATABASE_CONN is not set, skipping integration tests in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("fwbot"),
		tcpostgres.WithUsername("fwbot"),
		tcpostgres.WithPassword("fwbot"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	conn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return conn
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	logger := discardLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := postgres.NewDB(ctx, startPostgres(t), 4, logger)
	require.NoError(t, err, "open test db")
	t.Cleanup(func() {
		_ = db.Close()
	})

	require.NoError(t, postgres.RunMigrations(ctx, db, logger), "run migrations")
	cleanupTables(t, db)
	return db
}

func cleanupTables(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
TRUNCATE branch_removal_tasks, update_tasks, forwardport_tasks,
         batch_pull_requests, batches, pull_requests,
         branches, repositories, projects
RESTART IDENTITY CASCADE`)
	require.NoError(t, err, "cleanup tables")
}

type seed struct {
	project  domain.Project
	repo     domain.Repository
	branches map[string]domain.Branch
}

// seedProject creates project "odoo" with repository odoo/odoo forked to
// fw-bot/odoo and the given branches in sequence order.
func seedProject(t *testing.T, store *postgres.Store, branches ...string) seed {
	t.Helper()
	ctx := context.Background()

	project, err := store.UpsertProject(ctx, "odoo")
	require.NoError(t, err)
	require.NoError(t, store.SetProjectIdentity(ctx, project.ID, "fw-bot", "fw-bot@example.com"))
	project, err = store.GetProject(ctx, project.ID)
	require.NoError(t, err)

	repo, err := store.UpsertRepository(ctx, domain.Repository{
		ProjectID:  project.ID,
		Name:       "odoo/odoo",
		ForkTarget: "fw-bot/odoo",
	})
	require.NoError(t, err)

	s := seed{project: project, repo: repo, branches: make(map[string]domain.Branch)}
	for i, name := range branches {
		b, err := store.UpsertBranch(ctx, domain.Branch{
			ProjectID: project.ID,
			Name:      name,
			Sequence:  i * 10,
			Active:    true,
			FPTarget:  true,
		})
		require.NoError(t, err)
		s.branches[name] = b
	}
	return s
}

func createPR(t *testing.T, store *postgres.Store, pr domain.PullRequest) domain.PullRequest {
	t.Helper()
	if pr.State == "" {
		pr.State = domain.PRStateOpened
	}
	require.NoError(t, store.CreatePR(context.Background(), &pr))
	require.NotZero(t, pr.ID)
	return pr
}
