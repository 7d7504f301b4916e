package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestContainer starts a PostgreSQL container for integration tests.
func setupTestContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()

	postgresContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		postgres.WithDatabase("vidproof_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	return postgresContainer, connStr
}

// createTestTables creates the schema directly, mirroring the migration
// files, so tests do not depend on the migrations directory location.
func createTestTables(ctx context.Context, db *Database) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS files (
			id UUID PRIMARY KEY,
			job_id UUID,
			kind VARCHAR(20) NOT NULL CHECK (kind IN ('original', 'report', 'clean_video')),
			original_filename VARCHAR(255) NOT NULL,
			stored_filename VARCHAR(255) NOT NULL,
			file_path TEXT NOT NULL,
			file_size BIGINT NOT NULL,
			media_type VARCHAR(100) NOT NULL,
			checksum VARCHAR(64) NOT NULL,
			cdn_url TEXT,
			cdn_uploaded BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id UUID PRIMARY KEY,
			status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			error_message TEXT,
			webhook_url TEXT,
			original_file_id UUID NOT NULL REFERENCES files(id),
			report_file_id UUID REFERENCES files(id),
			clean_video_id UUID REFERENCES files(id),
			video_metadata JSONB,
			classification VARCHAR(50),
			confidence DOUBLE PRECISION
		)`,

		`CREATE TABLE IF NOT EXISTS stages (
			job_id UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			name VARCHAR(50) NOT NULL,
			status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
			progress INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			error_message TEXT,
			result JSONB,
			ordinal SERIAL,
			PRIMARY KEY (job_id, name)
		)`,
	}

	for _, tableSQL := range tables {
		if _, err := db.pool.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)",
		"CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_stages_job ON stages(job_id)",
		"CREATE INDEX IF NOT EXISTS idx_files_job ON files(job_id)",
	}

	for _, indexSQL := range indexes {
		if _, err := db.pool.Exec(ctx, indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// clearTestData removes all rows between subtests.
func clearTestData(ctx context.Context, db *Database) error {
	for _, table := range []string{"stages", "jobs", "files"} {
		if _, err := db.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("failed to clear table %s: %w", table, err)
		}
	}
	return nil
}
