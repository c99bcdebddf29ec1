package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/jobs-orchestrator/internal/domain/jobs"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&jobs.Job{},
		&jobs.OutboxEvent{},
	)
}

// EnsureJobIndexes adds the Postgres-only indexes AutoMigrate cannot express.
func EnsureJobIndexes(db *gorm.DB) error {
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	// Claim scans: candidates in a given state ordered the way the loops pick them.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_jobs_claim
		ON jobs (state, priority DESC, creation_time ASC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_jobs_claim: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_jobs_workspace_created
		ON jobs (workspace_id, creation_time DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_jobs_workspace_created: %w", err)
	}
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_outbox_pending
		ON job_outbox (created_at)
		WHERE status = 'pending';
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_outbox_pending: %w", err)
	}
	return nil
}
