package db

import (
	types "github.com/iama-platform/orchestrator-core/internal/domain/refactor"
	"gorm.io/gorm"
)

// AutoMigrateAll creates/updates the tables this core owns. Schema
// administration beyond this belongs to the platform's own tooling.
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.RefactorJob{},
		&types.AuditEvent{},
		&types.UsageLedgerEntry{},
		&types.PatchAttempt{},
		&types.TestRun{},
		&types.EntitlementSnapshot{},
		&types.SpecRevision{},
		&types.SubscriptionTier{},
	)
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	return nil
}
