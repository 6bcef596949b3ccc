package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	types "github.com/iama-platform/orchestrator-core/internal/domain/refactor"
)

// RecordUsage is the record_usage activity. A "counter_update" event is a
// projection write (attempt_count/identical_failure_count/fingerprint) onto
// refactor_jobs, a no-op if the row is absent; every other event requires a
// non-null idempotency_key and inserts one usage_ledger row with
// conflict-ignore on that key.
func (a *Activities) RecordUsage(ctx context.Context, in RecordUsageInput) (err error) {
	ctx, end := startSpan(ctx, "persist.record_usage", in.JobID)
	defer end(&err)
	heartbeat(ctx, "record_usage")

	jobID, err := parseUUID("job_id", in.JobID)
	if err != nil {
		return err
	}

	db := a.db().WithContext(ctx)

	if in.EventType == "counter_update" {
		updates := map[string]any{"updated_at": time.Now().UTC()}
		if v, ok := in.Metadata["attempt_count"]; ok {
			updates["attempt_count"] = v
		}
		if v, ok := in.Metadata["identical_failure_count"]; ok {
			updates["identical_failure_count"] = v
		}
		if v, ok := in.Metadata["failure_pattern_fingerprint"]; ok {
			updates["failure_pattern_fingerprint"] = v
		}
		res := db.Model(&types.RefactorJob{}).Where("id = ?", jobID).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("persist: update refactor_jobs counters: %w", res.Error)
		}
		return nil
	}

	if in.IdempotencyKey == nil || *in.IdempotencyKey == "" {
		return nil
	}

	userID, err := parseUUID("user_id", in.UserID)
	if err != nil {
		return err
	}

	metaJSON, err := marshalMetadata(in.Metadata)
	if err != nil {
		return fmt.Errorf("persist: marshal metadata: %w", err)
	}

	row := types.UsageLedgerEntry{
		ID:             uuid.New(),
		UserID:         userID,
		JobID:          jobID,
		EventType:      in.EventType,
		Quantity:       in.Quantity,
		Billable:       in.Billable,
		IdempotencyKey: in.IdempotencyKey,
		Metadata:       metaJSON,
		CreatedAt:      time.Now().UTC(),
	}

	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("persist: insert usage_ledger: %w", err)
	}
	return nil
}
