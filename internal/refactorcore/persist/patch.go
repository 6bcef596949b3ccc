package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm/clause"

	types "github.com/iama-platform/orchestrator-core/internal/domain/refactor"
)

// ApplyPatch is apply_patch's persistence half: insert one patch_attempts
// row with conflict-ignore on (job_id, attempt_number), then record a
// billable usage event keyed "{job_id}:L{phase}:{attempt_number}". Phase
// and ModelClass are the effective values the repair loop actually used,
// never a hard-coded L1.
func (a *Activities) ApplyPatch(ctx context.Context, in ApplyPatchInput) (err error) {
	ctx, end := startSpan(ctx, "persist.apply_patch", in.JobID)
	defer end(&err)
	heartbeat(ctx, "apply_patch")

	jobID, err := parseUUID("job_id", in.JobID)
	if err != nil {
		return err
	}

	db := a.db().WithContext(ctx)

	row := types.PatchAttempt{
		ID:            uuid.New(),
		JobID:         jobID,
		AttemptNumber: in.AttemptNumber,
		Phase:         in.Phase,
		ModelClass:    in.ModelClass,
		Outcome:       in.Outcome,
		CreatedAt:     time.Now().UTC(),
	}

	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "attempt_number"}},
		DoNothing: true,
	}).Create(&row).Error; err != nil {
		return fmt.Errorf("persist: insert patch_attempts: %w", err)
	}

	idempotencyKey := fmt.Sprintf("%s:L%d:%d", in.JobID, in.Phase, in.AttemptNumber)
	return a.RecordUsage(ctx, RecordUsageInput{
		JobID:          in.JobID,
		UserID:         in.UserID,
		EventType:      "patch_attempt",
		Quantity:       1,
		Billable:       true,
		IdempotencyKey: &idempotencyKey,
		Metadata: map[string]any{
			"attempt_number": in.AttemptNumber,
			"phase":          in.Phase,
			"model_class":    in.ModelClass,
		},
	})
}
