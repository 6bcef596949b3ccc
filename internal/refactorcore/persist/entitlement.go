package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/iama-platform/orchestrator-core/internal/domain/refactor"
	apperrors "github.com/iama-platform/orchestrator-core/internal/pkg/errors"
)

// WriteEntitlementSnapshot captures the job's entitlements at start: it
// reads the job's owner, looks up the owner's most recent ACTIVE
// subscription_tiers row (defaulting to FREE/SIMPLE/128000 context tokens
// when absent), and inserts one entitlement_snapshots row with
// conflict-ignore on job_id -- exactly one such row exists per job by the
// time it first enters ANALYZING.
func (a *Activities) WriteEntitlementSnapshot(ctx context.Context, in WriteEntitlementSnapshotInput) (out WriteEntitlementSnapshotOutput, err error) {
	ctx, end := startSpan(ctx, "persist.write_entitlement_snapshot", in.JobID)
	defer end(&err)
	heartbeat(ctx, "write_entitlement_snapshot")

	jobID, err := parseUUID("job_id", in.JobID)
	if err != nil {
		return out, err
	}

	db := a.db().WithContext(ctx)

	var job types.RefactorJob
	if err := db.Where("id = ?", jobID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return out, fmt.Errorf("persist: refactor job %s: %w", in.JobID, apperrors.ErrJobNotConfigured)
		}
		return out, fmt.Errorf("persist: load refactor_jobs: %w", err)
	}

	tier := string(types.TierFree)
	operatingMode := "SIMPLE"
	contextCap := 128000

	var sub types.SubscriptionTier
	err = db.Where("user_id = ? AND status = ?", job.OwnerID, "ACTIVE").
		Order("created_at DESC").
		Limit(1).
		First(&sub).Error
	if err == nil {
		tier = sub.Tier
		operatingMode = sub.OperatingMode
		contextCap = sub.ContextCap
	}

	webGithubEnabled := tier == string(types.TierEnterprise)

	phaseLimitsJSON, mErr := json.Marshal(types.PhaseAttemptCaps)
	if mErr != nil {
		return out, fmt.Errorf("persist: marshal phase_limits: %w", mErr)
	}

	row := types.EntitlementSnapshot{
		ID:               uuid.New(),
		JobID:            jobID,
		UserID:           job.OwnerID,
		Tier:             tier,
		OperatingMode:    operatingMode,
		ExecutionMode:    job.ExecutionMode,
		PhaseLimits:      datatypes.JSON(phaseLimitsJSON),
		WebGithubEnabled: webGithubEnabled,
		ContextCap:       contextCap,
		CreatedAt:        time.Now().UTC(),
	}

	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}},
		DoNothing: true,
	}).Create(&row).Error; err != nil {
		return out, fmt.Errorf("persist: insert entitlement_snapshots: %w", err)
	}

	out.Tier = tier
	out.OperatingMode = operatingMode
	out.ContextCap = contextCap
	out.WebGithubEnabled = webGithubEnabled
	return out, nil
}
