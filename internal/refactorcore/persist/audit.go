package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/iama-platform/orchestrator-core/internal/domain/refactor"
)

var terminalStates = map[string]bool{
	string(types.StateDelivered):        true,
	string(types.StateFailed):           true,
	string(types.StateFallbackRequired): true,
}

// WriteAuditEvent is the write_audit_event activity: an append-only insert
// into audit_events plus, for job.state_change events, a single targeted
// UPDATE of refactor_jobs.status (no read-modify-write).
func (a *Activities) WriteAuditEvent(ctx context.Context, in WriteAuditEventInput) (err error) {
	ctx, end := startSpan(ctx, "persist.write_audit_event", in.JobID)
	defer end(&err)
	heartbeat(ctx, "write_audit_event")

	jobID, err := parseUUID("job_id", in.JobID)
	if err != nil {
		return err
	}

	surface := in.Surface
	if surface == "" {
		surface = "SYSTEM"
	}

	metaJSON, err := marshalMetadata(in.Metadata)
	if err != nil {
		return fmt.Errorf("persist: marshal metadata: %w", err)
	}

	row := types.AuditEvent{
		ID:        uuid.New(),
		JobID:     jobID,
		EventType: in.EventType,
		OldState:  in.OldState,
		NewState:  in.NewState,
		Surface:   surface,
		Metadata:  metaJSON,
		CreatedAt: time.Now().UTC(),
	}

	db := a.db().WithContext(ctx)
	if err := db.Create(&row).Error; err != nil {
		return fmt.Errorf("persist: insert audit_events: %w", err)
	}

	if in.EventType != "job.state_change" || in.NewState == nil {
		return nil
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"status":     *in.NewState,
		"updated_at": now,
	}
	if terminalStates[*in.NewState] {
		updates["completed_at"] = now
	}
	if *in.NewState == string(types.StateFailed) {
		if reason, ok := in.Metadata["reason"].(string); ok && reason != "" {
			updates["failure_reason"] = reason
		}
	}

	if err := db.Model(&types.RefactorJob{}).Where("id = ?", jobID).Updates(updates).Error; err != nil {
		return fmt.Errorf("persist: update refactor_jobs.status: %w", err)
	}
	return nil
}

func marshalMetadata(m map[string]any) (datatypes.JSON, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
