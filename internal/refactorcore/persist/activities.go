// Package persist implements the idempotent persistence activities and the
// test-run activity. Every method uses the *gorm.DB handle injected on
// Activities, so tests can hand in a transaction-scoped handle, and
// conflict-ignore inserts (clause.OnConflict{DoNothing: true}) replace
// SELECT-then-INSERT races.
package persist

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.temporal.io/sdk/activity"
	"gorm.io/gorm"

	"github.com/iama-platform/orchestrator-core/internal/observability"
	apperrors "github.com/iama-platform/orchestrator-core/internal/pkg/errors"
	"github.com/iama-platform/orchestrator-core/internal/platform/logger"
)

// Activities bundles the five persistence contracts behind one Temporal
// activity-registration surface (one struct, methods registered
// individually).
type Activities struct {
	Log *logger.Logger
	DB  *gorm.DB
}

func (a *Activities) db() *gorm.DB { return a.DB }

var tracer = observability.Tracer("persist")

// startSpan opens a span for one activity invocation; the returned end func
// records the activity's error (if any) on the span before closing it.
func startSpan(ctx context.Context, name string, jobID string) (context.Context, func(err *error)) {
	ctx, span := tracer.Start(ctx, name)
	if jobID != "" {
		span.SetAttributes(attribute.String("refactorcore.job_id", jobID))
	}
	return ctx, func(err *error) {
		if err != nil && *err != nil {
			span.RecordError(*err)
			span.SetStatus(codes.Error, (*err).Error())
		}
		span.End()
	}
}

// heartbeat records an activity heartbeat when ctx actually belongs to a
// Temporal activity invocation; direct calls (tests, tooling) skip it.
func heartbeat(ctx context.Context, details ...any) {
	if activity.IsActivity(ctx) {
		activity.RecordHeartbeat(ctx, details...)
	}
}

// parseUUID wraps a malformed identifier in ErrInvalidArgument so callers and
// retry policies can tell a bad input from a transient database failure.
func parseUUID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("persist: %s %q: %w", field, raw, apperrors.ErrInvalidArgument)
	}
	return id, nil
}
