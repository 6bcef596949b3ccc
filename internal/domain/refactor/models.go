package refactor

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RefactorJob is the read-side projection of a job's durable state, updated
// by write_audit_event and record_usage. It is never the
// source of truth for control flow -- the workflow's own event history is --
// but it is what the rest of the platform (dashboards, billing) reads.
type RefactorJob struct {
	ID                        uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID                   uuid.UUID  `gorm:"column:owner_id;type:uuid;not null;index" json:"owner_id"`
	Status                    string     `gorm:"column:status;not null;index" json:"status"`
	AttemptCount              int        `gorm:"column:attempt_count;not null;default:0" json:"attempt_count"`
	IdenticalFailureCount     int        `gorm:"column:identical_failure_count;not null;default:0" json:"identical_failure_count"`
	FailurePatternFingerprint *string    `gorm:"column:failure_pattern_fingerprint" json:"failure_pattern_fingerprint,omitempty"`
	FailureReason             *string    `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	ExecutionMode             string     `gorm:"column:execution_mode;not null" json:"execution_mode"`
	CompletedAt               *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt                 time.Time  `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt                 time.Time  `gorm:"not null;default:now()" json:"updated_at"`
}

func (RefactorJob) TableName() string { return "refactor_jobs" }

// AuditEvent is an append-only ledger of every observable state transition
// and side effect recorded by write_audit_event.
type AuditEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID     uuid.UUID      `gorm:"column:job_id;type:uuid;not null;index" json:"job_id"`
	EventType string         `gorm:"column:event_type;not null;index" json:"event_type"`
	OldState  *string        `gorm:"column:old_state" json:"old_state,omitempty"`
	NewState  *string        `gorm:"column:new_state" json:"new_state,omitempty"`
	Surface   string         `gorm:"column:surface;not null;default:'SYSTEM'" json:"surface"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (AuditEvent) TableName() string { return "audit_events" }

// UsageLedgerEntry is a billable/non-billable usage record. Billable rows
// must carry a non-null, unique IdempotencyKey.
type UsageLedgerEntry struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID         uuid.UUID      `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	JobID          uuid.UUID      `gorm:"column:job_id;type:uuid;not null;index" json:"job_id"`
	EventType      string         `gorm:"column:event_type;not null;index" json:"event_type"`
	Quantity       float64        `gorm:"column:quantity;not null;default:0" json:"quantity"`
	Billable       bool           `gorm:"column:billable;not null;default:false" json:"billable"`
	IdempotencyKey *string        `gorm:"column:idempotency_key;uniqueIndex" json:"idempotency_key,omitempty"`
	Metadata       datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (UsageLedgerEntry) TableName() string { return "usage_ledger" }

// PatchAttempt is one generate_patch+apply_patch cycle. (job_id,
// attempt_number) is unique regardless of activity retries; ModelClass and
// Phase reflect the escalation phase that actually ran.
type PatchAttempt struct {
	ID            uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID         uuid.UUID `gorm:"column:job_id;type:uuid;not null;index:idx_patch_attempts_job_attempt,unique,priority:1" json:"job_id"`
	AttemptNumber int       `gorm:"column:attempt_number;not null;index:idx_patch_attempts_job_attempt,unique,priority:2" json:"attempt_number"`
	Phase         int       `gorm:"column:phase;not null" json:"phase"`
	ModelClass    string    `gorm:"column:model_class;not null" json:"model_class"`
	Outcome       string    `gorm:"column:outcome;not null" json:"outcome"`
	CreatedAt     time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (PatchAttempt) TableName() string { return "patch_attempts" }

// TestRun is one run_tests invocation. (job_id, attempt_number, run_type)
// is unique regardless of activity retries.
type TestRun struct {
	ID             uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID          uuid.UUID  `gorm:"column:job_id;type:uuid;not null;index:idx_test_runs_job_attempt_type,unique,priority:1" json:"job_id"`
	SpecRevisionID uuid.UUID  `gorm:"column:spec_revision_id;type:uuid;not null" json:"spec_revision_id"`
	AttemptNumber  int        `gorm:"column:attempt_number;not null;index:idx_test_runs_job_attempt_type,unique,priority:2" json:"attempt_number"`
	Phase          int        `gorm:"column:phase;not null" json:"phase"`
	RunType        string     `gorm:"column:run_type;not null;index:idx_test_runs_job_attempt_type,unique,priority:3" json:"run_type"`
	Status         string     `gorm:"column:status;not null;index" json:"status"`
	ExecutionMode  string     `gorm:"column:execution_mode;not null" json:"execution_mode"`
	CompletedAt    *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"not null;default:now();index" json:"created_at"`
}

func (TestRun) TableName() string { return "test_runs" }

// EntitlementSnapshot is the immutable capability set captured at job start
// (exactly one row per job_id, in place before ANALYZING is first
// entered).
type EntitlementSnapshot struct {
	ID               uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID            uuid.UUID      `gorm:"column:job_id;type:uuid;not null;uniqueIndex" json:"job_id"`
	UserID           uuid.UUID      `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	Tier             string         `gorm:"column:tier;not null" json:"tier"`
	OperatingMode    string         `gorm:"column:operating_mode;not null" json:"operating_mode"`
	ExecutionMode    string         `gorm:"column:execution_mode;not null" json:"execution_mode"`
	PhaseLimits      datatypes.JSON `gorm:"column:phase_limits;type:jsonb" json:"phase_limits,omitempty"`
	WebGithubEnabled bool           `gorm:"column:web_github_enabled;not null;default:false" json:"web_github_enabled"`
	ContextCap       int            `gorm:"column:context_cap;not null" json:"context_cap"`
	CreatedAt        time.Time      `gorm:"not null;default:now()" json:"created_at"`
}

func (EntitlementSnapshot) TableName() string { return "entitlement_snapshots" }

// SpecRevision marks a point in time at which a job's test/patch spec was
// (re)generated; run_tests links to the most recent one for the job.
type SpecRevision struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID     uuid.UUID `gorm:"column:job_id;type:uuid;not null;index" json:"job_id"`
	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (SpecRevision) TableName() string { return "spec_revisions" }

// SubscriptionTier is an append-only record of a user's subscription state;
// write_entitlement_snapshot reads the most recent ACTIVE row.
type SubscriptionTier struct {
	ID            uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID        uuid.UUID `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	Tier          string    `gorm:"column:tier;not null" json:"tier"`
	OperatingMode string    `gorm:"column:operating_mode;not null" json:"operating_mode"`
	ContextCap    int       `gorm:"column:context_cap;not null" json:"context_cap"`
	Status        string    `gorm:"column:status;not null;index" json:"status"`
	CreatedAt     time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (SubscriptionTier) TableName() string { return "subscription_tiers" }
