package errors

import "errors"

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for auth failures.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrJobNotConfigured signals an activity was invoked against a job_id
	// with no refactor_jobs row, i.e. the workflow started without the
	// entitlement/job-row prologue having run.
	ErrJobNotConfigured = errors.New("job not configured")
)
