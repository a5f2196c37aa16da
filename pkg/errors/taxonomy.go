package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error codes, grouped by taxonomy class.
const (
	// Concurrency conflicts
	CodeRevisionMismatch = "REVISION_MISMATCH" // stale expected_revision on a CAS write

	// Lifecycle violations
	CodeUnknownGateID          = "UNKNOWN_GATE_ID"
	CodeLifecycleRuleViolation = "LIFECYCLE_RULE_VIOLATION"
	CodeInvalidState           = "INVALID_STATE"
	CodeInvalidTransition      = "INVALID_TRANSITION"

	// Missing preconditions (expected steady-state outcomes, not bugs)
	CodeRunAgentRequired = "RUN_AGENT_REQUIRED"
	CodeWave1PlanStale   = "WAVE1_PLAN_STALE"

	// Timeouts
	CodeWatchdogTimeout = "WATCHDOG_TIMEOUT"

	// I/O faults
	CodeNotFound    = "NOT_FOUND"
	CodeInvalidJSON = "INVALID_JSON"
	CodeWriteFailed = "WRITE_FAILED"

	// Retry accounting
	CodeRetryCapExceeded = "RETRY_CAP_EXCEEDED"

	// Terminal-status refusals
	CodeCancelled = "CANCELLED"

	// Ladder infrastructure
	CodeLadderConfigInvalid = "LADDER_CONFIG_INVALID"

	// Catch-all for unexpected internal faults surfaced by the tick layer
	CodeInternal = "INTERNAL"
)

// Error is the tagged result every component returns across its
// boundary. It serializes to the machine-readable {code, message,
// details} object the operator surface exposes.
type Error struct {
	Code          string         `json:"code"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	Retryable     bool           `json:"retryable"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// WithDetail attaches one detail key to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// ToJSON serializes the error for operator consumption.
func (e *Error) ToJSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// New creates an Error with the given code.
func New(code string, message string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		Retryable:     isRetryableCode(code),
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.New().String(),
	}
}

// Newf creates an Error with a formatted message.
func Newf(code string, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap converts an arbitrary error into a tagged Error. An existing
// *Error passes through unchanged so codes survive layering.
func Wrap(err error, code string) *Error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}
	return New(code, err.Error())
}

// CodeOf extracts the taxonomy code from an error, or CodeInternal for
// untagged errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}

// isRetryableCode marks codes a caller may sensibly retry after
// corrective action. Concurrency conflicts are retryable by re-reading;
// lifecycle violations and I/O faults are not.
func isRetryableCode(code string) bool {
	switch code {
	case CodeRevisionMismatch, CodeRunAgentRequired, CodeWatchdogTimeout:
		return true
	}
	return false
}
