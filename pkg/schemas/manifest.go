package schemas

import "time"

// Schema identifiers stamped into persisted documents.
const (
	SchemaManifest    = "manifest.v1"
	SchemaGates       = "gates.v1"
	SchemaTickLedger  = "tick_ledger.v1"
	SchemaFoundBy     = "found_by.v1"
	SchemaBlockedURLs = "blocked_urls.v1"
	SchemaFixtures    = "citations_fixtures.v1"
	SchemaDirectives  = "retry_directives.v1"
	SchemaHalt        = "halt.v1"
	SchemaPointer     = "pointer.v1"
	SchemaCheckpoint  = "watchdog_checkpoint.v1"
)

// Manifest is the canonical run-state document: the single source of
// truth for where a run is and what it is allowed to do next. Every
// accepted write increments Revision by exactly one; writers must
// present the revision they read (optimistic concurrency).
type Manifest struct {
	Schema    string    `json:"schema"`
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Revision  int64     `json:"revision"`
	Status    string    `json:"status"`
	Stage     StageState `json:"stage"`
	Query     Query      `json:"query"`
	Artifacts Artifacts  `json:"artifacts"`
	Metrics   Metrics    `json:"metrics"`
}

// StageState tracks the current stage and its clocks. StartedAt is
// reset on every accepted transition; LastProgressAt is the optional
// heartbeat and defaults to StartedAt when absent.
type StageState struct {
	Current        string     `json:"current"`
	StartedAt      time.Time  `json:"started_at"`
	LastProgressAt *time.Time `json:"last_progress_at,omitempty"`
}

// Query holds the research question and the immutable-after-init
// constraint snapshot.
type Query struct {
	Topic       string      `json:"topic"`
	Constraints Constraints `json:"constraints"`
}

// Constraints is the run configuration snapshot. It is resolved once at
// init (env over run-local config over defaults) and captured here;
// after init the manifest copy is authoritative.
type Constraints struct {
	SensitivityTier     string           `json:"sensitivity_tier"`
	OnlineValidation    bool             `json:"online_validation"`
	MaxPerspectives     int              `json:"max_perspectives"`
	RetryCaps           map[string]int   `json:"retry_caps,omitempty"`
	StageTimeoutSeconds map[string]int64 `json:"stage_timeout_seconds,omitempty"`
	Endpoints           EndpointConfig   `json:"endpoints"`
	Telemetry           TelemetryConfig  `json:"telemetry"`
}

// EndpointConfig configures the citations validation ladder.
type EndpointConfig struct {
	BrightDataURL   string `json:"bright_data_url,omitempty"`
	BrightDataToken string `json:"bright_data_token,omitempty"`
	ApifyURL        string `json:"apify_url,omitempty"`
	ApifyToken      string `json:"apify_token,omitempty"`
	StepTimeoutSecs int64  `json:"step_timeout_seconds,omitempty"`
}

// TelemetryConfig configures the optional best-effort mirrors. An empty
// ProjectID disables them entirely.
type TelemetryConfig struct {
	ProjectID  string `json:"project_id,omitempty"`
	Topic      string `json:"topic,omitempty"`
	Collection string `json:"collection,omitempty"`
}

// Artifacts records the canonical relative paths for every artifact
// kind this run produces, keyed by artifact kind.
type Artifacts struct {
	Paths map[string]string `json:"paths"`
}

// Metrics accumulates run-level counters and the append-only retry
// history.
type Metrics struct {
	TicksAttempted int           `json:"ticks_attempted"`
	RetryHistory   []RetryRecord `json:"retry_history,omitempty"`
}

// RetryRecord is one entry in the append-only retry history.
type RetryRecord struct {
	GateID     string    `json:"gate_id"`
	ChangeNote string    `json:"change_note"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RetryCap returns the configured retry cap for a gate, falling back to
// the default of 2.
func (c Constraints) RetryCap(gateID string) int {
	if cap, ok := c.RetryCaps[gateID]; ok {
		return cap
	}
	return 2
}

// TimeoutSeconds returns the watchdog budget for a stage, honoring
// per-run overrides.
func (c Constraints) TimeoutSeconds(stage string) int64 {
	if v, ok := c.StageTimeoutSeconds[stage]; ok {
		return v
	}
	if v, ok := DefaultStageTimeoutSeconds[stage]; ok {
		return v
	}
	return 1800
}

// AuditRecord is one line of logs/audit.jsonl, appended after every
// accepted mutation of the manifest or gates document.
type AuditRecord struct {
	TS       time.Time `json:"ts"`
	Reason   string    `json:"reason"`
	Revision int64     `json:"revision"`
	Doc      string    `json:"doc,omitempty"`
}
