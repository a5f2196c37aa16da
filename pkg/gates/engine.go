// Package gates implements the gate lifecycle engine. Gate results are
// computed by callers; the engine's only job is to guarantee that
// recording a result can never corrupt lifecycle invariants, no matter
// who computed it.
package gates

import (
	"time"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

// Engine mediates all writes of one gates document.
type Engine struct {
	Path      string
	AuditPath string
	Now       func() time.Time
}

// NewEngine builds an engine over a run root's canonical paths.
func NewEngine(paths schemas.RunPaths) *Engine {
	return &Engine{
		Path:      paths.Gates,
		AuditPath: paths.AuditLog,
		Now:       time.Now,
	}
}

// Update carries the whitelisted per-gate fields a write may merge.
// Class is deliberately absent: it is immutable once set.
type Update struct {
	Status    *string
	CheckedAt *time.Time
	Metrics   map[string]float64
	Artifacts []string
	Warnings  []string
	Notes     *string
}

// WriteResult reports an accepted gates write.
type WriteResult struct {
	OK          bool      `json:"ok"`
	NewRevision int64     `json:"new_revision"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Read loads and validates the gates document.
func (e *Engine) Read() (*schemas.GatesDoc, error) {
	var doc schemas.GatesDoc
	if err := fsstore.ReadJSON(e.Path, &doc); err != nil {
		return nil, err
	}
	if doc.Schema != schemas.SchemaGates {
		return nil, errors.Newf(errors.CodeInvalidJSON, "unexpected gates schema %q", doc.Schema)
	}
	return &doc, nil
}

// Create seeds the gates document for a new run.
func (e *Engine) Create(runID string, reason string) error {
	if fsstore.Exists(e.Path) {
		return errors.Newf(errors.CodeInvalidState, "gates document already exists: %s", e.Path)
	}
	doc := schemas.NewGatesDoc(runID, e.Now().UTC())
	if err := fsstore.WriteJSONAtomic(e.Path, doc); err != nil {
		return err
	}
	return e.audit(reason, doc.Revision)
}

// Write validates and merges updates for one or more gates, sets the
// document's inputs_digest, and bumps the revision. Revision and
// inputs_digest always change together, so staleness relative to the
// inputs that produced the results is detectable from this document
// alone. A nil expectedRevision skips the CAS check (single-writer
// callers inside a held run lock).
func (e *Engine) Write(updates map[string]Update, inputsDigest string, expectedRevision *int64, reason string) (*WriteResult, error) {
	doc, err := e.Read()
	if err != nil {
		return nil, err
	}
	if expectedRevision != nil && doc.Revision != *expectedRevision {
		return nil, errors.Newf(errors.CodeRevisionMismatch,
			"expected gates revision %d, document is at %d", *expectedRevision, doc.Revision).
			WithDetail("expected_revision", *expectedRevision).
			WithDetail("actual_revision", doc.Revision)
	}

	// Validate every update before merging any: no partial effect.
	for id, u := range updates {
		entry, ok := doc.Gates[id]
		if !ok {
			return nil, errors.Newf(errors.CodeUnknownGateID, "unknown gate id %q", id).
				WithDetail("gate_id", id)
		}
		if err := validateUpdate(id, entry, u); err != nil {
			return nil, err
		}
	}

	now := e.Now().UTC()
	for id, u := range updates {
		entry := doc.Gates[id]
		mergeUpdate(&entry, u)
		doc.Gates[id] = entry
	}
	doc.InputsDigest = inputsDigest
	doc.Revision++
	doc.UpdatedAt = now

	if err := fsstore.WriteJSONAtomic(e.Path, doc); err != nil {
		return nil, err
	}
	if err := e.audit(reason, doc.Revision); err != nil {
		return nil, err
	}
	return &WriteResult{OK: true, NewRevision: doc.Revision, UpdatedAt: now}, nil
}

func validateUpdate(id string, entry schemas.GateEntry, u Update) error {
	if u.Status == nil {
		return nil
	}
	switch *u.Status {
	case schemas.GateNotRun, schemas.GatePass, schemas.GateFail, schemas.GateWarn:
	default:
		return errors.Newf(errors.CodeLifecycleRuleViolation,
			"gate %s: invalid status %q", id, *u.Status).WithDetail("gate_id", id)
	}
	if entry.Class == schemas.GateClassHard && *u.Status == schemas.GateWarn {
		return errors.Newf(errors.CodeLifecycleRuleViolation,
			"gate %s is hard-class and cannot hold status warn", id).
			WithDetail("gate_id", id)
	}
	if *u.Status != entry.Status && u.CheckedAt == nil {
		return errors.Newf(errors.CodeLifecycleRuleViolation,
			"gate %s: checked_at is required on a status-changing update", id).
			WithDetail("gate_id", id)
	}
	return nil
}

func mergeUpdate(entry *schemas.GateEntry, u Update) {
	if u.Status != nil {
		entry.Status = *u.Status
	}
	if u.CheckedAt != nil {
		t := u.CheckedAt.UTC()
		entry.CheckedAt = &t
	}
	if u.Metrics != nil {
		entry.Metrics = u.Metrics
	}
	if u.Artifacts != nil {
		entry.Artifacts = u.Artifacts
	}
	if u.Warnings != nil {
		entry.Warnings = u.Warnings
	}
	if u.Notes != nil {
		entry.Notes = *u.Notes
	}
}

func (e *Engine) audit(reason string, revision int64) error {
	return fsstore.AppendJSONL(e.AuditPath, schemas.AuditRecord{
		TS:       e.Now().UTC(),
		Reason:   reason,
		Revision: revision,
		Doc:      "gates",
	})
}
