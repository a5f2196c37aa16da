// Package manifest implements the manifest store: the sole mutation
// path for a run's canonical state document, with compare-and-swap
// semantics over the file revision. No other component is allowed to
// read-modify-write manifest.json directly.
package manifest

import (
	"time"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

// Store mediates all reads and writes of one manifest document.
type Store struct {
	Path      string
	AuditPath string
	Now       func() time.Time
}

// NewStore builds a store over a run root's canonical paths.
func NewStore(paths schemas.RunPaths) *Store {
	return &Store{
		Path:      paths.Manifest,
		AuditPath: paths.AuditLog,
		Now:       time.Now,
	}
}

// Patch is the set of fields a write may touch. Nil fields are left
// unchanged; run_id, created_at, and query constraints are immutable by
// construction.
type Patch struct {
	Status              *string
	StageCurrent        *string
	StageStartedAt      *time.Time
	StageLastProgressAt *time.Time
	ClearLastProgress   bool
	ArtifactPaths       map[string]string
	AppendRetry         *schemas.RetryRecord
	IncrementTicks      bool
}

// WriteResult reports an accepted write.
type WriteResult struct {
	OK          bool      `json:"ok"`
	NewRevision int64     `json:"new_revision"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Read loads and validates the manifest.
func (s *Store) Read() (*schemas.Manifest, error) {
	var m schemas.Manifest
	if err := fsstore.ReadJSON(s.Path, &m); err != nil {
		return nil, err
	}
	if m.Schema != schemas.SchemaManifest {
		return nil, errors.Newf(errors.CodeInvalidJSON, "unexpected manifest schema %q", m.Schema)
	}
	return &m, nil
}

// Create writes the initial manifest. It refuses to overwrite an
// existing document: run roots are never reused across runs.
func (s *Store) Create(m *schemas.Manifest, reason string) error {
	if fsstore.Exists(s.Path) {
		return errors.Newf(errors.CodeInvalidState, "manifest already exists: %s", s.Path)
	}
	now := s.Now().UTC()
	m.Schema = schemas.SchemaManifest
	m.CreatedAt = now
	m.UpdatedAt = now
	m.Revision = 1
	if err := fsstore.WriteJSONAtomic(s.Path, m); err != nil {
		return err
	}
	return s.audit(reason, m.Revision)
}

// Write applies patch if expectedRevision matches the document's
// current revision, bumping the revision by exactly one and recording
// the reason in the audit log. A stale writer gets REVISION_MISMATCH
// and the document is untouched.
func (s *Store) Write(patch Patch, expectedRevision int64, reason string) (*WriteResult, error) {
	m, err := s.Read()
	if err != nil {
		return nil, err
	}
	if m.Revision != expectedRevision {
		return nil, errors.Newf(errors.CodeRevisionMismatch,
			"expected revision %d, manifest is at %d", expectedRevision, m.Revision).
			WithDetail("expected_revision", expectedRevision).
			WithDetail("actual_revision", m.Revision)
	}

	applyPatch(m, patch)
	m.Revision++
	m.UpdatedAt = s.Now().UTC()

	if err := fsstore.WriteJSONAtomic(s.Path, m); err != nil {
		return nil, err
	}
	if err := s.audit(reason, m.Revision); err != nil {
		return nil, err
	}
	return &WriteResult{OK: true, NewRevision: m.Revision, UpdatedAt: m.UpdatedAt}, nil
}

// Heartbeat refreshes stage.last_progress_at without touching
// started_at, so the watchdog window resets while total stage duration
// stays accurate.
func (s *Store) Heartbeat(expectedRevision int64, reason string) (*WriteResult, error) {
	now := s.Now().UTC()
	return s.Write(Patch{StageLastProgressAt: &now}, expectedRevision, reason)
}

func applyPatch(m *schemas.Manifest, patch Patch) {
	if patch.Status != nil {
		m.Status = *patch.Status
	}
	if patch.StageCurrent != nil {
		m.Stage.Current = *patch.StageCurrent
	}
	if patch.StageStartedAt != nil {
		m.Stage.StartedAt = *patch.StageStartedAt
	}
	if patch.ClearLastProgress {
		m.Stage.LastProgressAt = nil
	} else if patch.StageLastProgressAt != nil {
		t := *patch.StageLastProgressAt
		m.Stage.LastProgressAt = &t
	}
	if len(patch.ArtifactPaths) > 0 {
		if m.Artifacts.Paths == nil {
			m.Artifacts.Paths = make(map[string]string)
		}
		for k, v := range patch.ArtifactPaths {
			m.Artifacts.Paths[k] = v
		}
	}
	if patch.AppendRetry != nil {
		m.Metrics.RetryHistory = append(m.Metrics.RetryHistory, *patch.AppendRetry)
	}
	if patch.IncrementTicks {
		m.Metrics.TicksAttempted++
	}
}

func (s *Store) audit(reason string, revision int64) error {
	return fsstore.AppendJSONL(s.AuditPath, schemas.AuditRecord{
		TS:       s.Now().UTC(),
		Reason:   reason,
		Revision: revision,
		Doc:      "manifest",
	})
}
