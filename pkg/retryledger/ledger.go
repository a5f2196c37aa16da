// Package retryledger implements bounded retry accounting per gate and
// the retry-directive file protocol. Directives express operator intent
// ("re-run this perspective, here is what will differ"); the ledger
// enforces caps and the crash-safe consume ordering.
package retryledger

import (
	"strings"
	"time"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/manifest"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

// Ledger records retries through the manifest store and manages the
// directives file.
type Ledger struct {
	Manifest       *manifest.Store
	DirectivesPath string
	Now            func() time.Time
}

// New builds a ledger over a run root.
func New(store *manifest.Store, paths schemas.RunPaths) *Ledger {
	return &Ledger{
		Manifest:       store,
		DirectivesPath: paths.Directives,
		Now:            time.Now,
	}
}

// Record appends one retry to the manifest's retry history, enforcing
// the per-gate cap and the non-empty change note. Retries without a
// stated change are rejected: intentional iteration, not "try again and
// hope".
func (l *Ledger) Record(gateID, changeNote, reason string) (int, error) {
	if strings.TrimSpace(changeNote) == "" {
		return 0, errors.Newf(errors.CodeLifecycleRuleViolation,
			"retry for gate %s requires a non-empty change_note", gateID).
			WithDetail("gate_id", gateID)
	}
	if _, ok := schemas.DefaultGateClasses[gateID]; !ok {
		return 0, errors.Newf(errors.CodeUnknownGateID, "unknown gate id %q", gateID).
			WithDetail("gate_id", gateID)
	}

	m, err := l.Manifest.Read()
	if err != nil {
		return 0, err
	}
	used := countRetries(m, gateID)
	limit := m.Query.Constraints.RetryCap(gateID)
	if used >= limit {
		return used, errors.Newf(errors.CodeRetryCapExceeded,
			"gate %s has used %d of %d retries", gateID, used, limit).
			WithDetail("gate_id", gateID).
			WithDetail("retries_used", used).
			WithDetail("retry_cap", limit)
	}

	record := schemas.RetryRecord{
		GateID:     gateID,
		ChangeNote: changeNote,
		RecordedAt: l.Now().UTC(),
	}
	if _, err := l.Manifest.Write(manifest.Patch{AppendRetry: &record}, m.Revision, reason); err != nil {
		return used, err
	}
	return used + 1, nil
}

// Directives loads the directives document, starting empty for a run
// that has none yet.
func (l *Ledger) Directives() (*schemas.DirectivesDoc, error) {
	var doc schemas.DirectivesDoc
	err := fsstore.ReadJSON(l.DirectivesPath, &doc)
	if errors.Is(err, errors.CodeNotFound) {
		m, rerr := l.Manifest.Read()
		if rerr != nil {
			return nil, rerr
		}
		return &schemas.DirectivesDoc{
			Schema:   schemas.SchemaDirectives,
			RunID:    m.RunID,
			Families: make(map[string][]schemas.RetryDirective),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// Pending returns the unconsumed directives for one stage family.
func (l *Ledger) Pending(family string) ([]schemas.RetryDirective, error) {
	doc, err := l.Directives()
	if err != nil {
		return nil, err
	}
	var pending []schemas.RetryDirective
	for _, d := range doc.Families[family] {
		if d.ConsumedAt == nil {
			pending = append(pending, d)
		}
	}
	return pending, nil
}

// Add writes a new pending directive for a family.
func (l *Ledger) Add(family, perspectiveID, changeNote string) error {
	if strings.TrimSpace(changeNote) == "" {
		return errors.New(errors.CodeLifecycleRuleViolation,
			"a retry directive requires a non-empty change_note")
	}
	doc, err := l.Directives()
	if err != nil {
		return err
	}
	doc.Families[family] = append(doc.Families[family], schemas.RetryDirective{
		PerspectiveID: perspectiveID,
		Action:        schemas.RetryAction,
		ChangeNote:    changeNote,
	})
	return fsstore.WriteJSONAtomic(l.DirectivesPath, doc)
}

// Consume applies one pending directive: the retry is recorded in the
// manifest first, then the directive is marked consumed. A crash
// between the two leaves the directive pending and re-playable; the
// retry cap bounds the damage of replaying it.
func (l *Ledger) Consume(family, perspectiveID, gateID, reason string) error {
	doc, err := l.Directives()
	if err != nil {
		return err
	}
	idx := -1
	for i, d := range doc.Families[family] {
		if d.PerspectiveID == perspectiveID && d.ConsumedAt == nil {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.Newf(errors.CodeNotFound,
			"no pending directive for perspective %q in family %q", perspectiveID, family).
			WithDetail("perspective_id", perspectiveID).
			WithDetail("family", family)
	}

	if _, err := l.Record(gateID, doc.Families[family][idx].ChangeNote, reason); err != nil {
		return err
	}

	consumed := l.Now().UTC()
	doc.Families[family][idx].ConsumedAt = &consumed
	return fsstore.WriteJSONAtomic(l.DirectivesPath, doc)
}

func countRetries(m *schemas.Manifest, gateID string) int {
	n := 0
	for _, r := range m.Metrics.RetryHistory {
		if r.GateID == gateID {
			n++
		}
	}
	return n
}
