// Package stage implements the stage machine: the only component that
// moves a run between pipeline stages. A transition is permitted when
// every required artifact exists and every required gate is releasing;
// the evaluation is exhaustive so operators see all blockers in one
// pass, never just the first.
package stage

import (
	"os"
	"time"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/gates"
	"github.com/spawn-mcp/longhaul/pkg/manifest"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

// Machine evaluates and applies stage transitions for one run root.
type Machine struct {
	Paths    schemas.RunPaths
	Manifest *manifest.Store
	Gates    *gates.Engine
	Now      func() time.Time
}

// NewMachine builds a stage machine over a run root.
func NewMachine(paths schemas.RunPaths, store *manifest.Store, engine *gates.Engine) *Machine {
	return &Machine{Paths: paths, Manifest: store, Gates: engine, Now: time.Now}
}

// Evaluated is one requirement check in a transition decision.
type Evaluated struct {
	Kind    string         `json:"kind"` // "artifact" or "gate"
	OK      bool           `json:"ok"`
	Details map[string]any `json:"details"`
}

// Decision is the exhaustive list of requirement checks for one
// candidate transition.
type Decision struct {
	Evaluated []Evaluated `json:"evaluated"`
}

// Result reports one advance attempt. A blocked transition is not an
// error: OK is false, Decision lists every blocker, and the manifest is
// untouched, which is what makes triage safe to call repeatedly.
type Result struct {
	OK       bool     `json:"ok"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Decision Decision `json:"decision"`
}

// transitionSpec lists what a transition into a target stage requires.
// Artifact entries name manifest.artifacts.paths keys; gate entries
// name gate ids that must be pass (or warn, for soft-class gates).
type transitionSpec struct {
	artifacts []string
	gates     []string
}

// transitionRequirements is keyed by target stage. Completion out of
// finalize is keyed separately under targetCompleted.
var transitionRequirements = map[string]transitionSpec{
	schemas.StagePivot: {
		artifacts: []string{schemas.ArtifactWave1Plan},
		gates:     []string{schemas.GateWave1Complete},
	},
	schemas.StageWave2: {
		artifacts: []string{schemas.ArtifactPivotDecision},
		gates:     []string{schemas.GatePivotDecision},
	},
	schemas.StageCitations: {
		artifacts: []string{schemas.ArtifactWave2Dir},
	},
	schemas.StageSummaries: {
		artifacts: []string{schemas.ArtifactFoundBy, schemas.ArtifactBlockedURLs},
		gates:     []string{schemas.GateCitationsVerified},
	},
	schemas.StageSynthesis: {
		artifacts: []string{schemas.ArtifactSummariesDir},
		gates:     []string{schemas.GateSummariesCoverage},
	},
	schemas.StageReview: {
		artifacts: []string{schemas.ArtifactSynthesisDraft},
	},
	schemas.StageFinalize: {
		artifacts: []string{schemas.ArtifactReviewFindings},
		gates:     []string{schemas.GateReviewResolved},
	},
	targetCompleted: {
		artifacts: []string{schemas.ArtifactFinalReport},
		gates:     []string{schemas.GateFinalReport},
	},
}

// targetCompleted is the pseudo-target for completing the run out of
// the finalize stage: the stage does not change, the status does.
const targetCompleted = "completed"

// Advance evaluates the candidate transition and, when every
// requirement holds, writes the stage change (or completion) through
// the manifest store. requestedNext, when supplied, must be the
// immediate successor of the current stage: skip-ahead is never
// implicit.
func (m *Machine) Advance(requestedNext, reason string) (*Result, error) {
	doc, target, result, err := m.evaluate(requestedNext)
	if err != nil {
		return nil, err
	}
	if !result.OK {
		return result, nil
	}

	now := m.Now().UTC()
	var patch manifest.Patch
	if target == targetCompleted {
		status := schemas.StatusCompleted
		patch = manifest.Patch{Status: &status}
	} else {
		patch = manifest.Patch{
			StageCurrent:      &target,
			StageStartedAt:    &now,
			ClearLastProgress: true,
		}
	}
	if _, err := m.Manifest.Write(patch, doc.Revision, reason); err != nil {
		return nil, err
	}
	return result, nil
}

// Evaluate runs the same requirement checks as Advance without any
// mutation. Triage and dry-run surfaces call this.
func (m *Machine) Evaluate(requestedNext string) (*Result, error) {
	_, _, result, err := m.evaluate(requestedNext)
	return result, err
}

func (m *Machine) evaluate(requestedNext string) (*schemas.Manifest, string, *Result, error) {
	doc, err := m.Manifest.Read()
	if err != nil {
		return nil, "", nil, err
	}
	if schemas.IsTerminalStatus(doc.Status) || doc.Status == schemas.StatusPaused {
		return nil, "", nil, errors.Newf(errors.CodeInvalidState,
			"run %s is %s; no further transitions permitted", doc.RunID, doc.Status).
			WithDetail("status", doc.Status)
	}

	target, err := m.resolveTarget(doc, requestedNext)
	if err != nil {
		return nil, "", nil, err
	}

	gatesDoc, err := m.Gates.Read()
	if err != nil {
		return nil, "", nil, err
	}

	spec := transitionRequirements[target]
	evaluated := make([]Evaluated, 0, len(spec.artifacts)+len(spec.gates))
	ok := true

	// Every requirement is checked; nothing short-circuits.
	for _, kind := range spec.artifacts {
		entry := m.checkArtifact(doc, kind)
		ok = ok && entry.OK
		evaluated = append(evaluated, entry)
	}
	for _, gateID := range spec.gates {
		entry := checkGate(gatesDoc, gateID)
		ok = ok && entry.OK
		evaluated = append(evaluated, entry)
	}

	to := target
	if target == targetCompleted {
		to = doc.Stage.Current
	}
	return doc, target, &Result{
		OK:       ok,
		From:     doc.Stage.Current,
		To:       to,
		Decision: Decision{Evaluated: evaluated},
	}, nil
}

func (m *Machine) resolveTarget(doc *schemas.Manifest, requestedNext string) (string, error) {
	current := doc.Stage.Current
	if current == schemas.StageFinalize {
		if requestedNext != "" && requestedNext != targetCompleted {
			return "", errors.Newf(errors.CodeInvalidTransition,
				"finalize is the last stage; cannot advance to %q", requestedNext).
				WithDetail("from", current).WithDetail("requested_next", requestedNext)
		}
		return targetCompleted, nil
	}

	next, okNext := schemas.NextStage(current)
	if !okNext {
		return "", errors.Newf(errors.CodeInvalidState, "unknown current stage %q", current)
	}
	if requestedNext != "" && requestedNext != next {
		return "", errors.Newf(errors.CodeInvalidTransition,
			"%s is not adjacent to %s; next stage is %s", requestedNext, current, next).
			WithDetail("from", current).
			WithDetail("requested_next", requestedNext).
			WithDetail("expected_next", next)
	}
	return next, nil
}

func (m *Machine) checkArtifact(doc *schemas.Manifest, kind string) Evaluated {
	path, known := m.Paths.ArtifactPath(doc, kind)
	details := map[string]any{"artifact": kind, "path": path}
	if !known {
		details["path"] = "(unregistered artifact kind)"
		return Evaluated{Kind: "artifact", OK: false, Details: details}
	}
	return Evaluated{Kind: "artifact", OK: artifactPresent(path), Details: details}
}

// artifactPresent accepts either a file or a non-empty directory:
// per-perspective outputs register their parent directory as the
// artifact path.
func artifactPresent(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if !info.IsDir() {
		return true
	}
	entries, err := os.ReadDir(path)
	return err == nil && len(entries) > 0
}

func checkGate(doc *schemas.GatesDoc, gateID string) Evaluated {
	entry, known := doc.Gates[gateID]
	details := map[string]any{"gate_id": gateID}
	if !known {
		details["status"] = "missing"
		return Evaluated{Kind: "gate", OK: false, Details: details}
	}
	details["status"] = entry.Status
	details["class"] = entry.Class
	ok := entry.Status == schemas.GatePass ||
		(entry.Status == schemas.GateWarn && entry.Class == schemas.GateClassSoft)
	return Evaluated{Kind: "gate", OK: ok, Details: details}
}

// RequiredFor exposes the requirement lists for a target stage so halt
// artifacts can enumerate what triage should look at.
func RequiredFor(target string) (artifacts []string, gateIDs []string) {
	spec := transitionRequirements[target]
	return append([]string(nil), spec.artifacts...), append([]string(nil), spec.gates...)
}
