package orchestrator

import (
	"fmt"
	"path/filepath"

	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
	"github.com/spawn-mcp/longhaul/pkg/stage"
)

// writeHalt persists a halt artifact for a failed tick and repoints the
// latest pointer. Halt artifacts are the operator-facing contract for
// stuck runs: exhaustive triage plus literal, copy-pasteable next
// commands.
func (o *Orchestrator) writeHalt(m *schemas.Manifest, tickIndex int, code, message, transition string, triage schemas.Triage, nextCommands []string) (string, error) {
	if len(nextCommands) == 0 {
		nextCommands = []string{fmt.Sprintf("longhaul triage --run-root %s", o.Paths.Root)}
	}
	halt := schemas.HaltArtifact{
		Schema:       schemas.SchemaHalt,
		RunID:        m.RunID,
		TS:           o.Now().UTC(),
		TickIndex:    tickIndex,
		Stage:        m.Stage.Current,
		Code:         code,
		Message:      message,
		Transition:   transition,
		Triage:       triage,
		NextCommands: nextCommands,
	}
	path := o.Paths.HaltPath(tickIndex)
	if err := fsstore.WriteJSONAtomic(path, halt); err != nil {
		return "", err
	}

	rel, rerr := filepath.Rel(o.Paths.Root, path)
	if rerr != nil {
		rel = path
	}
	pointer := schemas.Pointer{
		Schema: schemas.SchemaPointer,
		Path:   rel,
		TS:     halt.TS,
	}
	if err := fsstore.WriteJSONAtomic(o.Paths.HaltLatest(), pointer); err != nil {
		return "", err
	}
	o.Logger.Warn("tick halted",
		"run_id", m.RunID, "tick_index", tickIndex,
		"stage", m.Stage.Current, "code", code, "halt", path)
	return path, nil
}

// triageFromDecision turns a transition decision into the halt triage
// shape, listing every blocker the evaluation found.
func triageFromDecision(decision stage.Decision) schemas.Triage {
	var t schemas.Triage
	for _, e := range decision.Evaluated {
		if e.OK {
			continue
		}
		switch e.Kind {
		case "artifact":
			if p, ok := e.Details["path"].(string); ok {
				t.MissingArtifacts = append(t.MissingArtifacts, p)
			}
		case "gate":
			if id, ok := e.Details["gate_id"].(string); ok {
				t.BlockedGates = append(t.BlockedGates, id)
			}
		}
	}
	return t
}

// latestHalt loads the most recent halt artifact, or nil when the run
// has never halted.
func (o *Orchestrator) latestHalt() (*schemas.HaltArtifact, error) {
	var pointer schemas.Pointer
	if err := fsstore.ReadJSON(o.Paths.HaltLatest(), &pointer); err != nil {
		return nil, err
	}
	var halt schemas.HaltArtifact
	if err := fsstore.ReadJSON(filepath.Join(o.Paths.Root, pointer.Path), &halt); err != nil {
		return nil, err
	}
	return &halt, nil
}
