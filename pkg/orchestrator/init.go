package orchestrator

import (
	"context"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/spawn-mcp/longhaul/pkg/config"
	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
	"github.com/spawn-mcp/longhaul/pkg/telemetry"
)

// InitParams configures a new run.
type InitParams struct {
	RunID        string
	Topic        string
	Perspectives []schemas.Perspective

	// LookupEnv overrides os.LookupEnv during constraint resolution,
	// for tests.
	LookupEnv func(string) (string, bool)
}

// Init creates a fresh run root: the manifest at revision 1 with the
// resolved constraint snapshot, the gates document with every gate at
// not_run, and the wave-1 plan. It refuses roots that already hold a
// run.
func (o *Orchestrator) Init(params InitParams) (*schemas.Manifest, error) {
	if strings.TrimSpace(params.Topic) == "" {
		return nil, errors.New(errors.CodeInvalidState, "init requires a non-empty topic")
	}
	if len(params.Perspectives) == 0 {
		return nil, errors.New(errors.CodeInvalidState, "init requires at least one perspective")
	}
	for _, p := range params.Perspectives {
		if strings.TrimSpace(p.ID) == "" {
			return nil, errors.New(errors.CodeInvalidState, "every perspective requires an id")
		}
	}
	if err := os.MkdirAll(o.Paths.Root, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.CodeWriteFailed)
	}

	constraints, err := config.Resolve(o.Paths, params.LookupEnv)
	if err != nil {
		return nil, err
	}
	if len(params.Perspectives) > constraints.MaxPerspectives {
		return nil, errors.Newf(errors.CodeInvalidState,
			"%d perspectives exceed the configured maximum of %d",
			len(params.Perspectives), constraints.MaxPerspectives).
			WithDetail("max_perspectives", constraints.MaxPerspectives)
	}

	runID := params.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	now := o.Now().UTC()

	m := &schemas.Manifest{
		RunID:  runID,
		Status: schemas.StatusRunning,
		Stage: schemas.StageState{
			Current:   schemas.StageWave1,
			StartedAt: now,
		},
		Query: schemas.Query{
			Topic:       params.Topic,
			Constraints: constraints,
		},
		Artifacts: schemas.Artifacts{Paths: schemas.DefaultArtifactPaths()},
	}
	if err := o.Manifest.Create(m, "init: create run"); err != nil {
		return nil, err
	}
	if err := o.Gates.Create(runID, "init: seed gates"); err != nil {
		return nil, err
	}

	plan := schemas.Wave1Plan{
		Schema:       schemas.SchemaWave1Plan,
		RunID:        runID,
		Topic:        params.Topic,
		Perspectives: params.Perspectives,
	}
	planPath, _ := o.Paths.ArtifactPath(m, schemas.ArtifactWave1Plan)
	if err := fsstore.WriteJSONAtomic(planPath, plan); err != nil {
		return nil, err
	}

	// Snapshot the resolved configuration into the run root so the run
	// carries the exact settings it was initialized with.
	if err := config.WriteSnapshot(o.Paths, constraints); err != nil {
		return nil, err
	}

	o.Logger.Info("run initialized",
		"run_id", runID,
		"topic", params.Topic,
		"perspectives", len(params.Perspectives),
		"online_validation", constraints.OnlineValidation)
	o.publishStatus(m)
	return m, nil
}

// publishStatus mirrors the run's status snapshot, best-effort.
func (o *Orchestrator) publishStatus(m *schemas.Manifest) {
	snap := telemetry.StatusSnapshot{
		RunID:     m.RunID,
		Stage:     m.Stage.Current,
		Status:    m.Status,
		Revision:  m.Revision,
		UpdatedAt: m.UpdatedAt,
	}
	if err := o.Sink.PublishStatus(context.Background(), snap); err != nil {
		o.Logger.Warn("status mirror failed", "run_id", m.RunID, "error", err)
	}
}
