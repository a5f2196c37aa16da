// Package orchestrator composes the run-state stores into the tick
// loop: the single-step, resumable unit of forward progress. Every tick
// holds the run lock, evaluates exactly one stage family, and leaves
// the run root either one step further along or unchanged with a
// recorded reason.
package orchestrator

import (
	"log/slog"
	"time"

	"github.com/spawn-mcp/longhaul/pkg/gates"
	"github.com/spawn-mcp/longhaul/pkg/manifest"
	"github.com/spawn-mcp/longhaul/pkg/retryledger"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
	"github.com/spawn-mcp/longhaul/pkg/stage"
	"github.com/spawn-mcp/longhaul/pkg/telemetry"
	"github.com/spawn-mcp/longhaul/pkg/ticks"
	"github.com/spawn-mcp/longhaul/pkg/watchdog"
)

// defaultLockTimeout bounds how long a tick waits for the run lock
// before giving up.
const defaultLockTimeout = 30 * time.Second

// Orchestrator drives one run root.
type Orchestrator struct {
	Paths    schemas.RunPaths
	Manifest *manifest.Store
	Gates    *gates.Engine
	Machine  *stage.Machine
	Watchdog *watchdog.Watchdog
	Retries  *retryledger.Ledger
	Ticks    *ticks.Ledger
	Logger   *slog.Logger
	Sink     telemetry.Sink
	RunAgent RunAgentFunc

	Now         func() time.Time
	LockTimeout time.Duration
}

// Option customizes an Orchestrator at construction.
type Option func(*Orchestrator)

// WithRunAgent installs the research driver.
func WithRunAgent(fn RunAgentFunc) Option {
	return func(o *Orchestrator) { o.RunAgent = fn }
}

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.Logger = logger }
}

// WithSink installs a telemetry sink for best-effort mirroring.
func WithSink(sink telemetry.Sink) Option {
	return func(o *Orchestrator) { o.Sink = sink }
}

// WithClock injects a deterministic clock into every component, for
// tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.Now = now
		o.Manifest.Now = now
		o.Gates.Now = now
		o.Machine.Now = now
		o.Watchdog.Now = now
		o.Retries.Now = now
		o.Ticks.Now = now
	}
}

// New builds an orchestrator over a run root.
func New(root string, opts ...Option) *Orchestrator {
	paths := schemas.BuildRunPaths(root)
	store := manifest.NewStore(paths)
	engine := gates.NewEngine(paths)
	logger := slog.Default()

	o := &Orchestrator{
		Paths:       paths,
		Manifest:    store,
		Gates:       engine,
		Machine:     stage.NewMachine(paths, store, engine),
		Watchdog:    watchdog.New(paths),
		Retries:     retryledger.New(store, paths),
		Ticks:       ticks.NewLedger(paths, logger),
		Logger:      logger,
		Sink:        telemetry.NopSink{},
		Now:         time.Now,
		LockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.Ticks.Logger = o.Logger
	o.Ticks.Sink = o.Sink
	return o
}
