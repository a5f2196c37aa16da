// Package citations implements the staged URL validation ladder:
// direct fetch first, then the Bright Data proxy, then Apify, stopping
// at the first rung that yields a usable result. Every online run is
// captured as a deterministic fixture so offline and dry-run modes can
// replay the exact classification without network access.
package citations

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

// Validation modes.
type Mode string

const (
	ModeOffline Mode = "offline"
	ModeDryRun  Mode = "dry_run"
	ModeOnline  Mode = "online"
)

// defaultStepTimeout bounds each ladder rung so one unreachable
// endpoint cannot stall the whole validation pass.
const defaultStepTimeout = 20 * time.Second

// Result is the classification of one URL.
type Result struct {
	URL           string `json:"url"`
	NormalizedURL string `json:"normalized_url"`
	OK            bool   `json:"ok"`
	FoundBy       string `json:"found_by,omitempty"`
	Status        string `json:"status,omitempty"`
	Action        string `json:"action,omitempty"`
}

// Report is the outcome of one Validate call. Individual URL failures
// live in Results/Blocked; only ladder-infrastructure errors fail the
// call itself.
type Report struct {
	Results      []Result             `json:"results"`
	Blocked      []schemas.BlockedURL `json:"blocked"`
	FixturesPath string               `json:"fixtures_path,omitempty"`
}

// Validator runs the ladder for one run root.
type Validator struct {
	RunID       string
	Paths       schemas.RunPaths
	Endpoints   schemas.EndpointConfig
	Steps       []Step
	FixturePath string // optional explicit fixture for replay
	Now         func() time.Time
}

// NewValidator builds a validator with the ladder the endpoint config
// allows: direct fetch always, proxy rungs only when configured.
func NewValidator(runID string, paths schemas.RunPaths, endpoints schemas.EndpointConfig) *Validator {
	timeout := defaultStepTimeout
	if endpoints.StepTimeoutSecs > 0 {
		timeout = time.Duration(endpoints.StepTimeoutSecs) * time.Second
	}
	client := &http.Client{Timeout: timeout}

	steps := []Step{&directFetchStep{client: client}}
	if endpoints.BrightDataURL != "" {
		steps = append(steps, &proxyStep{
			name: StepBrightData, client: client,
			endpoint: endpoints.BrightDataURL, token: endpoints.BrightDataToken,
		})
	}
	if endpoints.ApifyURL != "" {
		steps = append(steps, &proxyStep{
			name: StepApify, client: client,
			endpoint: endpoints.ApifyURL, token: endpoints.ApifyToken,
		})
	}
	return &Validator{
		RunID:     runID,
		Paths:     paths,
		Endpoints: endpoints,
		Steps:     steps,
		Now:       time.Now,
	}
}

// Validate classifies every URL under the requested mode. Online mode
// always writes found-by.json and blocked-urls.json (the latter even
// when empty, so its absence stays meaningful) plus a fixture
// snapshot; offline mode replays a captured fixture and rewrites the
// derived artifacts; dry_run touches no files.
func (v *Validator) Validate(ctx context.Context, urls []string, mode Mode) (*Report, error) {
	switch mode {
	case ModeOnline:
		return v.validateOnline(ctx, urls)
	case ModeOffline:
		return v.replayOffline(urls)
	case ModeDryRun:
		return v.dryRun(urls)
	default:
		return nil, errors.Newf(errors.CodeLadderConfigInvalid, "unknown validation mode %q", mode)
	}
}

func (v *Validator) validateOnline(ctx context.Context, urls []string) (*Report, error) {
	if len(v.Steps) == 0 {
		return nil, errors.New(errors.CodeLadderConfigInvalid, "validation ladder has no steps")
	}
	if (v.Endpoints.BrightDataToken != "" && v.Endpoints.BrightDataURL == "") ||
		(v.Endpoints.ApifyToken != "" && v.Endpoints.ApifyURL == "") {
		return nil, errors.New(errors.CodeLadderConfigInvalid,
			"proxy token configured without an endpoint URL")
	}

	stepTimeout := defaultStepTimeout
	if v.Endpoints.StepTimeoutSecs > 0 {
		stepTimeout = time.Duration(v.Endpoints.StepTimeoutSecs) * time.Second
	}

	report := &Report{Blocked: []schemas.BlockedURL{}}
	foundBy := map[string]schemas.FoundBy{}
	fixtureEntries := map[string]schemas.FixtureEntry{}
	normalized := make([]string, 0, len(urls))
	seen := map[string]bool{}

	for _, raw := range urls {
		norm, err := NormalizeURL(raw)
		if err != nil {
			result := Result{
				URL: raw, NormalizedURL: raw,
				Status: schemas.URLUnreachable,
				Action: "Fix the malformed URL before re-running citations validation.",
			}
			report.Results = append(report.Results, result)
			report.Blocked = append(report.Blocked, schemas.BlockedURL{
				URL: raw, NormalizedURL: raw,
				Status: schemas.URLUnreachable, Action: result.Action,
				Detail: err.Error(),
			})
			continue
		}
		if seen[norm] {
			continue
		}
		seen[norm] = true
		normalized = append(normalized, norm)

		result, lastStep := v.climb(ctx, norm, stepTimeout)
		result.URL = raw
		report.Results = append(report.Results, result)

		if result.OK {
			foundBy[norm] = schemas.FoundBy{Step: result.FoundBy, CheckedAt: v.Now().UTC()}
		} else {
			report.Blocked = append(report.Blocked, schemas.BlockedURL{
				URL:           raw,
				NormalizedURL: norm,
				Status:        result.Status,
				Action:        result.Action,
				LastStep:      lastStep,
			})
		}
		fixtureEntries[norm] = schemas.FixtureEntry{
			OK:      result.OK,
			FoundBy: result.FoundBy,
			Status:  result.Status,
			Action:  result.Action,
		}
	}

	if err := v.writeDerived(foundBy, report.Blocked); err != nil {
		return nil, err
	}
	fixturesPath, err := v.writeFixture(fixtureEntries, fsstore.DigestStrings(normalized))
	if err != nil {
		return nil, err
	}
	report.FixturesPath = fixturesPath
	return report, nil
}

// climb tries each ladder rung in order, stopping at the first usable
// result or terminal classification. The last non-usable status wins
// when every rung is exhausted.
func (v *Validator) climb(ctx context.Context, url string, stepTimeout time.Duration) (Result, string) {
	status := schemas.URLUnreachable
	lastStep := ""
	for _, step := range v.Steps {
		stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
		outcome := step.Fetch(stepCtx, url)
		cancel()
		lastStep = step.Name()

		if outcome.Usable {
			return Result{NormalizedURL: url, OK: true, FoundBy: step.Name()}, lastStep
		}
		if outcome.Status != "" {
			status = outcome.Status
		}
		if outcome.Terminal {
			break
		}
	}
	return Result{
		NormalizedURL: url,
		Status:        status,
		Action:        actionFor(status),
	}, lastStep
}

func (v *Validator) replayOffline(urls []string) (*Report, error) {
	// A run that cites nothing needs no fixture; it still gets the
	// derived documents so downstream gates see an explicit empty set.
	if len(urls) == 0 {
		report := &Report{Blocked: []schemas.BlockedURL{}}
		if err := v.writeDerived(map[string]schemas.FoundBy{}, report.Blocked); err != nil {
			return nil, err
		}
		return report, nil
	}

	fixture, path, err := v.loadFixture()
	if err != nil {
		return nil, err
	}
	report := &Report{Blocked: []schemas.BlockedURL{}, FixturesPath: path}
	foundBy := map[string]schemas.FoundBy{}

	for _, raw := range urls {
		norm, err := NormalizeURL(raw)
		if err != nil {
			norm = raw
		}
		entry, captured := fixture.Entries[norm]
		if !captured {
			result := Result{
				URL: raw, NormalizedURL: norm,
				Status: schemas.URLUnreachable,
				Action: "Re-run online validation to capture this URL in a fixture.",
			}
			report.Results = append(report.Results, result)
			report.Blocked = append(report.Blocked, schemas.BlockedURL{
				URL: raw, NormalizedURL: norm,
				Status: result.Status, Action: result.Action,
			})
			continue
		}
		result := Result{
			URL: raw, NormalizedURL: norm,
			OK: entry.OK, FoundBy: entry.FoundBy,
			Status: entry.Status, Action: entry.Action,
		}
		report.Results = append(report.Results, result)
		if entry.OK {
			foundBy[norm] = schemas.FoundBy{Step: entry.FoundBy, CheckedAt: fixture.CapturedAt}
		} else {
			report.Blocked = append(report.Blocked, schemas.BlockedURL{
				URL: raw, NormalizedURL: norm,
				Status: entry.Status, Action: entry.Action,
			})
		}
	}

	if err := v.writeDerived(foundBy, report.Blocked); err != nil {
		return nil, err
	}
	return report, nil
}

func (v *Validator) dryRun(urls []string) (*Report, error) {
	fixture, path, err := v.loadFixture()
	if err != nil && !errors.Is(err, errors.CodeNotFound) {
		return nil, err
	}

	report := &Report{Blocked: []schemas.BlockedURL{}, FixturesPath: path}
	for _, raw := range urls {
		norm, nerr := NormalizeURL(raw)
		if nerr != nil {
			report.Results = append(report.Results, Result{
				URL: raw, NormalizedURL: raw,
				Status: schemas.URLUnreachable,
				Action: "Fix the malformed URL before re-running citations validation.",
			})
			continue
		}
		if fixture != nil {
			if entry, captured := fixture.Entries[norm]; captured {
				report.Results = append(report.Results, Result{
					URL: raw, NormalizedURL: norm,
					OK: entry.OK, FoundBy: entry.FoundBy,
					Status: entry.Status, Action: entry.Action,
				})
				continue
			}
		}
		report.Results = append(report.Results, Result{
			URL: raw, NormalizedURL: norm,
			Action: "Run online validation to classify this URL.",
		})
	}
	return report, nil
}

// writeDerived persists found-by.json and blocked-urls.json. The
// blocked document is written even when empty.
func (v *Validator) writeDerived(foundBy map[string]schemas.FoundBy, blocked []schemas.BlockedURL) error {
	foundDoc := schemas.FoundByDoc{
		Schema:  schemas.SchemaFoundBy,
		RunID:   v.RunID,
		Entries: foundBy,
	}
	if err := fsstore.WriteJSONAtomic(filepath.Join(v.Paths.CitationsDir, "found-by.json"), foundDoc); err != nil {
		return err
	}
	blockedDoc := schemas.BlockedURLsDoc{
		Schema:  schemas.SchemaBlockedURLs,
		RunID:   v.RunID,
		Entries: blocked,
	}
	return fsstore.WriteJSONAtomic(filepath.Join(v.Paths.CitationsDir, "blocked-urls.json"), blockedDoc)
}
