package citations

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

func fixedClock() time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
}

func newTestValidator(t *testing.T, endpoints schemas.EndpointConfig) *Validator {
	t.Helper()
	paths := schemas.BuildRunPaths(t.TempDir())
	v := NewValidator("run-test", paths, endpoints)
	v.Now = fixedClock
	return v
}

func TestOnlineValidationClassifiesByStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/paywalled":
			w.WriteHeader(http.StatusPaymentRequired)
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	v := newTestValidator(t, schemas.EndpointConfig{})
	report, err := v.Validate(context.Background(), []string{
		srv.URL + "/ok",
		srv.URL + "/paywalled",
		srv.URL + "/gone",
		srv.URL + "/blocked",
	}, ModeOnline)
	if err != nil {
		t.Fatalf("Validate returned an error: %v", err)
	}

	byURL := map[string]Result{}
	for _, r := range report.Results {
		byURL[r.URL] = r
	}
	if r := byURL[srv.URL+"/ok"]; !r.OK || r.FoundBy != StepDirectFetch {
		t.Errorf("expected /ok usable via direct_fetch, got %+v", r)
	}
	if r := byURL[srv.URL+"/paywalled"]; r.OK || r.Status != schemas.URLPaywalled {
		t.Errorf("expected /paywalled status paywalled, got %+v", r)
	}
	if r := byURL[srv.URL+"/gone"]; r.OK || r.Status != schemas.URLUnreachable {
		t.Errorf("expected /gone status unreachable, got %+v", r)
	}
	if r := byURL[srv.URL+"/blocked"]; r.OK || r.Status != schemas.URLBlocked {
		t.Errorf("expected /blocked status blocked, got %+v", r)
	}

	for _, b := range report.Blocked {
		if b.Action == "" {
			t.Errorf("blocked URL %s has an empty action hint", b.URL)
		}
	}
}

func TestLadderEscalatesToProxyRung(t *testing.T) {
	// Direct fetch sees 403; the proxy rung answers 200 for the same
	// URL, so the ladder must report usable via the proxy.
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer target.Close()
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	v := newTestValidator(t, schemas.EndpointConfig{
		BrightDataURL:   proxy.URL,
		BrightDataToken: "test-token",
	})
	report, err := v.Validate(context.Background(), []string{target.URL + "/paper"}, ModeOnline)
	if err != nil {
		t.Fatalf("Validate returned an error: %v", err)
	}
	if len(report.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(report.Results))
	}
	if r := report.Results[0]; !r.OK || r.FoundBy != StepBrightData {
		t.Errorf("expected usable via bright_data, got %+v", r)
	}
}

func TestTerminalStatusStopsTheLadder(t *testing.T) {
	proxyCalled := false
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer target.Close()
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxyCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	v := newTestValidator(t, schemas.EndpointConfig{BrightDataURL: proxy.URL})
	report, err := v.Validate(context.Background(), []string{target.URL + "/missing"}, ModeOnline)
	if err != nil {
		t.Fatalf("Validate returned an error: %v", err)
	}
	if proxyCalled {
		t.Error("ladder escalated past a terminal 404")
	}
	if r := report.Results[0]; r.OK || r.Status != schemas.URLUnreachable {
		t.Errorf("expected unreachable, got %+v", r)
	}
}

func TestOnlineAlwaysWritesBlockedURLsDoc(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := newTestValidator(t, schemas.EndpointConfig{})
	if _, err := v.Validate(context.Background(), []string{srv.URL + "/a"}, ModeOnline); err != nil {
		t.Fatalf("Validate returned an error: %v", err)
	}

	// Nothing was blocked, but the document must still exist with an
	// empty list: absence means validation never ran.
	var doc schemas.BlockedURLsDoc
	if err := fsstore.ReadJSON(filepath.Join(v.Paths.CitationsDir, "blocked-urls.json"), &doc); err != nil {
		t.Fatalf("blocked-urls.json missing after a clean run: %v", err)
	}
	if len(doc.Entries) != 0 {
		t.Errorf("expected an empty blocked list, got %+v", doc.Entries)
	}
}

func TestOfflineReplayMatchesOnlineRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusPaymentRequired)
		}
	}))

	v := newTestValidator(t, schemas.EndpointConfig{})
	urls := []string{srv.URL + "/ok", srv.URL + "/pay"}
	online, err := v.Validate(context.Background(), urls, ModeOnline)
	if err != nil {
		t.Fatalf("online Validate returned an error: %v", err)
	}
	srv.Close()

	// The server is gone; replay must reproduce the exact
	// classification from the fixture without any network.
	replay, err := v.Validate(context.Background(), urls, ModeOffline)
	if err != nil {
		t.Fatalf("offline Validate returned an error: %v", err)
	}
	if len(replay.Results) != len(online.Results) {
		t.Fatalf("replay has %d results, online had %d", len(replay.Results), len(online.Results))
	}
	for i := range online.Results {
		o, r := online.Results[i], replay.Results[i]
		if o.OK != r.OK || o.Status != r.Status || o.FoundBy != r.FoundBy {
			t.Errorf("replay diverged for %s: online=%+v replay=%+v", o.URL, o, r)
		}
	}
}

func TestOfflineWithoutFixtureFails(t *testing.T) {
	v := newTestValidator(t, schemas.EndpointConfig{})
	_, err := v.Validate(context.Background(), []string{"https://example.com/a"}, ModeOffline)
	if !errors.Is(err, errors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND without a fixture, got %v", err)
	}
}

func TestDryRunWritesNothing(t *testing.T) {
	v := newTestValidator(t, schemas.EndpointConfig{})
	report, err := v.Validate(context.Background(), []string{"https://example.com/a"}, ModeDryRun)
	if err != nil {
		t.Fatalf("dry run returned an error: %v", err)
	}
	if len(report.Results) != 1 || report.Results[0].Action == "" {
		t.Errorf("dry run should hint at online validation: %+v", report.Results)
	}
	if fsstore.Exists(filepath.Join(v.Paths.CitationsDir, "found-by.json")) {
		t.Error("dry run wrote found-by.json")
	}
}

func TestFixtureDigestIgnoresWallClock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	urls := []string{srv.URL + "/a"}
	v1 := newTestValidator(t, schemas.EndpointConfig{})
	first, err := v1.Validate(context.Background(), urls, ModeOnline)
	if err != nil {
		t.Fatal(err)
	}

	v2 := newTestValidator(t, schemas.EndpointConfig{})
	v2.Now = func() time.Time { return fixedClock().Add(48 * time.Hour) }
	second, err := v2.Validate(context.Background(), urls, ModeOnline)
	if err != nil {
		t.Fatal(err)
	}

	var d1, d2 schemas.FixtureDoc
	if err := fsstore.ReadJSON(first.FixturesPath, &d1); err != nil {
		t.Fatal(err)
	}
	if err := fsstore.ReadJSON(second.FixturesPath, &d2); err != nil {
		t.Fatal(err)
	}
	if d1.InputsDigest != d2.InputsDigest {
		t.Errorf("same URL set digested differently across days: %s vs %s", d1.InputsDigest, d2.InputsDigest)
	}
}

func TestOnlineRejectsTokenWithoutEndpoint(t *testing.T) {
	v := newTestValidator(t, schemas.EndpointConfig{BrightDataToken: "secret"})
	_, err := v.Validate(context.Background(), []string{"https://example.com/a"}, ModeOnline)
	if !errors.Is(err, errors.CodeLadderConfigInvalid) {
		t.Fatalf("expected LADDER_CONFIG_INVALID, got %v", err)
	}
}
