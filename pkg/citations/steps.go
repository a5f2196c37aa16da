package citations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

// Ladder step names, in attempt order.
const (
	StepDirectFetch = "direct_fetch"
	StepBrightData  = "bright_data"
	StepApify       = "apify"
)

// StepResult is the variant each ladder step returns: usable content,
// try the next step, or a terminal classification that stops the
// ladder. Errors are never used as control flow here.
type StepResult struct {
	Usable   bool
	Terminal bool
	Status   string // classification when not usable
	Detail   string
}

// Step is one rung of the validation ladder.
type Step interface {
	Name() string
	Fetch(ctx context.Context, url string) StepResult
}

// directFetchStep fetches the URL with a plain bounded GET.
type directFetchStep struct {
	client *http.Client
}

func (s *directFetchStep) Name() string { return StepDirectFetch }

func (s *directFetchStep) Fetch(ctx context.Context, url string) StepResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StepResult{Terminal: true, Status: schemas.URLUnreachable, Detail: err.Error()}
	}
	req.Header.Set("User-Agent", "longhaul-citations/1.0")
	resp, err := s.client.Do(req)
	if err != nil {
		return StepResult{Status: schemas.URLUnreachable, Detail: err.Error()}
	}
	defer drainAndClose(resp.Body)
	return classifyHTTP(resp.StatusCode)
}

// proxyStep validates a URL through a fetch-proxy endpoint (Bright
// Data or Apify). The endpoint receives {"url": ...} and answers with
// the upstream status.
type proxyStep struct {
	name     string
	client   *http.Client
	endpoint string
	token    string
}

func (s *proxyStep) Name() string { return s.name }

func (s *proxyStep) Fetch(ctx context.Context, url string) StepResult {
	body, _ := json.Marshal(map[string]string{"url": url})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return StepResult{Terminal: true, Status: schemas.URLUnreachable, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return StepResult{Status: schemas.URLUnreachable, Detail: err.Error()}
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		// The proxy rejected our credentials, not the target URL.
		return StepResult{Status: schemas.URLBlocked,
			Detail: fmt.Sprintf("%s endpoint refused credentials (%d)", s.name, resp.StatusCode)}
	}
	return classifyHTTP(resp.StatusCode)
}

// classifyHTTP maps an upstream status code onto the ladder's result
// variants. Paywalls and blocks are worth escalating to the next rung;
// a hard 404/410 is terminal because no proxy will conjure the page.
func classifyHTTP(code int) StepResult {
	switch {
	case code >= 200 && code < 300:
		return StepResult{Usable: true}
	case code == http.StatusPaymentRequired:
		return StepResult{Status: schemas.URLPaywalled, Detail: fmt.Sprintf("HTTP %d", code)}
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusTooManyRequests:
		return StepResult{Status: schemas.URLBlocked, Detail: fmt.Sprintf("HTTP %d", code)}
	case code == http.StatusNotFound, code == http.StatusGone:
		return StepResult{Terminal: true, Status: schemas.URLUnreachable, Detail: fmt.Sprintf("HTTP %d", code)}
	case code >= 500:
		return StepResult{Status: schemas.URLUnreachable, Detail: fmt.Sprintf("HTTP %d", code)}
	default:
		return StepResult{Status: schemas.URLBlocked, Detail: fmt.Sprintf("HTTP %d", code)}
	}
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	body.Close()
}

// actionFor returns the machine-actionable hint for a terminal
// classification. Hints are never empty: a blocked URL without a next
// step is a dead end for automation.
func actionFor(status string) string {
	switch status {
	case schemas.URLPaywalled:
		return "Fetch via an institutional subscription or attach the cited excerpt manually, then re-run citations validation."
	case schemas.URLBlocked:
		return "Configure a bright_data or apify endpoint with residential egress, or supply a manual excerpt for this source."
	default:
		return "Verify the URL is still live or replace the citation with an accessible source."
	}
}
