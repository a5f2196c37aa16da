package schemas

import "time"

// Citation URL terminal statuses after exhausting the ladder.
const (
	URLBlocked     = "blocked"
	URLPaywalled   = "paywalled"
	URLUnreachable = "unreachable"
)

// FoundByDoc records which ladder step produced a usable result for
// each URL (citations/found-by.json).
type FoundByDoc struct {
	Schema  string             `json:"schema"`
	RunID   string             `json:"run_id"`
	Entries map[string]FoundBy `json:"entries"`
}

// FoundBy is the provenance of one successfully validated URL.
type FoundBy struct {
	Step      string    `json:"step"`
	CheckedAt time.Time `json:"checked_at"`
}

// BlockedURLsDoc is citations/blocked-urls.json. The file is always
// present after an online run, possibly with an empty list, so its
// absence means the run never reached citations validation.
type BlockedURLsDoc struct {
	Schema  string       `json:"schema"`
	RunID   string       `json:"run_id"`
	Entries []BlockedURL `json:"entries"`
}

// BlockedURL is one URL that exhausted the ladder. Action is a
// machine-actionable hint and is never empty.
type BlockedURL struct {
	URL           string `json:"url"`
	NormalizedURL string `json:"normalized_url"`
	Status        string `json:"status"`
	Action        string `json:"action"`
	LastStep      string `json:"last_step"`
	Detail        string `json:"detail,omitempty"`
}

// FixtureDoc is a reproducibility snapshot of one online validation
// run. Offline and dry-run modes replay it bit-for-bit. CapturedAt is
// observational and excluded from InputsDigest.
type FixtureDoc struct {
	Schema       string                  `json:"schema"`
	RunID        string                  `json:"run_id"`
	CapturedAt   time.Time               `json:"captured_at"`
	InputsDigest string                  `json:"inputs_digest"`
	Entries      map[string]FixtureEntry `json:"entries"`
}

// FixtureEntry is the captured classification of one normalized URL.
type FixtureEntry struct {
	OK      bool   `json:"ok"`
	FoundBy string `json:"found_by,omitempty"`
	Status  string `json:"status,omitempty"`
	Action  string `json:"action,omitempty"`
}
