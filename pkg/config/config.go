// Package config resolves the run constraint snapshot at init time.
// Precedence is environment over the run-local config.yaml over
// compiled defaults. This is the only package that reads the
// environment; after init the manifest's snapshot is authoritative and
// nothing here is consulted again.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

// Environment variables recognized at init.
const (
	EnvOnlineValidation = "LONGHAUL_ONLINE_VALIDATION"
	EnvSensitivityTier  = "LONGHAUL_SENSITIVITY_TIER"
	EnvMaxPerspectives  = "LONGHAUL_MAX_PERSPECTIVES"
	EnvBrightDataURL    = "LONGHAUL_BRIGHTDATA_URL"
	EnvBrightDataToken  = "LONGHAUL_BRIGHTDATA_TOKEN"
	EnvApifyURL         = "LONGHAUL_APIFY_URL"
	EnvApifyToken       = "LONGHAUL_APIFY_TOKEN"
	EnvTelemetryProject = "LONGHAUL_TELEMETRY_PROJECT"
	EnvTelemetryTopic   = "LONGHAUL_TELEMETRY_TOPIC"
	EnvTelemetryColl    = "LONGHAUL_TELEMETRY_COLLECTION"
)

// fileConfig is the YAML shape of a run-local config.yaml. Every field
// is optional; absent fields fall through to the defaults.
type fileConfig struct {
	SensitivityTier     *string          `yaml:"sensitivity_tier"`
	OnlineValidation    *bool            `yaml:"online_validation"`
	MaxPerspectives     *int             `yaml:"max_perspectives"`
	RetryCaps           map[string]int   `yaml:"retry_caps"`
	StageTimeoutSeconds map[string]int64 `yaml:"stage_timeout_seconds"`
	Endpoints           struct {
		BrightDataURL   string `yaml:"bright_data_url"`
		BrightDataToken string `yaml:"bright_data_token"`
		ApifyURL        string `yaml:"apify_url"`
		ApifyToken      string `yaml:"apify_token"`
		StepTimeoutSecs int64  `yaml:"step_timeout_seconds"`
	} `yaml:"endpoints"`
	Telemetry struct {
		ProjectID  string `yaml:"project_id"`
		Topic      string `yaml:"topic"`
		Collection string `yaml:"collection"`
	} `yaml:"telemetry"`
}

// Defaults returns the compiled-in constraint baseline.
func Defaults() schemas.Constraints {
	return schemas.Constraints{
		SensitivityTier:  "standard",
		OnlineValidation: false,
		MaxPerspectives:  8,
	}
}

// Resolve builds the constraint snapshot for a run root. lookupEnv is
// injectable for tests; pass nil to use os.LookupEnv.
func Resolve(paths schemas.RunPaths, lookupEnv func(string) (string, bool)) (schemas.Constraints, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	c := Defaults()

	if err := applyFile(paths.Config, &c); err != nil {
		return schemas.Constraints{}, err
	}
	if err := applyEnv(lookupEnv, &c); err != nil {
		return schemas.Constraints{}, err
	}
	return c, nil
}

func applyFile(path string, c *schemas.Constraints) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return errors.Newf(errors.CodeInvalidJSON, "parse %s: %v", path, err).
			WithDetail("path", path)
	}

	if fc.SensitivityTier != nil {
		c.SensitivityTier = *fc.SensitivityTier
	}
	if fc.OnlineValidation != nil {
		c.OnlineValidation = *fc.OnlineValidation
	}
	if fc.MaxPerspectives != nil {
		c.MaxPerspectives = *fc.MaxPerspectives
	}
	if len(fc.RetryCaps) > 0 {
		c.RetryCaps = fc.RetryCaps
	}
	if len(fc.StageTimeoutSeconds) > 0 {
		c.StageTimeoutSeconds = fc.StageTimeoutSeconds
	}
	if fc.Endpoints.BrightDataURL != "" {
		c.Endpoints.BrightDataURL = fc.Endpoints.BrightDataURL
	}
	if fc.Endpoints.BrightDataToken != "" {
		c.Endpoints.BrightDataToken = fc.Endpoints.BrightDataToken
	}
	if fc.Endpoints.ApifyURL != "" {
		c.Endpoints.ApifyURL = fc.Endpoints.ApifyURL
	}
	if fc.Endpoints.ApifyToken != "" {
		c.Endpoints.ApifyToken = fc.Endpoints.ApifyToken
	}
	if fc.Endpoints.StepTimeoutSecs > 0 {
		c.Endpoints.StepTimeoutSecs = fc.Endpoints.StepTimeoutSecs
	}
	if fc.Telemetry.ProjectID != "" {
		c.Telemetry.ProjectID = fc.Telemetry.ProjectID
	}
	if fc.Telemetry.Topic != "" {
		c.Telemetry.Topic = fc.Telemetry.Topic
	}
	if fc.Telemetry.Collection != "" {
		c.Telemetry.Collection = fc.Telemetry.Collection
	}
	return nil
}

func applyEnv(lookup func(string) (string, bool), c *schemas.Constraints) error {
	if v, ok := lookup(EnvOnlineValidation); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return errors.Newf(errors.CodeInvalidState, "%s: %q is not a boolean", EnvOnlineValidation, v)
		}
		c.OnlineValidation = b
	}
	if v, ok := lookup(EnvSensitivityTier); ok && v != "" {
		c.SensitivityTier = v
	}
	if v, ok := lookup(EnvMaxPerspectives); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			return errors.Newf(errors.CodeInvalidState, "%s: %q is not a positive integer", EnvMaxPerspectives, v)
		}
		c.MaxPerspectives = n
	}
	if v, ok := lookup(EnvBrightDataURL); ok {
		c.Endpoints.BrightDataURL = v
	}
	if v, ok := lookup(EnvBrightDataToken); ok {
		c.Endpoints.BrightDataToken = v
	}
	if v, ok := lookup(EnvApifyURL); ok {
		c.Endpoints.ApifyURL = v
	}
	if v, ok := lookup(EnvApifyToken); ok {
		c.Endpoints.ApifyToken = v
	}
	if v, ok := lookup(EnvTelemetryProject); ok {
		c.Telemetry.ProjectID = v
	}
	if v, ok := lookup(EnvTelemetryTopic); ok {
		c.Telemetry.Topic = v
	}
	if v, ok := lookup(EnvTelemetryColl); ok {
		c.Telemetry.Collection = v
	}
	return nil
}

// WriteSnapshot persists the resolved constraints back to config.yaml
// so the run directory carries the exact configuration it was
// initialized with.
func WriteSnapshot(paths schemas.RunPaths, c schemas.Constraints) error {
	data, err := yaml.Marshal(snapshotDoc(c))
	if err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed)
	}
	if err := os.WriteFile(paths.Config, data, 0o644); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed)
	}
	return nil
}

// snapshotDoc strips secrets before the snapshot hits disk. Tokens stay
// in the manifest only, which operators already treat as sensitive.
func snapshotDoc(c schemas.Constraints) map[string]any {
	doc := map[string]any{
		"sensitivity_tier":  c.SensitivityTier,
		"online_validation": c.OnlineValidation,
		"max_perspectives":  c.MaxPerspectives,
	}
	if len(c.RetryCaps) > 0 {
		doc["retry_caps"] = c.RetryCaps
	}
	if len(c.StageTimeoutSeconds) > 0 {
		doc["stage_timeout_seconds"] = c.StageTimeoutSeconds
	}
	endpoints := map[string]any{}
	if c.Endpoints.BrightDataURL != "" {
		endpoints["bright_data_url"] = c.Endpoints.BrightDataURL
	}
	if c.Endpoints.ApifyURL != "" {
		endpoints["apify_url"] = c.Endpoints.ApifyURL
	}
	if c.Endpoints.StepTimeoutSecs > 0 {
		endpoints["step_timeout_seconds"] = c.Endpoints.StepTimeoutSecs
	}
	if len(endpoints) > 0 {
		doc["endpoints"] = endpoints
	}
	if c.Telemetry.ProjectID != "" {
		doc["telemetry"] = map[string]any{
			"project_id": c.Telemetry.ProjectID,
			"topic":      c.Telemetry.Topic,
			"collection": c.Telemetry.Collection,
		}
	}
	return doc
}
