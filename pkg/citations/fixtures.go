package citations

import (
	"fmt"
	"path/filepath"

	"github.com/spawn-mcp/longhaul/pkg/errors"
	"github.com/spawn-mcp/longhaul/pkg/fsstore"
	"github.com/spawn-mcp/longhaul/pkg/schemas"
)

// writeFixture captures one online run as a timestamped snapshot and
// repoints the latest pointer at it. The snapshot's inputs_digest
// covers only the normalized URL set, never wall-clock values, so
// reruns at different times produce the same digest.
func (v *Validator) writeFixture(entries map[string]schemas.FixtureEntry, inputsDigest string) (string, error) {
	now := v.Now().UTC()
	doc := schemas.FixtureDoc{
		Schema:       schemas.SchemaFixtures,
		RunID:        v.RunID,
		CapturedAt:   now,
		InputsDigest: inputsDigest,
		Entries:      entries,
	}
	name := fmt.Sprintf("online-fixtures.%s.json", now.Format("20060102T150405Z"))
	path := filepath.Join(v.Paths.CitationsDir, name)
	if err := fsstore.WriteJSONAtomic(path, doc); err != nil {
		return "", err
	}

	pointer := schemas.Pointer{
		Schema: schemas.SchemaPointer,
		Path:   filepath.Join("citations", name),
		TS:     now,
	}
	latest := filepath.Join(v.Paths.CitationsDir, "online-fixtures.latest.json")
	if err := fsstore.WriteJSONAtomic(latest, pointer); err != nil {
		return "", err
	}
	return path, nil
}

// loadFixture resolves a fixture for replay: an explicit path when
// configured, else whatever the latest pointer references.
func (v *Validator) loadFixture() (*schemas.FixtureDoc, string, error) {
	path := v.FixturePath
	if path == "" {
		var pointer schemas.Pointer
		latest := filepath.Join(v.Paths.CitationsDir, "online-fixtures.latest.json")
		if err := fsstore.ReadJSON(latest, &pointer); err != nil {
			return nil, "", err
		}
		path = filepath.Join(v.Paths.Root, pointer.Path)
	}
	var doc schemas.FixtureDoc
	if err := fsstore.ReadJSON(path, &doc); err != nil {
		return nil, "", err
	}
	if doc.Schema != schemas.SchemaFixtures {
		return nil, "", errors.Newf(errors.CodeInvalidJSON, "unexpected fixture schema %q in %s", doc.Schema, path)
	}
	return &doc, path, nil
}
