package fsstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"

	"github.com/spawn-mcp/longhaul/pkg/errors"
)

// DigestJSON returns the hex SHA-256 of the canonical (compact, sorted
// map keys per encoding/json) marshaling of v. Callers must keep
// wall-clock timestamps out of v so digests reproduce across reruns.
func DigestJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeWriteFailed)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DigestFile returns the hex SHA-256 of a file's contents.
func DigestFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.Newf(errors.CodeNotFound, "no such file: %s", path)
		}
		return "", errors.Wrap(err, errors.CodeWriteFailed)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DigestStrings digests a set of strings independent of input order.
func DigestStrings(values []string) string {
	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)
	h := sha256.New()
	for _, v := range sorted {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
