// Package fsstore implements the artifact store: atomic JSON reads and
// writes under a run root, append-only JSONL logs, and the advisory
// run-level lock. Every other component persists through this package;
// nothing else touches files directly.
package fsstore

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spawn-mcp/longhaul/pkg/errors"
)

// WriteJSONAtomic marshals v and replaces path atomically via
// write-to-temp-then-rename. Readers never observe a partial document.
func WriteJSONAtomic(path string, v any) error {
	if path == "" {
		return errors.New(errors.CodeWriteFailed, "path is empty")
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed)
	}
	data = append(data, '\n')
	return WriteFileAtomic(path, data)
}

// WriteFileAtomic replaces path with data via temp+rename, creating
// parent directories as needed.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed)
	}
	return nil
}

// ReadJSON loads path into out, tagging missing files and malformed
// documents with their taxonomy codes.
func ReadJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Newf(errors.CodeNotFound, "no such document: %s", path).
				WithDetail("path", path)
		}
		return errors.Wrap(err, errors.CodeWriteFailed)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Newf(errors.CodeInvalidJSON, "parse %s: %v", path, err).
			WithDetail("path", path)
	}
	return nil
}

// Exists reports whether path names an existing file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// AppendJSONL appends one marshaled line to a JSONL log with O_APPEND
// semantics, so concurrent appenders from different processes stay safe
// without holding the run lock.
func AppendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed)
	}
	return nil
}

// ReadJSONLines decodes every non-empty line of a JSONL log into a
// fresh value produced by newItem, invoking visit per decoded line. A
// missing file is not an error: logs start empty.
func ReadJSONLines(path string, newItem func() any, visit func(item any) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, errors.CodeWriteFailed)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		item := newItem()
		if err := json.Unmarshal(line, item); err != nil {
			return errors.Newf(errors.CodeInvalidJSON, "parse %s line %d: %v", path, lineNo, err)
		}
		if err := visit(item); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed)
	}
	return nil
}

// CountJSONLines returns the number of non-empty lines in a JSONL log;
// zero for a missing file.
func CountJSONLines(path string) (int, error) {
	count := 0
	err := ReadJSONLines(path, func() any { return &json.RawMessage{} }, func(any) error {
		count++
		return nil
	})
	return count, err
}
