// Package filebacked decorates in-memory collections with a synchronous
// whole collection serialization to a JSON file after every change.
// Content is restored on construction when the file has one.
//
// The whole file is rewritten on each mutation, so the types are meant for
// small and infrequently updated sets, like ids of jobs waiting in a queue.
// Single writer per file is assumed.
package filebacked

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

// files of this size or smaller are considered empty, eg "{}" or "[]"
const trivialSize = 2

func open(path string, into any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", path, err)
	}
	info, err := os.Stat(path)
	switch {
	case err == nil && info.Size() > trivialSize:
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if err := json.Unmarshal(bytes.TrimSpace(b), into); err != nil {
			return fmt.Errorf("decoding %s: %w", path, err)
		}
		return nil
	case err == nil:
		return nil
	case os.IsNotExist(err):
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
		return f.Close()
	default:
		return fmt.Errorf("stat %s: %w", path, err)
	}
}

func flush(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return f.Close()
}

func remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}
