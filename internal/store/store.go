// Package store persists run results. A run is written once, after the
// traversal returns, to any number of sinks.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"drawsnerd/internal/traverse"
)

// Sink persists one finished run.
type Sink interface {
	Save(ctx context.Context, run *traverse.RunResult) error
}

// Multi fans a run out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Save(ctx context.Context, run *traverse.RunResult) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JSONFile writes the run as indented JSON, replacing the file atomically.
type JSONFile struct {
	Path string
}

func (j JSONFile) Save(ctx context.Context, run *traverse.RunResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	dir := filepath.Dir(j.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".results-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write results: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close results: %w", err)
	}
	if err := os.Rename(tmp.Name(), j.Path); err != nil {
		return fmt.Errorf("replace %s: %w", j.Path, err)
	}
	return nil
}

// ReadJSONFile loads a run previously written by JSONFile.
func ReadJSONFile(path string) (*traverse.RunResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var run traverse.RunResult
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &run, nil
}
