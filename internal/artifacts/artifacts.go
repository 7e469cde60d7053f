// Package artifacts manages the per-run output directory: run metadata,
// generated detector code, and the conversation transcript.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Dir struct {
	Path string
}

type RunMetadata struct {
	RunID        string `json:"run_id"`
	ChainName    string `json:"chain_name"`
	UserID       string `json:"user_id"`
	InitialInput string `json:"initial_input"`
	ThreadID     string `json:"thread_id"`
}

// Create makes the artifact directory for a run.
func Create(baseDir, runID string) (*Dir, error) {
	path := filepath.Join(baseDir, "run-"+runID)

	d := &Dir{Path: path}
	if err := os.MkdirAll(filepath.Join(path, "code"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	return d, nil
}

// Open returns the artifact directory of an existing run.
func Open(baseDir, runID string) (*Dir, error) {
	path := filepath.Join(baseDir, "run-"+runID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("artifacts for run %s do not exist", runID)
	}

	return &Dir{Path: path}, nil
}

// Remove deletes a run's artifact directory. Missing directories are not
// an error.
func Remove(baseDir, runID string) error {
	return os.RemoveAll(filepath.Join(baseDir, "run-"+runID))
}

func (d *Dir) WriteRunMetadata(meta *RunMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run metadata: %w", err)
	}

	if err := os.WriteFile(filepath.Join(d.Path, "run.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write run.json: %w", err)
	}

	return nil
}

func (d *Dir) ReadRunMetadata() (*RunMetadata, error) {
	data, err := os.ReadFile(filepath.Join(d.Path, "run.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read run.json: %w", err)
	}

	var meta RunMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse run.json: %w", err)
	}

	return &meta, nil
}

// SaveCode writes one generated source file under code/. The relative
// path may contain subdirectories.
func (d *Dir) SaveCode(relPath, content string) error {
	path := filepath.Join(d.Path, "code", filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create code directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", relPath, err)
	}
	return nil
}

// WriteTranscript stores the conversation transcript for the run.
func (d *Dir) WriteTranscript(transcript string) error {
	return os.WriteFile(filepath.Join(d.Path, "transcript.txt"), []byte(transcript), 0644)
}
