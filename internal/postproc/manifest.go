package postproc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestEntry records where one unit left its outputs.
type ManifestEntry struct {
	Kind   string `yaml:"kind"`
	Folder string `yaml:"folder"`
	Steps  int    `yaml:"steps"`
}

// Manifest is the combined output record of one postprocessing run,
// written at the output-tree root for downstream consumers.
type Manifest struct {
	RunID      string                   `yaml:"run_id"`
	StartedAt  time.Time                `yaml:"started_at"`
	FinishedAt time.Time                `yaml:"finished_at"`
	Outputs    map[string]ManifestEntry `yaml:"outputs"`
}

// WriteManifest persists the manifest as manifest.yaml under dir.
func WriteManifest(dir string, m *Manifest) error {
	raw, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("serialize manifest: %w", err)
	}
	path := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "manifest.yaml"))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}
