// Package config loads the postprocessing job configuration.
//
// The file is the same YAML document the render pipeline is driven by; this
// package only cares about the `postprocessing` section, which maps a
// transform kind to the list of job instances to run for it.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// maxFileSize caps how large a job config may be (1MB).
const maxFileSize = 1 * 1024 * 1024

// JobConfig is the root of the job configuration document. Sections other
// than postprocessing belong to the renderer and are ignored here.
type JobConfig struct {
	Postprocessing map[string][]*UnitConfig `yaml:"postprocessing"`
}

// UnitConfig configures one postprocessing unit instance.
type UnitConfig struct {
	// ID is the unit's own output stream id, unique within a job.
	ID string `yaml:"id"`

	// Sources lists the upstream ledger ids this unit depends on.
	Sources []string `yaml:"sources"`

	// ExpectedSteps overrides the step count; zero means infer it from
	// the first source ledger.
	ExpectedSteps int `yaml:"expected_steps"`

	// ClassesToSkip masks semantic classes out of bounding-box
	// extraction. Required for the bounding_boxes transform; accepts a
	// scalar or a sequence.
	ClassesToSkip *IntList `yaml:"classes_to_skip"`

	// MultipleBBPerInstance emits one box per (instance, class) pair
	// instead of a single box per instance.
	MultipleBBPerInstance bool `yaml:"multiple_bb_per_instance"`

	// ParentDir is the output-tree root to scan for sources. It is not
	// part of the file; the CLI injects the resolved output path.
	ParentDir string `yaml:"-"`
}

// IntList unmarshals either a single YAML scalar or a sequence of them,
// mirroring the loosely-typed job configs the renderer accepts.
type IntList []int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (il *IntList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v int64
		if err := node.Decode(&v); err != nil {
			return err
		}
		*il = IntList{v}
		return nil
	case yaml.SequenceNode:
		var vs []int64
		if err := node.Decode(&vs); err != nil {
			return err
		}
		*il = IntList(vs)
		return nil
	default:
		return fmt.Errorf("classes list must be a scalar or sequence, got %v", node.Kind)
	}
}

// Load reads and validates a job configuration file.
func Load(path string) (*JobConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("job config must have .yaml extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat job config: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("job config too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}

	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read job config: %w", err)
	}

	var cfg JobConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse job config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the structural requirements every unit shares. Transform
// specific parameters are validated by the transform factories.
func (c *JobConfig) Validate() error {
	seen := make(map[string]string)
	for kind, units := range c.Postprocessing {
		for i, u := range units {
			if u == nil {
				return fmt.Errorf("postprocessing.%s[%d]: empty entry", kind, i)
			}
			if u.ID == "" {
				return fmt.Errorf("postprocessing.%s[%d]: missing id", kind, i)
			}
			if prev, dup := seen[u.ID]; dup {
				return fmt.Errorf("postprocessing.%s: id %q already used by %s", kind, u.ID, prev)
			}
			seen[u.ID] = kind
			if len(u.Sources) == 0 {
				return fmt.Errorf("postprocessing.%s (%s): missing sources", kind, u.ID)
			}
		}
	}
	return nil
}

// InjectParentDir sets the output-tree root on every unit, resolving it to
// an absolute path first.
func (c *JobConfig) InjectParentDir(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve output path %q: %w", dir, err)
	}
	for _, units := range c.Postprocessing {
		for _, u := range units {
			u.ParentDir = abs
		}
	}
	return nil
}
