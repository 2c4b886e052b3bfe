// Package postproc runs postprocessing units against a render output tree.
//
// Each unit pairs a pluggable transform (Processor) with a polling step
// synchronizer (Unit). The renderer and the units share nothing but the
// filesystem: units discover source ledgers by crawling the output tree,
// re-read them to find newly rendered steps, transform each step exactly
// once, and publish their own results through a ledger of the same schema.
package postproc

import (
	"path/filepath"

	"github.com/banshee-data/annotate.pipeline/internal/ledger"
)

// Description is the static metadata a transform publishes in its output
// ledger.
type Description struct {
	Type        string
	Format      string
	Description string
}

// SourceInfo is what a transform learns about its sources once they have
// all been located: the producing sensor, the expected step count, and the
// directory each stream type lives in (artifact paths are relative to their
// ledger's directory).
type SourceInfo struct {
	Sensor   string
	Expected int
	TypeDirs map[string]string
}

// StepSources is one step's snapshot of every source's artifact list,
// keyed by source id, captured at discovery time.
type StepSources map[string][]ledger.Artifact

// StepData hands a transform one step's sources together with the path
// resolution context.
type StepData struct {
	Step     int
	Sources  StepSources
	typeDirs map[string]string
}

// PathsByType resolves every artifact of the step to an absolute path,
// grouped by the artifact's stream type.
func (d *StepData) PathsByType() map[string][]string {
	paths := make(map[string][]string)
	for _, artifacts := range d.Sources {
		for _, a := range artifacts {
			paths[a.Type] = append(paths[a.Type], filepath.Join(d.typeDirs[a.Type], a.Path))
		}
	}
	return paths
}

// FirstPath returns the first resolved path of the given stream type, or
// "" if the step carries none.
func (d *StepData) FirstPath(streamType string) string {
	for _, artifacts := range d.Sources {
		for _, a := range artifacts {
			if a.Type == streamType {
				return filepath.Join(d.typeDirs[a.Type], a.Path)
			}
		}
	}
	return ""
}

// Processor is the capability set of one postprocessing transform.
//
// ProcessStep must be a pure function of one step's artifacts; the
// framework guarantees at-most-once invocation per step per process
// lifetime. ProcessAllSteps runs once after every step has finished and may
// return steps-independent aggregate artifacts (or nil).
type Processor interface {
	// Describe returns the static output stream metadata.
	Describe() Description

	// Prepare binds the transform to its located sources. Called once,
	// before any ProcessStep.
	Prepare(src SourceInfo) error

	// OutputFolder returns the folder this transform writes artifacts
	// into; the unit's own ledger lives beside it. Valid after Prepare.
	OutputFolder() string

	// ProcessStep transforms one step and returns the artifacts written,
	// with paths relative to OutputFolder.
	ProcessStep(data *StepData) ([]ledger.Artifact, error)

	// ProcessAllSteps runs after the final step and may return aggregate
	// artifacts keyed by step to merge into the output ledger.
	ProcessAllSteps() (map[int][]ledger.Artifact, error)
}
