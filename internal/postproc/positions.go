package postproc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/banshee-data/annotate.pipeline/internal/config"
	"github.com/banshee-data/annotate.pipeline/internal/identity"
	"github.com/banshee-data/annotate.pipeline/internal/ledger"
	"github.com/banshee-data/annotate.pipeline/internal/monitoring"
	"github.com/banshee-data/annotate.pipeline/internal/security"
)

func init() {
	Register("object_positions_merge", NewPositionsMerge)
}

// PositionsMerge joins the per-step object-positions channel with the
// image-space keypoints channel. The channels are written by independent
// render passes, so the join key is the 64-bit instance identity derived
// from the object position; the transform re-derives it here and warns on
// collisions instead of dropping records.
type PositionsMerge struct {
	cfg    *config.UnitConfig
	folder string
}

// NewPositionsMerge builds the transform.
func NewPositionsMerge(cfg *config.UnitConfig) (Processor, error) {
	return &PositionsMerge{cfg: cfg}, nil
}

// Describe returns the output stream metadata.
func (p *PositionsMerge) Describe() Description {
	return Description{
		Type:        "OBJECT_INSTANCES",
		Format:      "JSON",
		Description: "Per-instance object poses joined with image-space keypoints by instance identity.",
	}
}

// Prepare fixes the output folder from the producing sensor's name.
func (p *PositionsMerge) Prepare(src SourceInfo) error {
	p.folder = filepath.Join(p.cfg.ParentDir, src.Sensor+"_annotations", "object_instances")
	return nil
}

// OutputFolder returns the merge output folder.
func (p *PositionsMerge) OutputFolder() string { return p.folder }

// pose mirrors one entry of the object-positions channel.
type pose struct {
	Loc       []float64                  `json:"loc"`
	Rot       []float64                  `json:"rot,omitempty"`
	Scl       []float64                  `json:"scl,omitempty"`
	ID        int64                      `json:"id"`
	Keypoints map[string]json.RawMessage `json:"keypoints,omitempty"`
}

// instanceRecord is one merged output entry, keyed by instance identity.
type instanceRecord struct {
	ClassID   int64                      `json:"class_id"`
	Loc       []float64                  `json:"loc"`
	Rot       []float64                  `json:"rot,omitempty"`
	Scl       []float64                  `json:"scl,omitempty"`
	Keypoints map[string]json.RawMessage `json:"keypoints,omitempty"`
}

// ProcessStep merges one step's positions and keypoints files.
func (p *PositionsMerge) ProcessStep(data *StepData) ([]ledger.Artifact, error) {
	posPath := data.FirstPath("OBJECT_POSITIONS")
	if posPath == "" {
		return nil, fmt.Errorf("step %d is missing the object positions channel", data.Step)
	}
	if err := security.ValidateWithinRoot(posPath, p.cfg.ParentDir); err != nil {
		return nil, fmt.Errorf("step %d: %w", data.Step, err)
	}

	positions, err := readPositions(posPath)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*instanceRecord)
	for classID, poses := range positions {
		for _, entry := range poses {
			if len(entry.Loc) != 3 {
				return nil, fmt.Errorf("step %d: pose without 3D location in class %d", data.Step, classID)
			}
			id := identity.HashVector([3]float64{entry.Loc[0], entry.Loc[1], entry.Loc[2]})
			if entry.ID != 0 && entry.ID != id {
				monitoring.Logf("unit %s: step %d: recorded identity %d disagrees with derived %d",
					p.cfg.ID, data.Step, entry.ID, id)
			}
			key := strconv.FormatInt(id, 10)
			if prev, collided := merged[key]; collided {
				// 64-bit truncation makes this possible; keep going with
				// the merged record rather than dropping either object.
				monitoring.Logf("unit %s: step %d: identity collision on %d (classes %d and %d)",
					p.cfg.ID, data.Step, id, prev.ClassID, classID)
			}
			merged[key] = &instanceRecord{
				ClassID:   classID,
				Loc:       entry.Loc,
				Rot:       entry.Rot,
				Scl:       entry.Scl,
				Keypoints: entry.Keypoints,
			}
		}
	}

	// The keypoints channel is optional; when configured it is keyed by
	// the same identity and annotates the matching records.
	if kpPath := data.FirstPath("KEYPOINTS"); kpPath != "" {
		if err := security.ValidateWithinRoot(kpPath, p.cfg.ParentDir); err != nil {
			return nil, fmt.Errorf("step %d: %w", data.Step, err)
		}
		keypoints, err := readKeypoints(kpPath)
		if err != nil {
			return nil, err
		}
		for key, points := range keypoints {
			rec, ok := merged[key]
			if !ok {
				monitoring.Logf("unit %s: step %d: keypoints for unknown instance %s",
					p.cfg.ID, data.Step, key)
				continue
			}
			if rec.Keypoints == nil {
				rec.Keypoints = make(map[string]json.RawMessage, len(points))
			}
			for name, px := range points {
				rec.Keypoints[name] = px
			}
		}
	}

	name := fmt.Sprintf("%04d.json", data.Step)
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(p.folder, name), raw, 0o644); err != nil {
		return nil, fmt.Errorf("write merged instances for step %d: %w", data.Step, err)
	}
	return []ledger.Artifact{{Type: "OBJECT_INSTANCES", Path: name}}, nil
}

// ProcessAllSteps has no aggregate output.
func (p *PositionsMerge) ProcessAllSteps() (map[int][]ledger.Artifact, error) {
	return nil, nil
}

// readPositions parses an object-positions file: class id -> pose list.
func readPositions(path string) (map[int64][]pose, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read positions %s: %w", path, err)
	}
	byClass := make(map[string][]pose)
	if err := json.Unmarshal(raw, &byClass); err != nil {
		return nil, fmt.Errorf("parse positions %s: %w", path, err)
	}

	out := make(map[int64][]pose, len(byClass))
	for classKey, poses := range byClass {
		classID, err := strconv.ParseInt(classKey, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse positions %s: class key %q: %w", path, classKey, err)
		}
		out[classID] = poses
	}
	return out, nil
}

// readKeypoints parses a keypoints file: instance identity -> named
// image-space points. The producer also stores a class_id field per
// instance, which the merge does not need.
func readKeypoints(path string) (map[string]map[string]json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypoints %s: %w", path, err)
	}
	byInstance := make(map[string]map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &byInstance); err != nil {
		return nil, fmt.Errorf("parse keypoints %s: %w", path, err)
	}
	for _, points := range byInstance {
		delete(points, "class_id")
	}
	return byInstance, nil
}
