package postproc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/annotate.pipeline/internal/config"
	"github.com/banshee-data/annotate.pipeline/internal/identity"
	"github.com/banshee-data/annotate.pipeline/internal/ledger"
	"github.com/banshee-data/annotate.pipeline/internal/monitoring"
)

// captureLogs routes diagnostic warnings into a slice for the duration of
// the test.
func captureLogs(t *testing.T) *[]string {
	t.Helper()
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })
	return &lines
}

func newMergeProcessor(t *testing.T) *PositionsMerge {
	t.Helper()
	cfg := &config.UnitConfig{
		ID:        "main_cam_instances",
		Sources:   []string{"main_cam_positions", "main_cam_keypoints"},
		ParentDir: t.TempDir(),
	}
	proc, err := NewPositionsMerge(cfg)
	require.NoError(t, err)
	p := proc.(*PositionsMerge)
	require.NoError(t, p.Prepare(SourceInfo{Sensor: "main_cam"}))
	require.NoError(t, os.MkdirAll(p.OutputFolder(), 0o755))
	return p
}

// mergeStepData writes the positions (and optional keypoints) fixtures
// under the output tree and wires them up the way the synchronizer would.
func mergeStepData(t *testing.T, parent string, step int, positions, keypoints string) *StepData {
	t.Helper()
	dir := filepath.Join(parent, "fixtures", fmt.Sprintf("step%d", step))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	sources := StepSources{
		"main_cam_positions": {{Type: "OBJECT_POSITIONS", Path: "pos.json"}},
	}
	typeDirs := map[string]string{"OBJECT_POSITIONS": dir}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pos.json"), []byte(positions), 0o644))
	if keypoints != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "kp.json"), []byte(keypoints), 0o644))
		sources["main_cam_keypoints"] = []ledger.Artifact{{Type: "KEYPOINTS", Path: "kp.json"}}
		typeDirs["KEYPOINTS"] = dir
	}
	return &StepData{Step: step, Sources: sources, typeDirs: typeDirs}
}

func readMerged(t *testing.T, p *PositionsMerge, name string) map[string]instanceRecord {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(p.OutputFolder(), name))
	require.NoError(t, err)
	out := make(map[string]instanceRecord)
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestPositionsMergeWithKeypoints(t *testing.T) {
	logs := captureLogs(t)
	p := newMergeProcessor(t)

	id := identity.Hash(1, 2, 3)
	key := strconv.FormatInt(id, 10)
	positions := fmt.Sprintf(`{"5": [{"loc": [1.0, 2.0, 3.0], "rot": [0, 0, 0.5], "scl": [1, 1, 1], "id": %d}]}`, id)
	keypoints := fmt.Sprintf(`{"%s": {"class_id": 5, "nose": {"x": 12, "y": 34}}}`, key)

	artifacts, err := p.ProcessStep(mergeStepData(t, p.cfg.ParentDir, 0, positions, keypoints))
	require.NoError(t, err)
	require.Equal(t, []ledger.Artifact{{Type: "OBJECT_INSTANCES", Path: "0000.json"}}, artifacts)
	require.Empty(t, *logs)

	merged := readMerged(t, p, "0000.json")
	require.Len(t, merged, 1)
	rec := merged[key]
	require.EqualValues(t, 5, rec.ClassID)
	require.Equal(t, []float64{1, 2, 3}, rec.Loc)
	require.JSONEq(t, `{"x": 12, "y": 34}`, string(rec.Keypoints["nose"]))
	_, hasClassID := rec.Keypoints["class_id"]
	require.False(t, hasClassID)
}

func TestPositionsMergeRederivesIdentity(t *testing.T) {
	logs := captureLogs(t)
	p := newMergeProcessor(t)

	// The recorded id is stale; the derived one wins and a warning is
	// emitted.
	positions := `{"2": [{"loc": [0.1234, -5.4321, 2.7182], "id": 1}]}`
	_, err := p.ProcessStep(mergeStepData(t, p.cfg.ParentDir, 0, positions, ""))
	require.NoError(t, err)

	merged := readMerged(t, p, "0000.json")
	key := strconv.FormatInt(identity.Hash(0.1234, -5.4321, 2.7182), 10)
	require.Contains(t, merged, key)
	require.Len(t, *logs, 1)
	require.Contains(t, (*logs)[0], "disagrees")
}

func TestPositionsMergeCollisionWarns(t *testing.T) {
	logs := captureLogs(t)
	p := newMergeProcessor(t)

	// Two objects at the identical quantized location share an identity.
	positions := `{"2": [{"loc": [1.0, 1.0, 1.0]}], "4": [{"loc": [1.0, 1.0, 1.0]}]}`
	_, err := p.ProcessStep(mergeStepData(t, p.cfg.ParentDir, 0, positions, ""))
	require.NoError(t, err)

	merged := readMerged(t, p, "0000.json")
	require.Len(t, merged, 1)
	require.Len(t, *logs, 1)
	require.Contains(t, (*logs)[0], "identity collision")
}

func TestPositionsMergeUnknownKeypointInstance(t *testing.T) {
	logs := captureLogs(t)
	p := newMergeProcessor(t)

	positions := `{"5": [{"loc": [1.0, 2.0, 3.0]}]}`
	keypoints := `{"999999": {"class_id": 5, "nose": {"x": 1, "y": 2}}}`
	_, err := p.ProcessStep(mergeStepData(t, p.cfg.ParentDir, 0, positions, keypoints))
	require.NoError(t, err)

	require.Len(t, *logs, 1)
	require.Contains(t, (*logs)[0], "unknown instance")
}

func TestPositionsMergeMissingChannel(t *testing.T) {
	p := newMergeProcessor(t)
	_, err := p.ProcessStep(&StepData{Step: 2, Sources: StepSources{}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "object positions channel")
}

func TestPositionsMergePoseWithoutLocation(t *testing.T) {
	p := newMergeProcessor(t)
	_, err := p.ProcessStep(mergeStepData(t, p.cfg.ParentDir, 0, `{"5": [{"loc": [1.0]}]}`, ""))
	require.Error(t, err)
	require.Contains(t, err.Error(), "without 3D location")
}
