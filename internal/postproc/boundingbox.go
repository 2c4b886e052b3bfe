package postproc

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/annotate.pipeline/internal/config"
	"github.com/banshee-data/annotate.pipeline/internal/ledger"
	"github.com/banshee-data/annotate.pipeline/internal/raster"
	"github.com/banshee-data/annotate.pipeline/internal/security"
)

func init() {
	Register("bounding_boxes", NewBoundingBoxes)
}

// minClassPixels drops class assignments contributing fewer than this many
// pixels to an instance.
const minClassPixels = 5

// minClassFraction drops class assignments contributing under this share
// of an instance's pixel area.
const minClassFraction = 0.01

// BoundingBoxes converts a semantic-class raster plus an instance-id raster
// into YOLO text boxes, one file per step, one line per box.
type BoundingBoxes struct {
	cfg    *config.UnitConfig
	skip   map[int64]bool
	sensor string
	folder string

	// boxes per finished step, for the finalize summary
	boxCounts map[int]int
}

// NewBoundingBoxes validates the transform-specific configuration.
func NewBoundingBoxes(cfg *config.UnitConfig) (Processor, error) {
	if cfg.ClassesToSkip == nil {
		return nil, fmt.Errorf("bounding_boxes (%s): classes_to_skip is required", cfg.ID)
	}
	skip := make(map[int64]bool, len(*cfg.ClassesToSkip))
	for _, class := range *cfg.ClassesToSkip {
		skip[class] = true
	}
	return &BoundingBoxes{cfg: cfg, skip: skip, boxCounts: make(map[int]int)}, nil
}

// Describe returns the output stream metadata.
func (b *BoundingBoxes) Describe() Description {
	return Description{
		Type:        "BOUNDING_BOX",
		Format:      "YOLO",
		Description: "Bounding boxes with their respective class id of the current image.",
	}
}

// Prepare fixes the output folder from the producing sensor's name.
func (b *BoundingBoxes) Prepare(src SourceInfo) error {
	b.sensor = src.Sensor
	b.folder = filepath.Join(b.cfg.ParentDir, src.Sensor+"_annotations", "bounding_box")
	return nil
}

// OutputFolder returns the box output folder.
func (b *BoundingBoxes) OutputFolder() string { return b.folder }

// ProcessStep extracts boxes for one step.
func (b *BoundingBoxes) ProcessStep(data *StepData) ([]ledger.Artifact, error) {
	semPath := data.FirstPath("SEMANTIC_SEGMENTATION")
	instPath := data.FirstPath("INSTANCE_SEGMENTATION")
	if semPath == "" || instPath == "" {
		return nil, fmt.Errorf("step %d is missing a segmentation channel", data.Step)
	}
	for _, path := range []string{semPath, instPath} {
		if err := security.ValidateWithinRoot(path, b.cfg.ParentDir); err != nil {
			return nil, fmt.Errorf("step %d: %w", data.Step, err)
		}
	}

	semantic, err := raster.DecodeNPZ(semPath, "")
	if err != nil {
		return nil, err
	}
	instance, err := raster.DecodeNPZ(instPath, "")
	if err != nil {
		return nil, err
	}
	if semantic.Width != instance.Width || semantic.Height != instance.Height {
		return nil, fmt.Errorf("step %d: raster sizes differ: %dx%d vs %dx%d",
			data.Step, semantic.Width, semantic.Height, instance.Width, instance.Height)
	}

	lines := b.extract(semantic, instance)
	b.boxCounts[data.Step] = len(lines)

	name := fmt.Sprintf("%04d.txt", data.Step)
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	if err := os.WriteFile(filepath.Join(b.folder, name), []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write boxes for step %d: %w", data.Step, err)
	}

	return []ledger.Artifact{{Type: "BOUNDING_BOX", Path: name}}, nil
}

// extract computes one YOLO line per retained (instance, class) pair.
func (b *BoundingBoxes) extract(semantic, instance *raster.Labels) []string {
	// Instances visible outside the skipped classes, in scan order.
	ids := instance.Unique(func(x, y int) bool {
		return !b.skip[semantic.At(x, y)]
	})

	var lines []string
	for _, id := range ids {
		// id 0 marks pixels with no instance.
		if id == 0 {
			continue
		}
		total := 0
		classCounts := make(map[int64]int)
		for y := 0; y < instance.Height; y++ {
			for x := 0; x < instance.Width; x++ {
				if instance.At(x, y) != id {
					continue
				}
				total++
				classCounts[semantic.At(x, y)]++
			}
		}

		retained := make(map[int64]bool)
		for class, count := range classCounts {
			if float64(count) > float64(total)*minClassFraction && count > minClassPixels {
				retained[class] = true
			}
		}
		if len(retained) == 0 {
			continue
		}

		if b.cfg.MultipleBBPerInstance {
			classes := make([]int64, 0, len(retained))
			for class := range retained {
				classes = append(classes, class)
			}
			sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
			for _, class := range classes {
				if b.skip[class] {
					continue
				}
				line, ok := boxLine(semantic, instance, id, class, map[int64]bool{class: true})
				if ok {
					lines = append(lines, line)
				}
			}
		} else {
			// The lowest retained class id is the instance's main class.
			main := int64(0)
			first := true
			for class := range retained {
				if first || class < main {
					main, first = class, false
				}
			}
			line, ok := boxLine(semantic, instance, id, main, retained)
			if ok {
				lines = append(lines, line)
			}
		}
	}
	return lines
}

// boxLine computes the pixel bounding rectangle of the instance restricted
// to the given classes and formats it as a normalized YOLO record. The box
// extent is inclusive of both edge pixels.
func boxLine(semantic, instance *raster.Labels, id, class int64, classes map[int64]bool) (string, bool) {
	minX, minY := instance.Width, instance.Height
	maxX, maxY := -1, -1
	for y := 0; y < instance.Height; y++ {
		for x := 0; x < instance.Width; x++ {
			if instance.At(x, y) != id || !classes[semantic.At(x, y)] {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if maxX < 0 {
		return "", false
	}

	imgW := float64(instance.Width)
	imgH := float64(instance.Height)
	xCenter := (float64(minX) + float64(maxX)) / 2 / imgW
	yCenter := (float64(minY) + float64(maxY)) / 2 / imgH
	w := float64(maxX-minX+1) / imgW
	h := float64(maxY-minY+1) / imgH
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f", class, xCenter, yCenter, w, h), true
}

// boxSummary is the aggregate record written after the last step.
type boxSummary struct {
	Steps          int     `yaml:"steps"`
	TotalBoxes     int     `yaml:"total_boxes"`
	MeanBoxesStep  float64 `yaml:"mean_boxes_per_step"`
	StdevBoxesStep float64 `yaml:"stddev_boxes_per_step"`
}

// ProcessAllSteps writes a box-count summary beside the step outputs. The
// summary is provenance, not a per-step artifact, so no ledger entries are
// returned.
func (b *BoundingBoxes) ProcessAllSteps() (map[int][]ledger.Artifact, error) {
	counts := make([]float64, 0, len(b.boxCounts))
	totalBoxes := 0
	for _, n := range b.boxCounts {
		counts = append(counts, float64(n))
		totalBoxes += n
	}

	summary := boxSummary{Steps: len(b.boxCounts), TotalBoxes: totalBoxes}
	if len(counts) > 0 {
		mean, stdev := stat.MeanStdDev(counts, nil)
		summary.MeanBoxesStep = mean
		if len(counts) > 1 {
			summary.StdevBoxesStep = stdev
		}
	}

	raw, err := yaml.Marshal(summary)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(b.folder, "summary.yaml"), raw, 0o644); err != nil {
		return nil, fmt.Errorf("write box summary: %w", err)
	}
	return nil, nil
}
