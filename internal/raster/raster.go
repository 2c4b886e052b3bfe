// Package raster reads and writes the NPZ label rasters the renderer emits
// for pixel-accurate annotation channels.
//
// Semantic masks are small integers (class ids); instance masks carry full
// 64-bit identity hashes, so decoding must be lossless. All pixel values are
// widened to int64 on load.
package raster

import (
	"archive/zip"
	"fmt"
	"io"
	"strings"

	"github.com/sbinet/npyio"
)

// DefaultKey is the array name numpy assigns inside an .npz written as
// np.savez(path, array=...).
const DefaultKey = "array"

// Labels is a dense row-major integer raster.
type Labels struct {
	Width  int
	Height int
	Pix    []int64
}

// NewLabels allocates a zeroed raster.
func NewLabels(width, height int) *Labels {
	return &Labels{Width: width, Height: height, Pix: make([]int64, width*height)}
}

// At returns the label at pixel (x, y).
func (l *Labels) At(x, y int) int64 {
	return l.Pix[y*l.Width+x]
}

// Set assigns the label at pixel (x, y).
func (l *Labels) Set(x, y int, v int64) {
	l.Pix[y*l.Width+x] = v
}

// Fill assigns v to the inclusive pixel rectangle [x0,x1]×[y0,y1].
func (l *Labels) Fill(x0, y0, x1, y1 int, v int64) {
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			l.Set(x, y, v)
		}
	}
}

// DecodeNPZ loads the named 2-D integer array from an .npz archive. An
// empty key selects numpy's default "array" member.
func DecodeNPZ(path, key string) (*Labels, error) {
	if key == "" {
		key = DefaultKey
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open raster %s: %w", path, err)
	}
	defer zr.Close()

	member := key
	if !strings.HasSuffix(member, ".npy") {
		member += ".npy"
	}
	for _, f := range zr.File {
		if f.Name != member {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open raster member %s!%s: %w", path, member, err)
		}
		defer rc.Close()
		labels, err := decodeNPY(rc)
		if err != nil {
			return nil, fmt.Errorf("decode raster %s!%s: %w", path, member, err)
		}
		return labels, nil
	}
	return nil, fmt.Errorf("raster %s has no member %q", path, member)
}

// decodeNPY parses one .npy stream, dispatching on the stored dtype and
// widening every integer flavour to int64.
func decodeNPY(r io.Reader) (*Labels, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return nil, err
	}

	shape := nr.Header.Descr.Shape
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected 2-D label raster, got shape %v", shape)
	}
	if nr.Header.Descr.Fortran {
		return nil, fmt.Errorf("fortran-ordered rasters are not supported")
	}
	rows, cols := shape[0], shape[1]

	labels := NewLabels(cols, rows)
	switch dtype := nr.Header.Descr.Type; dtype {
	case "<i8", ">i8", "i8":
		if err := nr.Read(&labels.Pix); err != nil {
			return nil, err
		}
	case "<i4", ">i4", "i4":
		var data []int32
		if err := nr.Read(&data); err != nil {
			return nil, err
		}
		for i, v := range data {
			labels.Pix[i] = int64(v)
		}
	case "<i2", ">i2", "i2":
		var data []int16
		if err := nr.Read(&data); err != nil {
			return nil, err
		}
		for i, v := range data {
			labels.Pix[i] = int64(v)
		}
	case "<u2", ">u2", "u2":
		var data []uint16
		if err := nr.Read(&data); err != nil {
			return nil, err
		}
		for i, v := range data {
			labels.Pix[i] = int64(v)
		}
	case "|u1", "u1":
		var data []uint8
		if err := nr.Read(&data); err != nil {
			return nil, err
		}
		for i, v := range data {
			labels.Pix[i] = int64(v)
		}
	default:
		return nil, fmt.Errorf("unsupported label dtype %q", dtype)
	}

	if len(labels.Pix) != rows*cols {
		return nil, fmt.Errorf("raster data length %d does not match shape %v", len(labels.Pix), shape)
	}
	return labels, nil
}

// Unique returns the distinct labels in the raster for which keep returns
// true, in order of first appearance in scan order. A nil keep keeps all.
func (l *Labels) Unique(keep func(x, y int) bool) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			if keep != nil && !keep(x, y) {
				continue
			}
			v := l.At(x, y)
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
