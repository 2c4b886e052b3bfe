package raster

import (
	"archive/zip"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
)

// EncodeNPZ writes the raster as a single-member .npz archive compatible
// with numpy.load. dtype selects the stored element width: "<i8" keeps the
// full 64-bit value (instance identity rasters), "<i4" suits class-id
// rasters and fails if any pixel overflows int32.
func EncodeNPZ(path, key string, l *Labels, dtype string) error {
	if key == "" {
		key = DefaultKey
	}

	payload, err := encodeNPY(l, dtype)
	if err != nil {
		return fmt.Errorf("encode raster %s: %w", path, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create raster %s: %w", path, err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create(key + ".npy")
	if err != nil {
		return fmt.Errorf("create raster member %s: %w", path, err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write raster member %s: %w", path, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish raster %s: %w", path, err)
	}
	return f.Close()
}

// encodeNPY serialises the raster as numpy format 1.0: magic, little-endian
// header length, the dict header padded to 64-byte alignment, then raw
// little-endian pixel data.
func encodeNPY(l *Labels, dtype string) ([]byte, error) {
	var elemSize int
	switch dtype {
	case "<i8":
		elemSize = 8
	case "<i4":
		elemSize = 4
	default:
		return nil, fmt.Errorf("unsupported output dtype %q", dtype)
	}

	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%d, %d), }",
		dtype, l.Height, l.Width)
	pad := (64 - (10+len(header)+1)%64) % 64
	header += strings.Repeat(" ", pad) + "\n"

	buf := make([]byte, 0, 10+len(header)+len(l.Pix)*elemSize)
	buf = append(buf, "\x93NUMPY"...)
	buf = append(buf, 0x01, 0x00)
	buf = append(buf, byte(len(header)), byte(len(header)>>8))
	buf = append(buf, header...)

	for _, v := range l.Pix {
		switch dtype {
		case "<i8":
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
		case "<i4":
			if v > 1<<31-1 || v < -(1<<31) {
				return nil, fmt.Errorf("pixel value %d overflows int32", v)
			}
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(v)))
		}
	}
	return buf, nil
}
