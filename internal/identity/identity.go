// Package identity derives stable 64-bit instance identities from 3D
// positions.
//
// Independently rendered annotation channels (object positions, keypoints,
// instance segmentation) carry no shared in-memory state; the only way to
// recognise the same physical object across them is to hash its position.
// Positions are quantised to millimetres before hashing, so any two samples
// of the same point agree bit-for-bit as long as the producers round the
// same way. Every call site must therefore go through Hash or HashVector.
package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

// Hash maps a 3D position in metres to a signed 64-bit instance identity.
//
// Each coordinate is converted to millimetres and rounded half to even,
// the three rounded values are packed as little-endian float32 in
// x, y, z order, and the packed bytes are hashed with SHA-256. The first
// 8 bytes of the digest, read big-endian, form the identity.
//
// The mapping is deterministic: no randomness and no process state. Distinct
// quantised positions can collide with probability about 2^-64; the hasher
// never detects collisions, callers that merge records by identity are
// responsible for logging them.
func Hash(x, y, z float64) int64 {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(quantize(x)))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(quantize(y)))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(quantize(z)))

	sum := sha256.Sum256(buf[:])
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// HashVector is Hash for positions already held as a 3-vector.
func HashVector(v [3]float64) int64 {
	return Hash(v[0], v[1], v[2])
}

// quantize converts metres to whole millimetres, rounding half to even.
// The annotation producers quantise with banker's rounding, so halves
// must break the same way here or identities derived from positions stop
// matching the keys recorded alongside keypoints.
func quantize(coord float64) float32 {
	return float32(math.RoundToEven(coord * 1000))
}
