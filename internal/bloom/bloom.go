// Package bloom implements a per-SSTable probabilistic membership
// filter: a bit array addressed by k independent lanes derived from a
// single fnv1a hash via double hashing.
package bloom

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"redish/internal/dberrors"
)

// Filter is a fixed-size bit array with k hash lanes, sized for an
// expected key count and target false-positive rate at construction.
type Filter struct {
	bits []byte
	m    uint32 // number of bits
	k    uint32 // number of hash lanes
	n    uint32 // keys added (informational)
}

// DefaultFPR is the engine-wide default false-positive rate.
const DefaultFPR = 0.01

// New sizes a filter for expectedKeys entries at the given false
// positive rate.
func New(expectedKeys int, fpr float64) *Filter {
	if expectedKeys < 1 {
		expectedKeys = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = DefaultFPR
	}
	m := optimalBits(expectedKeys, fpr)
	k := optimalHashes(expectedKeys, m)
	return &Filter{
		bits: make([]byte, (m+7)/8),
		m:    m,
		k:    k,
	}
}

func optimalBits(n int, p float64) uint32 {
	m := math.Ceil(-1 * float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	if m < 8 {
		m = 8
	}
	return uint32(m)
}

func optimalHashes(n int, m uint32) uint32 {
	k := math.Round(float64(m) / float64(n) * math.Ln2)
	if k < 1 {
		k = 1
	}
	if k > 16 {
		k = 16
	}
	return uint32(k)
}

// h1, h2 are the two base hashes double-hashing derives all k lanes
// from: lane_i = h1 + i*h2, a standard technique (Kirsch-Mitzenmacher)
// that avoids running k independent hash functions per key.
func hashPair(key []byte) (uint32, uint32) {
	h := fnv.New64a()
	h.Write(key)
	sum := h.Sum64()
	return uint32(sum), uint32(sum >> 32)
}

// Add records key as present.
func (f *Filter) Add(key []byte) {
	h1, h2 := hashPair(key)
	for i := uint32(0); i < f.k; i++ {
		idx := (h1 + i*h2) % f.m
		f.bits[idx/8] |= 1 << (idx % 8)
	}
	f.n++
}

// MayContain reports whether key might be present. A false answer is
// certain; a true answer may be a false positive.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := hashPair(key)
	for i := uint32(0); i < f.k; i++ {
		idx := (h1 + i*h2) % f.m
		if f.bits[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// MarshalBinary encodes the filter as [m u32][k u32][bits...] for
// storage in the SSTable footer region.
func (f *Filter) MarshalBinary() []byte {
	buf := make([]byte, 8, 8+len(f.bits))
	binary.LittleEndian.PutUint32(buf[0:4], f.m)
	binary.LittleEndian.PutUint32(buf[4:8], f.k)
	return append(buf, f.bits...)
}

// UnmarshalBinary decodes a filter previously produced by MarshalBinary.
func UnmarshalBinary(data []byte) (*Filter, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: truncated bloom filter block", dberrors.ErrCorruption)
	}
	m := binary.LittleEndian.Uint32(data[0:4])
	k := binary.LittleEndian.Uint32(data[4:8])
	want := (m + 7) / 8
	bits := data[8:]
	if uint32(len(bits)) != want {
		return nil, fmt.Errorf("%w: bloom filter bit length mismatch", dberrors.ErrCorruption)
	}
	out := make([]byte, len(bits))
	copy(out, bits)
	return &Filter{bits: out, m: m, k: k}, nil
}

// Size returns the on-disk size in bytes MarshalBinary would produce.
func (f *Filter) Size() int {
	return 8 + len(f.bits)
}
