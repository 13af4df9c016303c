package mlbf

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
)

const maxHashes = 32

// bloomFilter is a fixed-size Bloom filter whose hash family is keyed by the
// generation salt and the layer depth.
type bloomFilter struct {
	bits []byte
	m    uint64
	k    uint8
}

// newBloomFilter sizes a filter for n elements at false-positive rate p.
func newBloomFilter(n int, p float64) *bloomFilter {
	if n < 1 {
		n = 1
	}
	m := math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2))
	if m < 8 {
		m = 8
	}
	k := math.Round(m / float64(n) * math.Ln2)
	k = math.Max(1, math.Min(k, maxHashes))

	bits := uint64(m)
	return &bloomFilter{
		bits: make([]byte, (bits+7)/8),
		m:    bits,
		k:    uint8(k),
	}
}

// positions derives k bit indexes with double hashing over
// SHA-256(salt || depth || key).
func (b *bloomFilter) positions(salt []byte, depth int, key string) []uint64 {
	h := sha256.New()
	h.Write(salt)
	var d [4]byte
	binary.BigEndian.PutUint32(d[:], uint32(depth))
	h.Write(d[:])
	h.Write([]byte(key))
	sum := h.Sum(nil)

	h1 := binary.LittleEndian.Uint64(sum[0:8])
	h2 := binary.LittleEndian.Uint64(sum[8:16]) | 1

	out := make([]uint64, b.k)
	for i := range out {
		out[i] = (h1 + uint64(i)*h2) % b.m
	}
	return out
}

func (b *bloomFilter) add(salt []byte, depth int, key string) {
	for _, p := range b.positions(salt, depth, key) {
		b.bits[p/8] |= 1 << (p % 8)
	}
}

func (b *bloomFilter) has(salt []byte, depth int, key string) bool {
	for _, p := range b.positions(salt, depth, key) {
		if b.bits[p/8]&(1<<(p%8)) == 0 {
			return false
		}
	}
	return true
}
