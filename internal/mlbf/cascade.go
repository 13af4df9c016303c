package mlbf

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// FormatTag identifies the binary layout written by MarshalBinary.
const FormatTag = "mlbf-cascade-v1"

const (
	magic         = "MLBF"
	formatVersion = 1

	// MinSaltBytes is the smallest salt a cascade accepts.
	MinSaltBytes = 16

	defaultSaltBytes = 32
	defaultLayerCap  = 32
	vetoRate         = 0.5
)

// ErrVerification is returned when a built cascade does not report every
// included key as included. It indicates a defect, never bad input.
var ErrVerification = errors.New("mlbf: cascade verification failed")

// ErrOverlap is returned by Build when a key is both included and excluded.
var ErrOverlap = errors.New("mlbf: included and excluded sets overlap")

// Options tune Build.
type Options struct {
	// Salt keys every hash of the cascade. A random salt of SaltBytes is
	// drawn when empty.
	Salt      []byte
	SaltBytes int
	// LayerCap bounds the number of layers.
	LayerCap int
}

// Stats describes a built and verified cascade.
type Stats struct {
	Layers            int     `json:"layers"`
	Bits              uint64  `json:"bits"`
	Included          int     `json:"included"`
	Excluded          int     `json:"excluded"`
	TargetRate        float64 `json:"target_rate"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
}

// Cascade answers exact membership for the included set against the excluded
// set, and approximate membership for unseen keys.
type Cascade struct {
	salt       []byte
	layers     []*bloomFilter
	targetRate float64
}

// TargetRate returns the false-positive rate of the first layer, the bound
// for unseen keys: |I| / (sqrt(2) * |E|), capped at 0.5.
func TargetRate(included, excluded int) float64 {
	if included == 0 || excluded == 0 {
		return vetoRate
	}
	return math.Min(vetoRate, float64(included)/(math.Sqrt2*float64(excluded)))
}

// Build constructs a cascade from two disjoint key sets. Layer 0 holds the
// included keys; each following layer holds the false positives of the one
// before it, drawn from the opposite set.
func Build(included, excluded []string, opts Options) (*Cascade, error) {
	if key, ok := overlap(included, excluded); ok {
		return nil, fmt.Errorf("%w: %q", ErrOverlap, key)
	}

	salt := opts.Salt
	if len(salt) == 0 {
		n := opts.SaltBytes
		if n == 0 {
			n = defaultSaltBytes
		}
		if n < MinSaltBytes {
			return nil, fmt.Errorf("mlbf: salt of %d bytes is below the %d byte minimum", n, MinSaltBytes)
		}
		salt = make([]byte, n)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("mlbf: draw salt: %w", err)
		}
	}
	if len(salt) < MinSaltBytes {
		return nil, fmt.Errorf("mlbf: salt of %d bytes is below the %d byte minimum", len(salt), MinSaltBytes)
	}

	layerCap := opts.LayerCap
	if layerCap <= 0 {
		layerCap = defaultLayerCap
	}

	c := &Cascade{salt: salt, targetRate: TargetRate(len(included), len(excluded))}

	include, exclude := included, excluded
	for depth := 0; depth < layerCap; depth++ {
		rate := vetoRate
		if depth == 0 {
			rate = c.targetRate
		}

		layer := newBloomFilter(len(include), rate)
		for _, key := range include {
			layer.add(salt, depth, key)
		}
		c.layers = append(c.layers, layer)

		var falsePositives []string
		for _, key := range exclude {
			if layer.has(salt, depth, key) {
				falsePositives = append(falsePositives, key)
			}
		}
		if len(falsePositives) == 0 {
			break
		}
		include, exclude = falsePositives, include
	}

	return c, nil
}

// overlap returns a key present in both sets.
func overlap(included, excluded []string) (string, bool) {
	seen := make(map[string]struct{}, len(included))
	for _, key := range included {
		seen[key] = struct{}{}
	}
	for _, key := range excluded {
		if _, ok := seen[key]; ok {
			return key, true
		}
	}
	return "", false
}

// Has reports whether key is in the included set. The parity of the first
// layer that rejects the key is the answer; a key accepted by every layer is
// included when the last layer is an assert layer.
func (c *Cascade) Has(key string) bool {
	for depth, layer := range c.layers {
		if !layer.has(c.salt, depth, key) {
			return depth%2 == 1
		}
	}
	return len(c.layers)%2 == 1
}

// Verify re-tests both sets. Any included key reported absent fails with
// ErrVerification; excluded keys reported present only count towards the
// observed false-positive rate.
func (c *Cascade) Verify(included, excluded []string) (Stats, error) {
	for _, key := range included {
		if !c.Has(key) {
			return Stats{}, fmt.Errorf("%w: included key %q reported absent", ErrVerification, key)
		}
	}

	var falsePositives int
	for _, key := range excluded {
		if c.Has(key) {
			falsePositives++
		}
	}

	stats := c.Stats()
	stats.Included = len(included)
	stats.Excluded = len(excluded)
	if len(excluded) > 0 {
		stats.FalsePositiveRate = float64(falsePositives) / float64(len(excluded))
	}
	return stats, nil
}

// Stats returns the shape of the cascade.
func (c *Cascade) Stats() Stats {
	s := Stats{Layers: len(c.layers), TargetRate: c.targetRate}
	for _, l := range c.layers {
		s.Bits += l.m
	}
	return s
}

// Salt returns a copy of the cascade salt.
func (c *Cascade) Salt() []byte {
	return bytes.Clone(c.salt)
}

// MarshalBinary encodes the cascade as:
//
//	"MLBF" | version u8 | salt len u16 | salt | target rate f64 | layers u16 |
//	per layer: m u64 | k u8 | ceil(m/8) bit bytes
//
// All integers are big-endian.
func (c *Cascade) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.WriteByte(formatVersion)

	write := func(v any) {
		_ = binary.Write(&buf, binary.BigEndian, v)
	}
	write(uint16(len(c.salt)))
	buf.Write(c.salt)
	write(c.targetRate)
	write(uint16(len(c.layers)))
	for _, l := range c.layers {
		write(l.m)
		buf.WriteByte(l.k)
		buf.Write(l.bits)
	}
	return buf.Bytes(), nil
}

// UnmarshalCascade decodes a cascade written by MarshalBinary.
func UnmarshalCascade(data []byte) (*Cascade, error) {
	r := bytes.NewReader(data)

	head := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, fmt.Errorf("mlbf: read header: %w", err)
	}
	if string(head[:len(magic)]) != magic {
		return nil, errors.New("mlbf: bad magic")
	}
	if head[len(magic)] != formatVersion {
		return nil, fmt.Errorf("mlbf: unsupported format version %d", head[len(magic)])
	}

	var saltLen uint16
	if err := binary.Read(r, binary.BigEndian, &saltLen); err != nil {
		return nil, fmt.Errorf("mlbf: read salt length: %w", err)
	}
	if saltLen < MinSaltBytes {
		return nil, fmt.Errorf("mlbf: salt of %d bytes is below the %d byte minimum", saltLen, MinSaltBytes)
	}
	c := &Cascade{salt: make([]byte, saltLen)}
	if _, err := io.ReadFull(r, c.salt); err != nil {
		return nil, fmt.Errorf("mlbf: read salt: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &c.targetRate); err != nil {
		return nil, fmt.Errorf("mlbf: read target rate: %w", err)
	}

	var layers uint16
	if err := binary.Read(r, binary.BigEndian, &layers); err != nil {
		return nil, fmt.Errorf("mlbf: read layer count: %w", err)
	}
	for i := 0; i < int(layers); i++ {
		l := &bloomFilter{}
		if err := binary.Read(r, binary.BigEndian, &l.m); err != nil {
			return nil, fmt.Errorf("mlbf: read layer %d size: %w", i, err)
		}
		k, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("mlbf: read layer %d hashes: %w", i, err)
		}
		l.k = k
		if l.m == 0 || l.k == 0 || l.m > uint64(r.Len())*8 {
			return nil, fmt.Errorf("mlbf: layer %d is corrupt", i)
		}
		l.bits = make([]byte, (l.m+7)/8)
		if _, err := io.ReadFull(r, l.bits); err != nil {
			return nil, fmt.Errorf("mlbf: read layer %d bits: %w", i, err)
		}
		c.layers = append(c.layers, l)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("mlbf: %d trailing bytes", r.Len())
	}
	return c, nil
}
