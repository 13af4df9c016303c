// Package mlbf builds the multi-level Bloom filter ("MLBF") generations that
// distribute the blocklist: the key sets of a generation, the cascades
// encoding them, and the stash diff between generations.
package mlbf

import (
	"fmt"
	"slices"

	"github.com/mozilla/addons-server-sub004/internal/db/models"
)

// KeyFormat describes how filter keys are formed from a version.
const KeyFormat = "{guid}:{version}"

// Key returns the filter key of a guid and version string.
func Key(guid, version string) string {
	return guid + ":" + version
}

// Data is the complete key space of one generation. The three sets are
// disjoint and sorted.
type Data struct {
	Blocked     []string `json:"blocked"`
	SoftBlocked []string `json:"soft_blocked"`
	NotBlocked  []string `json:"not_blocked"`
}

// NewData partitions keys by block state. When the same key appears more than
// once (a guid reused by a deleted add-on), a hard block wins over a soft
// block, and any block wins over none.
func NewData(keys []models.FilterKey) *Data {
	state := make(map[string]int, len(keys))
	const (
		none = iota
		soft
		hard
	)
	for _, k := range keys {
		rank := none
		if k.BlockType != nil {
			switch *k.BlockType {
			case models.BlockTypeHard:
				rank = hard
			case models.BlockTypeSoft:
				rank = soft
			}
		}
		key := Key(k.GUID, k.Version)
		if cur, ok := state[key]; !ok || rank > cur {
			state[key] = rank
		}
	}

	d := &Data{Blocked: []string{}, SoftBlocked: []string{}, NotBlocked: []string{}}
	for key, rank := range state {
		switch rank {
		case hard:
			d.Blocked = append(d.Blocked, key)
		case soft:
			d.SoftBlocked = append(d.SoftBlocked, key)
		default:
			d.NotBlocked = append(d.NotBlocked, key)
		}
	}
	slices.Sort(d.Blocked)
	slices.Sort(d.SoftBlocked)
	slices.Sort(d.NotBlocked)
	return d
}

// Keys returns the set holding keys of block type t.
func (d *Data) Keys(t models.BlockType) []string {
	if d == nil {
		return nil
	}
	switch t {
	case models.BlockTypeHard:
		return d.Blocked
	case models.BlockTypeSoft:
		return d.SoftBlocked
	}
	return nil
}

// FilterSets returns the included and excluded sets of the filter for block
// type t: keys of that type against every other known key.
func (d *Data) FilterSets(t models.BlockType) (included, excluded []string) {
	included = d.Keys(t)
	for _, other := range models.BlockTypes {
		if other != t {
			excluded = append(excluded, d.Keys(other)...)
		}
	}
	excluded = append(excluded, d.NotBlocked...)
	return included, excluded
}

// Diff returns the keys of block type t added and removed since previous.
// Without a previous generation every current key counts as added.
func (d *Data) Diff(previous *Data, t models.BlockType) (added, removed []string) {
	current := d.Keys(t)
	if previous == nil {
		return slices.Clone(current), nil
	}
	prev := previous.Keys(t)
	return difference(current, prev), difference(prev, current)
}

// ChangedCount returns the number of keys of block type t that changed since
// previous.
func (d *Data) ChangedCount(previous *Data, t models.BlockType) int {
	added, removed := d.Diff(previous, t)
	return len(added) + len(removed)
}

// TotalChangedCount sums ChangedCount over every block type.
func (d *Data) TotalChangedCount(previous *Data) int {
	n := 0
	for _, t := range models.BlockTypes {
		n += d.ChangedCount(previous, t)
	}
	return n
}

// Stash is the incremental update clients apply on top of a base filter.
type Stash struct {
	Blocked     []string `json:"blocked"`
	SoftBlocked []string `json:"softblocked"`
	Unblocked   []string `json:"unblocked"`
}

// Empty reports whether the stash carries no change.
func (s Stash) Empty() bool {
	return len(s.Blocked) == 0 && len(s.SoftBlocked) == 0 && len(s.Unblocked) == 0
}

// Stash returns the changes since previous: keys newly hard or soft blocked,
// and keys that were blocked and now are not blocked at all.
func (d *Data) Stash(previous *Data) Stash {
	blocked, _ := d.Diff(previous, models.BlockTypeHard)
	softBlocked, _ := d.Diff(previous, models.BlockTypeSoft)

	var wasBlocked []string
	if previous != nil {
		wasBlocked = append(slices.Clone(previous.Blocked), previous.SoftBlocked...)
		slices.Sort(wasBlocked)
	}
	isBlocked := append(slices.Clone(d.Blocked), d.SoftBlocked...)
	slices.Sort(isBlocked)

	return Stash{
		Blocked:     nonNil(blocked),
		SoftBlocked: nonNil(softBlocked),
		Unblocked:   nonNil(difference(wasBlocked, isBlocked)),
	}
}

// BuildFilter builds and verifies the cascade for block type t.
func BuildFilter(d *Data, t models.BlockType, opts Options) (*Cascade, Stats, error) {
	included, excluded := d.FilterSets(t)
	cascade, err := Build(included, excluded, opts)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("build %s filter: %w", t, err)
	}
	stats, err := cascade.Verify(included, excluded)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("verify %s filter: %w", t, err)
	}
	return cascade, stats, nil
}

// difference returns the keys of a not in b. Both must be sorted.
func difference(a, b []string) []string {
	var out []string
	i, j := 0, 0
	for i < len(a) {
		switch {
		case j >= len(b) || a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			j++
		default:
			i++
			j++
		}
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
