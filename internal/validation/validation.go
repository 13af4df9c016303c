// Package validation checks add-on guids and version scopes supplied with a
// block submission.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxGUIDLength is the longest guid the catalog accepts.
const MaxGUIDLength = 255

var (
	// Either a braced UUID or an email-like identifier.
	guidRegex = regexp.MustCompile(
		`(?i)^(\{[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\}|[a-z0-9._-]*@[a-z0-9._-]+)$`,
	)
	separatorRegex = regexp.MustCompile(`[\s,]+`)
)

// Validator checks submission input.
type Validator struct {
	maxGUIDs int
}

// New creates a Validator accepting at most maxGUIDs guids per submission.
// Zero means unlimited.
func New(maxGUIDs int) *Validator {
	return &Validator{maxGUIDs: maxGUIDs}
}

// IsValidGUID reports whether guid is a well formed add-on guid.
func (v *Validator) IsValidGUID(guid string) bool {
	return len(guid) <= MaxGUIDLength && guidRegex.MatchString(guid)
}

// ParseGUIDs splits raw on whitespace and commas and validates the result.
func (v *Validator) ParseGUIDs(raw string) ([]string, error) {
	return v.ValidateGUIDs(separatorRegex.Split(strings.TrimSpace(raw), -1))
}

// ValidateGUIDs trims, deduplicates and validates guids, keeping the first
// occurrence order.
func (v *Validator) ValidateGUIDs(guids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(guids))
	out := make([]string, 0, len(guids))

	for _, g := range guids {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, ok := seen[g]; ok {
			continue
		}
		if !v.IsValidGUID(g) {
			return nil, fmt.Errorf("invalid add-on guid: %q", g)
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("at least one add-on guid is required")
	}
	if v.maxGUIDs > 0 && len(out) > v.maxGUIDs {
		return nil, fmt.Errorf("too many guids: %d exceeds the limit of %d", len(out), v.maxGUIDs)
	}
	return out, nil
}

// ValidateVersionIDs rejects empty scopes and non-positive ids, returning the
// ids deduplicated in input order.
func (v *Validator) ValidateVersionIDs(ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one version id is required")
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return nil, fmt.Errorf("invalid version id: %d", id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
