package models

import "time"

// BlockType is the severity of a version block.
type BlockType string

// Block types.
const (
	BlockTypeHard BlockType = "HARD_BLOCKED"
	BlockTypeSoft BlockType = "SOFT_BLOCKED"
)

// BlockTypes lists every block type in filter publication order.
var BlockTypes = []BlockType{BlockTypeHard, BlockTypeSoft}

// Valid reports whether t is a known block type.
func (t BlockType) Valid() bool {
	return t == BlockTypeHard || t == BlockTypeSoft
}

// StatusID is the stable identifier other subsystems (appeals, moderation)
// store for a block of this type.
func (t BlockType) StatusID() string {
	switch t {
	case BlockTypeHard:
		return "hard"
	case BlockTypeSoft:
		return "soft"
	default:
		return "none"
	}
}

// Block holds the per-guid block metadata.
//
// MinVersion and MaxVersion are the legacy range columns. They are kept for
// old exports only; BlockVersion rows decide what is blocked.
type Block struct {
	ID                        int64     `json:"id"`
	GUID                      string    `json:"guid"`
	MinVersion                string    `json:"min_version"`
	MaxVersion                string    `json:"max_version"`
	URL                       string    `json:"url"`
	Reason                    string    `json:"reason"`
	UpdatedBy                 int64     `json:"updated_by"`
	AverageDailyUsersSnapshot int64     `json:"average_daily_users_snapshot"`
	LegacyID                  string    `json:"legacy_id,omitempty"`
	CreatedAt                 time.Time `json:"created_at"`
	ModifiedAt                time.Time `json:"modified_at"`
}

// BlockVersion blocks a single add-on version. A version has at most one.
type BlockVersion struct {
	ID         int64     `json:"id"`
	BlockID    int64     `json:"block_id"`
	VersionID  int64     `json:"version_id"`
	BlockType  BlockType `json:"block_type"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// BlockMetadataUpdate selects the block columns a publication may overwrite.
// Nil fields are left untouched.
type BlockMetadataUpdate struct {
	URL                       *string
	Reason                    *string
	UpdatedBy                 *int64
	AverageDailyUsersSnapshot *int64
}

// UpsertResult tells what UpsertVersion did to a version.
type UpsertResult int

// Upsert outcomes.
const (
	UpsertUnchanged UpsertResult = iota
	UpsertCreated
	UpsertRetyped
)

// BlockStatus is the block state of one guid:version pair.
type BlockStatus struct {
	GUID      string    `json:"guid"`
	Version   string    `json:"version"`
	BlockID   int64     `json:"block_id"`
	BlockType BlockType `json:"block_type"`
	StatusID  string    `json:"status"`
}
