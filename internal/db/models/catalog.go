package models

// AddonStatus is the lifecycle state of an add-on.
type AddonStatus string

// Add-on lifecycle states.
const (
	AddonStatusNull      AddonStatus = "NULL"
	AddonStatusNominated AddonStatus = "NOMINATED"
	AddonStatusPublic    AddonStatus = "PUBLIC"
	AddonStatusDisabled  AddonStatus = "DISABLED"
	AddonStatusDeleted   AddonStatus = "DELETED"
)

// FileStatus is the review state of a version's file.
type FileStatus string

// File states.
const (
	FileStatusAwaitingReview FileStatus = "AWAITING_REVIEW"
	FileStatusPublic         FileStatus = "PUBLIC"
	FileStatusDisabled       FileStatus = "DISABLED"
)

// CatalogView selects which add-ons a catalog query sees.
type CatalogView int

// Catalog views.
const (
	// ViewLive hides DELETED add-ons.
	ViewLive CatalogView = iota
	// ViewAll includes DELETED add-ons, so a guid reused after deletion
	// still resolves to the versions that carried it.
	ViewAll
)

// Version is an add-on version as seen by the blocklist, with its current
// block state.
type Version struct {
	ID          int64       `json:"id"`
	AddonID     int64       `json:"addon_id"`
	GUID        string      `json:"guid"`
	Version     string      `json:"version"`
	AddonStatus AddonStatus `json:"addon_status"`
	FileStatus  FileStatus  `json:"file_status"`
	IsSigned    bool        `json:"is_signed"`
	BlockID     *int64      `json:"block_id,omitempty"`
	BlockType   *BlockType  `json:"block_type,omitempty"`
}

// IsBlocked reports whether the version currently has a block of type t.
func (v *Version) IsBlocked(t BlockType) bool {
	return v.BlockType != nil && *v.BlockType == t
}

// FilterKey is one signed guid:version pair with its block state, nil when
// not blocked.
type FilterKey struct {
	GUID      string
	Version   string
	BlockType *BlockType
}
