package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mozilla/addons-server-sub004/internal/db/models"
)

// BlockReader reads block records.
type BlockReader interface {
	GetByGUID(ctx context.Context, guid string) (*models.Block, error)
	ListVersions(ctx context.Context, blockID int64) ([]*models.BlockVersion, error)
}

// StatusReader answers guid:version status lookups, usually from the cache.
type StatusReader interface {
	Status(ctx context.Context, guid, version string) (*models.BlockStatus, error)
}

// BlockHandler serves read-only block lookups.
type BlockHandler struct {
	blocks BlockReader
	status StatusReader
}

// NewBlockHandler creates a new BlockHandler.
func NewBlockHandler(blocks BlockReader, status StatusReader) *BlockHandler {
	return &BlockHandler{blocks: blocks, status: status}
}

// BlockResponse is a block with its version rows.
type BlockResponse struct {
	*models.Block
	Versions []*models.BlockVersion `json:"versions"`
}

// Get handles GET /api/v1/blocks/:guid.
func (h *BlockHandler) Get(c *gin.Context) {
	guid := strings.TrimSpace(c.Param("guid"))
	if guid == "" {
		sendError(c, http.StatusBadRequest, "guid is required")
		return
	}

	ctx := c.Request.Context()
	block, err := h.blocks.GetByGUID(ctx, guid)
	if err != nil {
		handleError(c, err)
		return
	}

	versions, err := h.blocks.ListVersions(ctx, block.ID)
	if err != nil {
		handleError(c, err)
		return
	}
	if versions == nil {
		versions = []*models.BlockVersion{}
	}

	c.JSON(http.StatusOK, BlockResponse{Block: block, Versions: versions})
}

// Status handles GET /api/v1/blocks/:guid/status?version=.
// A version that is not blocked answers with status "none".
func (h *BlockHandler) Status(c *gin.Context) {
	guid := strings.TrimSpace(c.Param("guid"))
	version := strings.TrimSpace(c.Query("version"))
	if guid == "" || version == "" {
		sendError(c, http.StatusBadRequest, "guid and version are required")
		return
	}

	status, err := h.status.Status(c.Request.Context(), guid, version)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
