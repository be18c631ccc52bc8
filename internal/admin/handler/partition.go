package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/concord-gov/concord/internal/partition"
)

// partitionSvc is satisfied by *partition.Manager.
type partitionSvc interface {
	Check(ctx context.Context) ([]partition.Info, error)
}

// PartitionHandler reports the partition layout of the audit ledger table.
type PartitionHandler struct {
	manager partitionSvc
	logger  *zap.Logger
}

// NewPartitionHandler creates a PartitionHandler.
func NewPartitionHandler(manager partitionSvc, logger *zap.Logger) *PartitionHandler {
	return &PartitionHandler{manager: manager, logger: logger}
}

// Register mounts the partition routes on the given router group.
func (h *PartitionHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/partitions", h.List)
}

// List handles GET /partitions.
func (h *PartitionHandler) List(c *gin.Context) {
	infos, err := h.manager.Check(c.Request.Context())
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	if infos == nil {
		infos = []partition.Info{}
	}
	c.JSON(http.StatusOK, gin.H{"partitions": infos})
}
