package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taxosync/internal/retention"
	"taxosync/internal/syncer"
	"taxosync/pkg/logger"
)

// Previewer retention.Evaluator 提供
type Previewer interface {
	Preview(ctx context.Context, sampleLimit int) (retention.PreviewResult, error)
}

// LabelSyncer syncer.LabelSync 提供
type LabelSyncer interface {
	Sync(ctx context.Context, dryRun bool) (syncer.LabelSyncResult, error)
}

const defaultPreviewLimit = 50

type RetentionHandler struct {
	preview Previewer
	sync    LabelSyncer
	logger  *zap.Logger
}

func NewRetentionHandler(preview Previewer, sync LabelSyncer, logger *zap.Logger) *RetentionHandler {
	return &RetentionHandler{preview: preview, sync: sync, logger: logger}
}

// Preview 只读，不写 outbox
// POST /api/retention/preview {"limit": 50}
func (h *RetentionHandler) Preview(c *gin.Context) {
	req := struct {
		Limit *int `json:"limit"`
	}{}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid request body")
		return
	}
	limit := defaultPreviewLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	if limit < 1 || limit > retention.MaxPreviewSample {
		badRequest(c, "limit must be within 1..200")
		return
	}

	res, err := h.preview.Preview(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, "failed to preview retention", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// SyncLabels 同步执行标签存在性同步；provider 不可用时返回 503
// POST /api/sync/labels?dry_run=true
func (h *RetentionHandler) SyncLabels(c *gin.Context) {
	dryRun, err := strconv.ParseBool(c.DefaultQuery("dry_run", "false"))
	if err != nil {
		badRequest(c, "invalid dry_run parameter")
		return
	}

	res, err := h.sync.Sync(c.Request.Context(), dryRun)
	if err != nil {
		respondError(c, h.logger, "label sync failed", err)
		return
	}
	logger.WithTrace(c.Request.Context(), h.logger).Info("Label sync requested",
		zap.Bool("dry_run", dryRun),
		zap.Int("created", res.Created),
		zap.Int("failed", res.Failed),
	)
	c.JSON(http.StatusOK, res)
}
