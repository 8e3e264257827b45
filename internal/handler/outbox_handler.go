package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taxosync/pkg/outbox"
)

// OutboxAdmin outbox.Repository 提供
type OutboxAdmin interface {
	ListFailed(ctx context.Context, limit int) ([]outbox.Entry, error)
	Replay(ctx context.Context, id int64) error
}

type OutboxHandler struct {
	stores map[outbox.Flavor]OutboxAdmin
	logger *zap.Logger
}

func NewOutboxHandler(stores map[outbox.Flavor]OutboxAdmin, logger *zap.Logger) *OutboxHandler {
	return &OutboxHandler{stores: stores, logger: logger}
}

func (h *OutboxHandler) store(c *gin.Context) (outbox.Flavor, OutboxAdmin, bool) {
	flavor, err := outbox.ParseFlavor(c.Param("flavor"))
	if err != nil {
		respondError(c, h.logger, "unknown outbox flavor", err)
		return "", nil, false
	}
	s, ok := h.stores[flavor]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "outbox not configured", "details": string(flavor)})
		return "", nil, false
	}
	return flavor, s, true
}

// ListFailed 带错误的 pending 记录
// GET /api/outbox/:flavor/failed?limit=100
func (h *OutboxHandler) ListFailed(c *gin.Context) {
	flavor, s, ok := h.store(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}

	entries, err := s.ListFailed(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, "failed to list failed outbox entries", err)
		return
	}
	if entries == nil {
		entries = []outbox.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"flavor":  flavor,
		"entries": entries,
		"limit":   limit,
	})
}

// Replay 重置退避，下一次 drain 会立即领取
// POST /api/outbox/:flavor/replay?id=xxx
func (h *OutboxHandler) Replay(c *gin.Context) {
	flavor, s, ok := h.store(c)
	if !ok {
		return
	}
	id, ok := parseID(c, c.Query("id"))
	if !ok {
		return
	}

	if err := s.Replay(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, "failed to replay outbox entry", err)
		return
	}
	h.logger.Info("Outbox entry replayed", zap.String("flavor", string(flavor)), zap.Int64("outbox_id", id))
	c.JSON(http.StatusOK, gin.H{
		"status":    "replayed",
		"flavor":    flavor,
		"outbox_id": id,
	})
}
