package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taxosync/internal/model"
	"taxosync/internal/taxonomy"
)

// TaxonomyService taxonomy.Service 提供
type TaxonomyService interface {
	ListLabels(ctx context.Context, includeInactive bool) ([]taxonomy.LabelView, error)
	CreateLabel(ctx context.Context, in taxonomy.CreateLabelInput) (model.TaxonomyLabel, error)
	UpdateLabel(ctx context.Context, id int64, upd taxonomy.LabelUpdate) (model.TaxonomyLabel, error)
	DeleteLabel(ctx context.Context, id int64) error
	BulkSetRetention(ctx context.Context, items []taxonomy.RetentionUpdate) (int, error)
	DefaultRetentionDays(ctx context.Context) (int, error)
	SetDefaultRetentionDays(ctx context.Context, days int) error
}

type labelResponse struct {
	ID                     int64      `json:"id"`
	Tier                   int        `json:"tier"`
	Slug                   string     `json:"slug"`
	Name                   string     `json:"name"`
	Description            string     `json:"description,omitempty"`
	ParentID               *int64     `json:"parent_id"`
	RetentionDays          *int       `json:"retention_days"`
	EffectiveRetentionDays *int       `json:"effective_retention_days,omitempty"`
	IsActive               bool       `json:"is_active"`
	ProviderLabelID        *string    `json:"provider_label_id"`
	ProviderLabelName      string     `json:"provider_label_name,omitempty"`
	AssignedMessageCount   *int       `json:"assigned_message_count,omitempty"`
	SyncStatus             string     `json:"sync_status,omitempty"`
	SyncError              *string    `json:"sync_error,omitempty"`
	LastSyncAt             *time.Time `json:"last_sync_at,omitempty"`
}

func toLabelResponse(l model.TaxonomyLabel) labelResponse {
	return labelResponse{
		ID:              l.ID,
		Tier:            l.Tier,
		Slug:            l.Slug,
		Name:            l.Name,
		Description:     l.Description,
		ParentID:        l.ParentID,
		RetentionDays:   l.RetentionDays,
		IsActive:        l.IsActive,
		ProviderLabelID: l.ProviderLabelID,
		SyncStatus:      l.SyncStatus,
		SyncError:       l.SyncError,
		LastSyncAt:      l.LastSyncAt,
	}
}

type TaxonomyHandler struct {
	svc    TaxonomyService
	logger *zap.Logger
}

func NewTaxonomyHandler(svc TaxonomyService, logger *zap.Logger) *TaxonomyHandler {
	return &TaxonomyHandler{svc: svc, logger: logger}
}

// ListLabels GET /api/taxonomy?include_inactive=true
func (h *TaxonomyHandler) ListLabels(c *gin.Context) {
	includeInactive, _ := strconv.ParseBool(c.DefaultQuery("include_inactive", "false"))

	views, err := h.svc.ListLabels(c.Request.Context(), includeInactive)
	if err != nil {
		respondError(c, h.logger, "failed to list taxonomy labels", err)
		return
	}

	labels := make([]labelResponse, 0, len(views))
	for _, v := range views {
		resp := toLabelResponse(v.TaxonomyLabel)
		eff, count := v.EffectiveRetentionDays, v.AssignedMessageCount
		resp.EffectiveRetentionDays = &eff
		resp.AssignedMessageCount = &count
		resp.ProviderLabelName = v.ProviderLabelName
		labels = append(labels, resp)
	}
	c.JSON(http.StatusOK, gin.H{"labels": labels})
}

type createLabelRequest struct {
	Name          string `json:"name" binding:"required"`
	Description   string `json:"description"`
	ParentID      *int64 `json:"parent_id"`
	RetentionDays *int   `json:"retention_days"`
	IsActive      *bool  `json:"is_active"`
}

// CreateLabel POST /api/taxonomy
func (h *TaxonomyHandler) CreateLabel(c *gin.Context) {
	var req createLabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	in := taxonomy.CreateLabelInput{
		Name:          req.Name,
		Description:   req.Description,
		ParentID:      req.ParentID,
		RetentionDays: req.RetentionDays,
		IsActive:      true,
	}
	if req.IsActive != nil {
		in.IsActive = *req.IsActive
	}

	label, err := h.svc.CreateLabel(c.Request.Context(), in)
	if err != nil {
		respondError(c, h.logger, "failed to create taxonomy label", err)
		return
	}
	c.JSON(http.StatusCreated, toLabelResponse(label))
}

type updateLabelRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	// RetentionDays 不出现表示不修改，null 表示清除
	RetentionDays json.RawMessage `json:"retention_days"`
	IsActive      *bool           `json:"is_active"`
}

func (r updateLabelRequest) toUpdate() (taxonomy.LabelUpdate, error) {
	upd := taxonomy.LabelUpdate{
		Name:        r.Name,
		Description: r.Description,
		IsActive:    r.IsActive,
	}
	if len(r.RetentionDays) == 0 {
		return upd, nil
	}
	upd.RetentionSet = true
	if bytes.Equal(bytes.TrimSpace(r.RetentionDays), []byte("null")) {
		return upd, nil
	}
	var days int
	if err := json.Unmarshal(r.RetentionDays, &days); err != nil {
		return upd, fmt.Errorf("%w: retention_days must be an integer or null", taxonomy.ErrInvalidRetention)
	}
	upd.RetentionDays = &days
	return upd, nil
}

// UpdateLabel PUT /api/taxonomy/:id
func (h *TaxonomyHandler) UpdateLabel(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	var req updateLabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	upd, err := req.toUpdate()
	if err != nil {
		respondError(c, h.logger, "invalid label update", err)
		return
	}

	label, err := h.svc.UpdateLabel(c.Request.Context(), id, upd)
	if err != nil {
		respondError(c, h.logger, "failed to update taxonomy label", err)
		return
	}
	c.JSON(http.StatusOK, toLabelResponse(label))
}

// DeleteLabel 仍被引用时返回 409
// DELETE /api/taxonomy/:id
func (h *TaxonomyHandler) DeleteLabel(c *gin.Context) {
	id, ok := parseID(c, c.Param("id"))
	if !ok {
		return
	}
	if err := h.svc.DeleteLabel(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, "failed to delete taxonomy label", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "label_id": id})
}

type bulkRetentionRequest struct {
	Items []struct {
		LabelID       int64 `json:"label_id"`
		RetentionDays *int  `json:"retention_days"`
	} `json:"items" binding:"required"`
}

// BulkSetRetention 任意一项非法则整体拒绝
// POST /api/taxonomy/retention/bulk
func (h *TaxonomyHandler) BulkSetRetention(c *gin.Context) {
	var req bulkRetentionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	items := make([]taxonomy.RetentionUpdate, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, taxonomy.RetentionUpdate{LabelID: it.LabelID, RetentionDays: it.RetentionDays})
	}

	n, err := h.svc.BulkSetRetention(c.Request.Context(), items)
	if err != nil {
		respondError(c, h.logger, "failed to update retention", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// GetDefaultRetention GET /api/taxonomy/retention/default
func (h *TaxonomyHandler) GetDefaultRetention(c *gin.Context) {
	days, err := h.svc.DefaultRetentionDays(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "failed to read retention default", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retention_default_days": days})
}

// SetDefaultRetention PUT /api/taxonomy/retention/default
func (h *TaxonomyHandler) SetDefaultRetention(c *gin.Context) {
	var req struct {
		Days *int `json:"retention_default_days" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "retention_default_days is required")
		return
	}
	if err := h.svc.SetDefaultRetentionDays(c.Request.Context(), *req.Days); err != nil {
		respondError(c, h.logger, "failed to update retention default", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retention_default_days": *req.Days})
}

func parseID(c *gin.Context, raw string) (int64, bool) {
	if raw == "" {
		badRequest(c, "missing id parameter")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid id parameter")
		return 0, false
	}
	return id, true
}
