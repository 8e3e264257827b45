package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taxosync/internal/job"
	"taxosync/internal/retention"
	"taxosync/pkg/logger"
)

// JobService job.Orchestrator 提供
type JobService interface {
	Start(kind job.Kind, params job.Params) (job.Status, error)
	Current() (job.Status, bool)
	History() []job.Status
}

// StatusService status.Broadcaster 提供
type StatusService interface {
	GetStatus(ctx context.Context, id string) (job.Status, error)
	Subscribe(ctx context.Context, id string) (<-chan job.Status, error)
}

const (
	maxBatchSize = 1000
	// heartbeatInterval SSE 空闲时发送注释行，避免代理断开连接
	heartbeatInterval = 15 * time.Second
)

type JobHandler struct {
	jobs   JobService
	status StatusService
	logger *zap.Logger
}

func NewJobHandler(jobs JobService, status StatusService, logger *zap.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, status: status, logger: logger}
}

// StartJob 启动任务，槽位被占用时返回 409 以及正在运行的任务
// POST /api/jobs/:kind
func (h *JobHandler) StartJob(c *gin.Context) {
	kind, err := job.ParseKind(c.Param("kind"))
	if err != nil {
		respondError(c, h.logger, "unknown job kind", err)
		return
	}

	var params job.Params
	if err := c.ShouldBindJSON(&params); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid request body")
		return
	}
	if params.MaxRows < 0 || params.MaxRows > retention.MaxRowsLimit {
		badRequest(c, "max_rows must be within 1..5000000")
		return
	}
	if params.BatchSize < 0 || params.BatchSize > maxBatchSize {
		badRequest(c, "batch_size must be within 1..1000")
		return
	}

	st, err := h.jobs.Start(kind, params)
	if errors.Is(err, job.ErrJobConflict) {
		c.JSON(http.StatusConflict, gin.H{
			"error":      "a job is already running",
			"active_job": st,
		})
		return
	}
	if err != nil {
		respondError(c, h.logger, "failed to start job", err)
		return
	}

	logger.WithTrace(c.Request.Context(), h.logger).Info("Job accepted",
		zap.String("job_id", st.ID),
		zap.String("kind", string(kind)),
		zap.String("operator", c.GetString(ContextKeyOperator)),
		zap.String("client_ip", c.ClientIP()),
	)
	c.JSON(http.StatusAccepted, gin.H{
		"job_id": st.ID,
		"status": st,
	})
}

// Current GET /api/jobs/current
func (h *JobHandler) Current(c *gin.Context) {
	resp := gin.H{"job": nil, "recent": h.jobs.History()}
	if st, ok := h.jobs.Current(); ok {
		resp["job"] = st
	}
	c.JSON(http.StatusOK, resp)
}

// GetStatus GET /api/jobs/:id/status
func (h *JobHandler) GetStatus(c *gin.Context) {
	st, err := h.status.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "failed to get job status", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Events 以 SSE 推送状态，任务结束或客户端断开时关闭
// GET /api/jobs/:id/events
func (h *JobHandler) Events(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	updates, err := h.status.Subscribe(ctx, id)
	if err != nil {
		respondError(c, h.logger, "failed to subscribe to job", err)
		return
	}

	log := logger.WithTrace(ctx, h.logger).With(zap.String("job_id", id))
	log.Info("Job event stream opened", zap.String("client_ip", c.ClientIP()))
	start := time.Now()

	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	sent := 0
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case st, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("status", st)
			sent++
			return !st.State.Terminal()
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": ping\n\n")
			return err == nil
		}
	})

	log.Info("Job event stream closed",
		zap.Int("events_sent", sent),
		zap.Duration("duration", time.Since(start)),
	)
}
