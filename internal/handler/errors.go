package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taxosync/internal/job"
	"taxosync/internal/provider"
	"taxosync/internal/taxonomy"
	"taxosync/pkg/circuitbreaker"
	"taxosync/pkg/logger"
	"taxosync/pkg/outbox"
)

// ContextKeyOperator AuthMiddleware 写入的 token subject
const ContextKeyOperator = "operator"

// statusFor 把领域错误映射为 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrJobConflict),
		errors.Is(err, taxonomy.ErrLabelInUse):
		return http.StatusConflict
	case errors.Is(err, job.ErrUnknownKind),
		errors.Is(err, taxonomy.ErrInvalidRetention),
		errors.Is(err, taxonomy.ErrInvalidLabel),
		errors.Is(err, taxonomy.ErrParentNotTop),
		errors.Is(err, taxonomy.ErrInvalidHierarchy),
		errors.Is(err, outbox.ErrUnknownFlavor):
		return http.StatusBadRequest
	case errors.Is(err, job.ErrJobNotFound),
		errors.Is(err, taxonomy.ErrLabelNotFound),
		errors.Is(err, outbox.ErrEntryNotFound):
		return http.StatusNotFound
	case provider.IsUnavailable(err),
		errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError 写入 {"error", "details"}；5xx 记录 Error，其余记录 Warn
func respondError(c *gin.Context, log *zap.Logger, msg string, err error) {
	code := statusFor(err)
	l := logger.WithTrace(c.Request.Context(), log)
	if code >= http.StatusInternalServerError {
		l.Error(msg, zap.String("path", c.FullPath()), zap.Int("status", code), zap.Error(err))
	} else {
		l.Warn(msg, zap.String("path", c.FullPath()), zap.Int("status", code), zap.Error(err))
	}
	c.JSON(code, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}
