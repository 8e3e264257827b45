package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"taxosync/internal/model"
	"taxosync/internal/taxonomy"
	"taxosync/pkg/logger"
	"taxosync/pkg/mq"
	"taxosync/pkg/util"
)

const handlerName = "taxonomy_assigned"

// AssignmentWriter repository.MessageRepository 提供
type AssignmentWriter interface {
	UpsertMessage(ctx context.Context, m model.EmailMessage) (int64, error)
	Assign(ctx context.Context, messageID, labelID int64, assignedAt time.Time, confidence *float64) (bool, error)
}

// Deduper util.Deduper 提供
type Deduper interface {
	AcquireOnce(ctx context.Context, handler string, key string) bool
	Release(ctx context.Context, handler string, key string)
}

type TaxonomyAssignedHandler struct {
	writer AssignmentWriter
	dedup  Deduper
	logger *zap.Logger
	now    func() time.Time
}

func NewTaxonomyAssignedHandler(writer AssignmentWriter, dedup Deduper, logger *zap.Logger) *TaxonomyAssignedHandler {
	return &TaxonomyAssignedHandler{
		writer: writer,
		dedup:  dedup,
		logger: logger,
		now:    time.Now,
	}
}

// Handle 写入 message 和 assignment；label-push outbox 在同一事务中入队。
// 重复投递是幂等的：assigned_at 只在首次写入时设置。
func (h *TaxonomyAssignedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	log := logger.WithTrace(ctx, h.logger)

	var p mq.TaxonomyAssignedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		// 格式错误的消息重试也不会成功
		log.Error("Failed to unmarshal taxonomy assigned payload", zap.Error(err))
		return nil
	}
	if p.ProviderMessageID == "" || p.LabelID <= 0 {
		log.Warn("Dropping invalid taxonomy assigned event",
			zap.String("provider_message_id", p.ProviderMessageID),
			zap.Int64("label_id", p.LabelID),
		)
		return nil
	}

	key := p.ProviderMessageID + ":" + strconv.FormatInt(p.LabelID, 10)
	if !h.dedup.AcquireOnce(ctx, handlerName, key) {
		return nil
	}

	inserted, err := h.apply(ctx, p)
	if errors.Is(err, taxonomy.ErrLabelNotFound) {
		log.Warn("Dropping assignment to unknown taxonomy label",
			zap.String("provider_message_id", p.ProviderMessageID),
			zap.Int64("label_id", p.LabelID),
		)
		return nil
	}
	if err != nil {
		retryable, errType := util.IsRetryableError(err)
		if isPermanent(retryable, errType) {
			log.Error("Dropping taxonomy assignment after permanent store error",
				zap.String("provider_message_id", p.ProviderMessageID),
				zap.Int64("label_id", p.LabelID),
				zap.String("error_type", errType),
				zap.Error(err),
			)
			return nil
		}
		h.dedup.Release(ctx, handlerName, key)
		log.Error("Failed to record taxonomy assignment",
			zap.String("provider_message_id", p.ProviderMessageID),
			zap.Int64("label_id", p.LabelID),
			zap.String("error_type", errType),
			zap.Bool("retryable", retryable),
			zap.Error(err),
		)
		return err
	}

	log.Info("Taxonomy assignment recorded",
		zap.String("provider_message_id", p.ProviderMessageID),
		zap.Int64("label_id", p.LabelID),
		zap.Bool("inserted", inserted),
	)
	return nil
}

// isPermanent 未知错误和取消仍然 nack，交给重投和 DLQ 处理
func isPermanent(retryable bool, errType string) bool {
	if retryable {
		return false
	}
	return errType != "unknown_error" && errType != "context_canceled"
}

func (h *TaxonomyAssignedHandler) apply(ctx context.Context, p mq.TaxonomyAssignedPayload) (bool, error) {
	messageID, err := h.writer.UpsertMessage(ctx, model.EmailMessage{
		ProviderMessageID: p.ProviderMessageID,
		Subject:           p.Subject,
		FromDomain:        p.FromDomain,
		ProviderLabelIDs:  p.ProviderLabelIDs,
	})
	if err != nil {
		return false, err
	}

	assignedAt := h.now().UTC()
	if p.AssignedAt != nil && !p.AssignedAt.IsZero() {
		assignedAt = p.AssignedAt.UTC()
	}
	inserted, err := h.writer.Assign(ctx, messageID, p.LabelID, assignedAt, p.Confidence)
	if err != nil {
		return false, fmt.Errorf("assign label %d to message %d: %w", p.LabelID, messageID, err)
	}
	return inserted, nil
}
