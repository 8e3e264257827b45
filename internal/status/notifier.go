package status

import (
	"context"
	"time"

	"taxosync/internal/job"
	"taxosync/pkg/mq"
)

// RoutingKeyJobStatus 任务状态变化事件
const RoutingKeyJobStatus = "job.status.changed"

// JobStatusEvent 发布到 MQ 的事件体
type JobStatusEvent struct {
	JobID      string       `json:"job_id"`
	Kind       job.Kind     `json:"kind"`
	State      job.State    `json:"state"`
	Message    string       `json:"message,omitempty"`
	Counters   job.Counters `json:"counters"`
	Seq        uint64       `json:"seq"`
	OccurredAt time.Time    `json:"occurred_at"`
}

type publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

type MQNotifier struct {
	pub publisher
}

func NewMQNotifier(pub *mq.Publisher) *MQNotifier {
	return &MQNotifier{pub: pub}
}

func (n *MQNotifier) Notify(ctx context.Context, st job.Status) error {
	return n.pub.PublishWithContext(ctx, RoutingKeyJobStatus, JobStatusEvent{
		JobID:      st.ID,
		Kind:       st.Kind,
		State:      st.State,
		Message:    st.Message,
		Counters:   st.Counters,
		Seq:        st.Seq,
		OccurredAt: st.UpdatedAt,
	})
}
