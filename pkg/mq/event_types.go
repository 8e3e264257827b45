package mq

import "time"

// Routing keys.
const (
	RoutingKeyTaxonomyAssigned = "taxonomy.assigned"
)

// TaxonomyAssignedPayload 标注流水线给一封邮件分配了 taxonomy 标签
type TaxonomyAssignedPayload struct {
	ProviderMessageID string   `json:"provider_message_id"`
	Subject           string   `json:"subject,omitempty"`
	FromDomain        string   `json:"from_domain,omitempty"`
	ProviderLabelIDs  []string `json:"provider_label_ids,omitempty"`
	LabelID           int64    `json:"label_id"`
	Confidence        *float64 `json:"confidence,omitempty"`
	// AssignedAt 为空时使用处理时间
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
}
