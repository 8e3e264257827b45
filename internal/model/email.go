package model

import "time"

// EmailMessage 只包含 retention/同步相关的字段
type EmailMessage struct {
	ID                int64
	ProviderMessageID string
	Subject           string
	FromDomain        string
	// ArchivedAt 是 retention 归档动作唯一的持久记录
	ArchivedAt *time.Time
	// ProviderLabelIDs 最近一次 ingestion 观察到的 provider label 集合
	ProviderLabelIDs []string
}

// Assignment message 与 taxonomy label 的关联，AssignedAt 写入后不可变
type Assignment struct {
	MessageID  int64
	LabelID    int64
	AssignedAt time.Time
	Confidence *float64
}

// MessageAssignments 一封邮件及其全部 taxonomy 分配
type MessageAssignments struct {
	Message     EmailMessage
	Assignments []Assignment
}
