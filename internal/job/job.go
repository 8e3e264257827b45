package job

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind 可运行的任务类型，封闭集合，每个类型在 Orchestrator 中注册一次
type Kind string

const (
	KindArchivePlan          Kind = "archive-plan"
	KindArchivePush          Kind = "archive-push"
	KindLabelPushBulk        Kind = "label-push-bulk"
	KindLabelPushIncremental Kind = "label-push-incremental"
)

// Kinds lists every job kind in registration order.
var Kinds = []Kind{KindArchivePlan, KindArchivePush, KindLabelPushBulk, KindLabelPushIncremental}

var ErrUnknownKind = errors.New("unknown job kind")

func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// State 状态只能前进：queued -> running -> succeeded | failed
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Params 启动参数，各类型只读取自己关心的字段
type Params struct {
	MaxRows   int  `json:"max_rows,omitempty"`
	BatchSize int  `json:"batch_size,omitempty"`
	DryRun    bool `json:"dry_run,omitempty"`
}

type Progress struct {
	Processed int      `json:"processed"`
	Total     *int     `json:"total,omitempty"`
	Percent   *float64 `json:"percent,omitempty"`
}

type Counters struct {
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// MaxErrorSamples Status 中保留的错误样本数
const MaxErrorSamples = 5

// Status 任务的快照；Seq 每次变更递增，订阅方按 Seq 去重
type Status struct {
	ID           string     `json:"id"`
	Kind         Kind       `json:"kind"`
	State        State      `json:"state"`
	Phase        string     `json:"phase,omitempty"`
	Progress     Progress   `json:"progress"`
	Counters     Counters   `json:"counters"`
	Message      string     `json:"message,omitempty"`
	ErrorSamples []string   `json:"error_samples,omitempty"`
	Params       Params     `json:"params"`
	StartedAt    time.Time  `json:"started_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Seq          uint64     `json:"seq"`
}

func (s Status) clone() Status {
	out := s
	if s.Progress.Total != nil {
		t := *s.Progress.Total
		out.Progress.Total = &t
	}
	if s.Progress.Percent != nil {
		p := *s.Progress.Percent
		out.Progress.Percent = &p
	}
	if s.ErrorSamples != nil {
		out.ErrorSamples = append([]string(nil), s.ErrorSamples...)
	}
	if s.FinishedAt != nil {
		f := *s.FinishedAt
		out.FinishedAt = &f
	}
	return out
}

// Reporter 由运行中的任务调用，上报进度；任务结束后的调用会被忽略
type Reporter interface {
	SetPhase(phase string)
	// SetProgress total <= 0 表示未知；processed 不会回退
	SetProgress(processed, total int)
	AddCounters(delta Counters)
	RecordError(sample string)
}

// WorkFunc 任务主体；返回 error 则任务失败
type WorkFunc func(ctx context.Context, r Reporter, p Params) error

// NopReporter 不在任务中运行时使用（preview、同步请求）
type NopReporter struct{}

func (NopReporter) SetPhase(string)      {}
func (NopReporter) SetProgress(int, int) {}
func (NopReporter) AddCounters(Counters) {}
func (NopReporter) RecordError(string)   {}

// computePercent 只有 total 已知且 processed 不超过 total 时才给出百分比
func computePercent(processed int, total *int) *float64 {
	if total == nil || *total <= 0 || processed > *total {
		return nil
	}
	p := float64(processed*1000/(*total)) / 10
	return &p
}
