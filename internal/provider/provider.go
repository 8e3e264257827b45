package provider

import (
	"context"
	"errors"
)

// InboxLabelID provider 内置的 inbox 伪标签
const InboxLabelID = "INBOX"

var (
	// ErrUnavailable provider 不可达、限流或 5xx，可以整体重试
	ErrUnavailable = errors.New("provider unavailable")
	// ErrLabelConflict 同名标签已存在
	ErrLabelConflict = errors.New("provider label already exists")
	ErrNotFound      = errors.New("provider object not found")
)

type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Provider 邮件服务的最小抽象。批量调用之间没有原子性保证；
// ModifyMessageLabels 必须幂等：添加已有标签、移除不存在的标签都是 no-op。
type Provider interface {
	ListLabels(ctx context.Context) ([]Label, error)
	CreateLabel(ctx context.Context, name string) (Label, error)
	RenameLabel(ctx context.Context, id, name string) (Label, error)
	ModifyMessageLabels(ctx context.Context, messageID string, add, remove []string) error
}

// IsUnavailable reports whether err means the provider as a whole could not serve the call.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
