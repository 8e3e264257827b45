package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory 进程内 Provider，用于本地运行和测试。语义与 Gmail 相同：
// 标签名大小写不敏感唯一，修改邮件标签是幂等的。
type Memory struct {
	mu       sync.Mutex
	nextID   int
	labels   map[string]string
	messages map[string]map[string]bool

	// Fail 非 nil 时在每次调用前执行，返回的错误作为调用结果
	Fail  func(op, messageID string) error
	calls map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		labels:   map[string]string{InboxLabelID: "INBOX"},
		messages: make(map[string]map[string]bool),
		calls:    make(map[string]int),
	}
}

func (m *Memory) before(op, messageID string) error {
	m.calls[op]++
	if m.Fail != nil {
		return m.Fail(op, messageID)
	}
	return nil
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) ListLabels(context.Context) ([]Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before("labels.list", ""); err != nil {
		return nil, err
	}
	out := make([]Label, 0, len(m.labels))
	for id, name := range m.labels {
		out = append(out, Label{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateLabel(_ context.Context, name string) (Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before("labels.create", ""); err != nil {
		return Label{}, err
	}
	if m.nameTaken(name, "") {
		return Label{}, fmt.Errorf("%w: %s", ErrLabelConflict, name)
	}
	m.nextID++
	id := fmt.Sprintf("Label_%d", m.nextID)
	m.labels[id] = name
	return Label{ID: id, Name: name}, nil
}

func (m *Memory) RenameLabel(_ context.Context, id, name string) (Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before("labels.patch", ""); err != nil {
		return Label{}, err
	}
	if _, ok := m.labels[id]; !ok {
		return Label{}, fmt.Errorf("%w: label %s", ErrNotFound, id)
	}
	if m.nameTaken(name, id) {
		return Label{}, fmt.Errorf("%w: %s", ErrLabelConflict, name)
	}
	m.labels[id] = name
	return Label{ID: id, Name: name}, nil
}

// ModifyMessageLabels 首次出现的邮件视为在 inbox 中
func (m *Memory) ModifyMessageLabels(_ context.Context, messageID string, add, remove []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.before("messages.modify", messageID); err != nil {
		return err
	}
	for _, id := range add {
		if _, ok := m.labels[id]; !ok {
			return fmt.Errorf("%w: label %s", ErrNotFound, id)
		}
	}
	set, ok := m.messages[messageID]
	if !ok {
		set = map[string]bool{InboxLabelID: true}
		m.messages[messageID] = set
	}
	for _, id := range add {
		set[id] = true
	}
	for _, id := range remove {
		delete(set, id)
	}
	return nil
}

// MessageLabels returns the sorted label ids currently on a message.
func (m *Memory) MessageLabels(messageID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.messages[messageID]))
	for id := range m.messages[messageID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) nameTaken(name, exceptID string) bool {
	for id, n := range m.labels {
		if id != exceptID && strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
