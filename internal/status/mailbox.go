package status

import (
	"sync"
	"time"

	"taxosync/internal/job"
)

// maxTrackedJobs mailbox 记住去重游标的任务数，超过后丢弃最早的
const maxTrackedJobs = 64

// cursor 单个任务已接收的最新 Seq 和状态
type cursor struct {
	seq   uint64
	state job.State
}

// mailbox 生产者的非阻塞入口：状态变化逐条保留，同一状态下的进度只保留最新值。
// 按任务分别以 Seq 去重，旧的或重复的更新直接丢弃，不同任务的更新交错到达也不会互相影响。
type mailbox struct {
	mu          sync.Mutex
	cursors     map[string]*cursor
	order       []string
	latest      string
	observed    time.Time
	transitions []job.Status
	progress    *job.Status
	signal      chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		cursors: make(map[string]*cursor),
		signal:  make(chan struct{}, 1),
	}
}

func (m *mailbox) offer(st job.Status, now time.Time) {
	m.mu.Lock()
	c := m.cursorFor(st.ID)
	if st.Seq <= c.seq {
		m.mu.Unlock()
		return
	}
	c.seq = st.Seq
	m.latest = st.ID
	m.observed = now
	if st.State != c.state {
		c.state = st.State
		m.transitions = append(m.transitions, st)
		if m.progress != nil && m.progress.ID == st.ID {
			m.progress = nil
		}
	} else {
		m.progress = &st
	}
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// cursorFor 调用方持有锁
func (m *mailbox) cursorFor(id string) *cursor {
	if c, ok := m.cursors[id]; ok {
		return c
	}
	c := &cursor{}
	m.cursors[id] = c
	m.order = append(m.order, id)
	for len(m.order) > maxTrackedJobs {
		delete(m.cursors, m.order[0])
		m.order = m.order[1:]
	}
	return c
}

func (m *mailbox) take() ([]job.Status, *job.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	transitions, progress := m.transitions, m.progress
	m.transitions, m.progress = nil, nil
	return transitions, progress
}

// lastObserved 最近一次接收更新的时间，以及该任务的状态
func (m *mailbox) lastObserved() (time.Time, job.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var state job.State
	if c, ok := m.cursors[m.latest]; ok {
		state = c.state
	}
	return m.observed, state
}
