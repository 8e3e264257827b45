package status

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"taxosync/internal/job"
)

const (
	DefaultInterval = 250 * time.Millisecond
	DefaultWatchdog = 5 * time.Second
	subscriberBuf   = 16
)

// Source 任务状态的权威来源（job.Orchestrator）
type Source interface {
	Get(id string) (job.Status, error)
}

// Snapshots 持久化的状态快照，重启后仍可查询最近的任务。快照只是参考，不参与调度
type Snapshots interface {
	Save(ctx context.Context, st job.Status) error
	Get(ctx context.Context, id string) (job.Status, error)
}

// Notifier 对外广播状态变化（不含进度）
type Notifier interface {
	Notify(ctx context.Context, st job.Status) error
}

type Config struct {
	// Interval 两次进度推送之间的最小间隔；状态变化不受限制
	Interval time.Duration
	// Watchdog 任务未结束且超过该时间没有更新时，改为主动拉取状态
	Watchdog time.Duration
}

// Broadcaster 把 Orchestrator 的状态变化分发给订阅方。
// 每个订阅有两个生产者（Publish 推送、watchdog 拉取）写入同一个 mailbox，
// 由一个 sink goroutine 负责节流和合并。
type Broadcaster struct {
	source    Source
	snapshots Snapshots
	notifier  Notifier
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	mu   sync.Mutex
	subs map[string]map[*mailbox]struct{}

	persist *mailbox
}

func NewBroadcaster(source Source, snapshots Snapshots, notifier Notifier, cfg Config, logger *zap.Logger) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = DefaultWatchdog
	}
	return &Broadcaster{
		source:    source,
		snapshots: snapshots,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		subs:      make(map[string]map[*mailbox]struct{}),
		persist:   newMailbox(),
	}
}

// Publish 注册为 Orchestrator 的 listener。不会阻塞调用方
func (b *Broadcaster) Publish(st job.Status) {
	now := b.now()
	b.mu.Lock()
	boxes := make([]*mailbox, 0, len(b.subs[st.ID]))
	for box := range b.subs[st.ID] {
		boxes = append(boxes, box)
	}
	b.mu.Unlock()

	for _, box := range boxes {
		box.offer(st, now)
	}
	b.persist.offer(st, now)
}

// Run 持久化快照并发送状态变化通知，直到 ctx 结束
func (b *Broadcaster) Run(ctx context.Context) {
	if b.snapshots == nil && b.notifier == nil {
		<-ctx.Done()
		return
	}
	b.pump(ctx, b.persist, false, func(st job.Status, transition bool) bool {
		// ctx 结束后仍要写完最后一个状态
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if b.snapshots != nil {
			if err := b.snapshots.Save(wctx, st); err != nil {
				b.logger.Warn("Failed to save job snapshot", zap.String("job_id", st.ID), zap.Error(err))
			}
		}
		if transition && b.notifier != nil {
			if err := b.notifier.Notify(wctx, st); err != nil {
				b.logger.Warn("Failed to publish job status",
					zap.String("job_id", st.ID),
					zap.String("state", string(st.State)),
					zap.Error(err),
				)
			}
		}
		return true
	})
}

// GetStatus 先查内存中的任务，找不到时查快照
func (b *Broadcaster) GetStatus(ctx context.Context, id string) (job.Status, error) {
	st, err := b.source.Get(id)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, job.ErrJobNotFound) || b.snapshots == nil {
		return job.Status{}, err
	}
	st, snapErr := b.snapshots.Get(ctx, id)
	if snapErr != nil {
		if errors.Is(snapErr, job.ErrJobNotFound) {
			return job.Status{}, err
		}
		return job.Status{}, fmt.Errorf("failed to load job snapshot: %w", snapErr)
	}
	return st, nil
}

// Subscribe 返回任务状态流。状态变化立即送达，进度按 Interval 合并；
// 终态送达后 channel 关闭。ctx 结束时也会关闭。
func (b *Broadcaster) Subscribe(ctx context.Context, id string) (<-chan job.Status, error) {
	box := newMailbox()
	b.mu.Lock()
	if b.subs[id] == nil {
		b.subs[id] = make(map[*mailbox]struct{})
	}
	b.subs[id][box] = struct{}{}
	b.mu.Unlock()

	// 注册之后再读取当前状态，之后的更新由 Seq 去重
	st, err := b.GetStatus(ctx, id)
	if err != nil {
		b.unsubscribe(id, box)
		return nil, err
	}
	box.offer(st, b.now())

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan job.Status, subscriberBuf)
	go b.watch(ctx, id, box)
	go func() {
		defer close(out)
		defer cancel()
		defer b.unsubscribe(id, box)
		b.pump(ctx, box, true, func(st job.Status, _ bool) bool {
			select {
			case out <- st:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return out, nil
}

func (b *Broadcaster) unsubscribe(id string, box *mailbox) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[id], box)
	if len(b.subs[id]) == 0 {
		delete(b.subs, id)
	}
}

// Subscribers 当前订阅某个任务的数量
func (b *Broadcaster) Subscribers(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}

// pump 是 sink：状态变化逐条立即 emit，进度只 emit 最新值且两次间隔不小于 Interval。
// untilTerminal 为 true 时 emit 终态后返回。
func (b *Broadcaster) pump(ctx context.Context, box *mailbox, untilTerminal bool, emit func(st job.Status, transition bool) bool) {
	var (
		lastEmit time.Time
		pending  *job.Status
		timer    *time.Timer
		timerC   <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-box.signal:
		case <-timerC:
			timerC = nil
		}

		transitions, progress := box.take()
		if progress != nil {
			pending = progress
		}
		for _, st := range transitions {
			if pending != nil && pending.ID == st.ID && pending.Seq < st.Seq {
				pending = nil
			}
			if !emit(st, true) {
				return
			}
			lastEmit = b.now()
			if untilTerminal && st.State.Terminal() {
				return
			}
		}
		if pending == nil {
			continue
		}

		wait := b.cfg.Interval - b.now().Sub(lastEmit)
		if wait <= 0 {
			if !emit(*pending, false) {
				return
			}
			pending = nil
			lastEmit = b.now()
			continue
		}
		if timerC == nil {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}
	}
}

// watch 是第二个生产者：推送停滞且任务未结束时拉取 Source
func (b *Broadcaster) watch(ctx context.Context, id string, box *mailbox) {
	ticker := time.NewTicker(b.cfg.Watchdog)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		seen, state := box.lastObserved()
		if state.Terminal() {
			return
		}
		if b.now().Sub(seen) < b.cfg.Watchdog {
			continue
		}
		st, err := b.GetStatus(ctx, id)
		if err != nil {
			b.logger.Warn("Status watchdog poll failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		b.logger.Debug("Status watchdog poll",
			zap.String("job_id", id),
			zap.Uint64("seq", st.Seq),
			zap.String("state", string(st.State)),
		)
		box.offer(st, b.now())
	}
}
