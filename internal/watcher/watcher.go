// Package watcher 发现可移动存储设备的插入（挂载）与拔出。
//
// 以挂载表为准周期性比对，按挂载路径去重：同一挂载重复出现不会产生
// 重复的 attached 事件。Linux 下 udev netlink 事件会触发一次立即重扫。
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Hara602/usbAudit/internal/model"
	"go.uber.org/zap"
)

// DefaultInterval 默认轮询间隔
const DefaultInterval = time.Second

// ErrAlreadyStarted Start 只能调用一次
var ErrAlreadyStarted = errors.New("watcher already started")

// EnumerationError 设备枚举失败；保留已知设备集合，下个周期重试
type EnumerationError struct {
	Err error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("device enumeration failed: %v", e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// Enumerator 列出当前已挂载的可移动设备
type Enumerator interface {
	Enumerate() ([]model.DeviceIdentity, error)
}

// Trigger 外部变化通知（如 udev），每次通知触发一次重扫
type Trigger interface {
	Start(ctx context.Context) (<-chan struct{}, error)
}

// Watcher 设备插拔监视器
type Watcher struct {
	enum     Enumerator
	trigger  Trigger
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time
	onError  func(error)

	events chan model.DeviceEvent
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	known    map[string]model.DeviceIdentity // key: 挂载路径
	started  bool
	degraded bool
}

// Option 配置 Watcher
type Option func(*Watcher)

// WithInterval 轮询间隔
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithTrigger 变化通知源
func WithTrigger(t Trigger) Option {
	return func(w *Watcher) { w.trigger = t }
}

// WithLogger 运行日志
func WithLogger(log *zap.Logger) Option {
	return func(w *Watcher) {
		if log != nil {
			w.log = log
		}
	}
}

// WithErrorHook 每次枚举失败时回调
func WithErrorHook(fn func(error)) Option {
	return func(w *Watcher) { w.onError = fn }
}

// WithClock 测试用时钟
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// New 创建 Watcher
func New(enum Enumerator, opts ...Option) *Watcher {
	w := &Watcher{
		enum:     enum,
		interval: DefaultInterval,
		log:      zap.NewNop(),
		now:      time.Now,
		events:   make(chan model.DeviceEvent, 16),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		known:    make(map[string]model.DeviceIdentity),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start 立即扫描一次（报告已存在的设备），随后按周期与触发重扫。
// 返回的通道在 Stop 或 ctx 结束后关闭。
func (w *Watcher) Start(ctx context.Context) (<-chan model.DeviceEvent, error) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	w.started = true
	w.mu.Unlock()

	var triggers <-chan struct{}
	if w.trigger != nil {
		ch, err := w.trigger.Start(ctx)
		if err != nil {
			// 没有 udev 也能靠轮询工作
			w.log.Warn("device trigger unavailable, polling only", zap.Error(err))
		} else {
			triggers = ch
		}
	}

	go w.run(ctx, triggers)
	return w.events, nil
}

func (w *Watcher) run(ctx context.Context, triggers <-chan struct{}) {
	defer close(w.done)
	defer close(w.events)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.scan(ctx)
		case _, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			w.scan(ctx)
		}
	}
}

// Stop 停止监视并等待后台 goroutine 退出
func (w *Watcher) Stop() {
	w.once.Do(func() { close(w.stop) })
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
}

// Known 当前已知的设备
func (w *Watcher) Known() []model.DeviceIdentity {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]model.DeviceIdentity, 0, len(w.known))
	for _, d := range w.known {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MountPath < out[j].MountPath })
	return out
}

// Degraded 最近一次枚举是否失败
func (w *Watcher) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degraded
}

func (w *Watcher) scan(ctx context.Context) {
	current, err := w.enum.Enumerate()
	if err != nil {
		w.setDegraded(true)
		if w.onError != nil {
			w.onError(err)
		}
		w.log.Warn("⚠️ device enumeration failed, monitoring degraded",
			zap.Error(&EnumerationError{Err: err}),
			zap.Int("known_devices", len(w.Known())))
		return
	}
	if w.setDegraded(false) {
		w.log.Info("device enumeration recovered")
	}

	events := w.diff(current)
	for _, ev := range events {
		select {
		case w.events <- ev:
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		}
	}
}

// setDegraded 返回状态是否从 degraded 恢复
func (w *Watcher) setDegraded(v bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	recovered := w.degraded && !v
	w.degraded = v
	return recovered
}

// diff 与已知集合比对，先报告拔出再报告插入
func (w *Watcher) diff(current []model.DeviceIdentity) []model.DeviceEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	seen := make(map[string]model.DeviceIdentity, len(current))
	for _, d := range current {
		if d.MountPath == "" {
			continue
		}
		seen[d.MountPath] = d
	}

	var detached, attached []model.DeviceEvent
	for mount, old := range w.known {
		cur, ok := seen[mount]
		if ok && cur.ID == old.ID {
			continue
		}
		// 挂载路径消失，或同一路径换了设备
		delete(w.known, mount)
		detached = append(detached, model.DeviceEvent{Action: model.DeviceDetached, Device: old, TimeStamp: now})
	}
	for mount, d := range seen {
		if _, ok := w.known[mount]; ok {
			continue
		}
		w.known[mount] = d
		attached = append(attached, model.DeviceEvent{Action: model.DeviceAttached, Device: d, TimeStamp: now})
	}

	byMount := func(evs []model.DeviceEvent) {
		sort.Slice(evs, func(i, j int) bool { return evs[i].Device.MountPath < evs[j].Device.MountPath })
	}
	byMount(detached)
	byMount(attached)
	return append(detached, attached...)
}
