package alert

import (
	"sync"

	"github.com/Hara602/usbAudit/internal/model"
	"go.uber.org/zap"
)

// Feed 告警推送：订阅者各自有缓冲通道，满了就丢弃，发布方永不阻塞
type Feed struct {
	log *zap.Logger

	mu      sync.Mutex
	subs    map[int]chan model.AlertRecord
	next    int
	dropped uint64
	closed  bool
}

// NewFeed 创建推送源
func NewFeed(log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{log: log, subs: make(map[int]chan model.AlertRecord)}
}

// Subscribe 返回告警通道与取消函数
func (f *Feed) Subscribe(buf int) (<-chan model.AlertRecord, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan model.AlertRecord, buf)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

// Publish 非阻塞地推送给全部订阅者
func (f *Feed) Publish(a model.AlertRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- a:
		default:
			f.dropped++
			f.log.Warn("alert subscriber is slow, alert dropped from feed", zap.String("alert", a.ID))
		}
	}
}

// Dropped 因订阅者过慢而丢弃的推送次数（日志中的记录不受影响）
func (f *Feed) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Close 关闭全部订阅通道
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
