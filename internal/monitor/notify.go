package monitor

import (
	"errors"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hara602/usbAudit/internal/model"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// pollInterval 停止与根目录存活检查的周期
const pollInterval = 500 * time.Millisecond

// notifyMonitor 基于 inotify/kqueue 的递归目录监控。
// fsnotify 本身不递归：启动时遍历所有目录逐个添加，运行中新建的目录再补充添加。
type notifyMonitor struct {
	roots  []string
	dev    *model.DeviceIdentity
	filter *Filter
	log    *zap.Logger
	now    func() time.Time
	poll   time.Duration

	w       *fsnotify.Watcher
	events  chan model.RawFsEvent
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool

	sizes sizeIndex

	mu  sync.Mutex
	err error
}

func newNotifyMonitor(roots []string, dev *model.DeviceIdentity, filter *Filter, log *zap.Logger) *notifyMonitor {
	return &notifyMonitor{
		roots:  roots,
		dev:    dev,
		filter: filter,
		log:    log,
		now:    time.Now,
		poll:   pollInterval,
		events: make(chan model.RawFsEvent, 256),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		sizes:  make(sizeIndex),
	}
}

func (m *notifyMonitor) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.w = w

	active := 0
	for _, root := range m.roots {
		if err := m.addTree(root, false); err != nil {
			m.log.Warn("cannot watch path", zap.String("path", root), zap.Error(err))
			continue
		}
		active++
	}
	if active == 0 {
		w.Close()
		return errors.New("monitor: none of the paths could be watched")
	}

	m.started.Store(true)
	m.log.Info("📂 capture started", zap.String("backend", "fsnotify"), zap.Int("files_indexed", len(m.sizes)))
	go m.loop()
	return nil
}

func (m *notifyMonitor) Stop() {
	m.once.Do(func() { close(m.stop) })
	if m.started.Load() {
		<-m.done
	}
}

func (m *notifyMonitor) Events() <-chan model.RawFsEvent { return m.events }

func (m *notifyMonitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *notifyMonitor) loop() {
	defer close(m.done)
	defer close(m.events)
	defer m.w.Close()

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case ev, ok := <-m.w.Events:
			if !ok {
				return
			}
			m.handle(ev)
		case err, ok := <-m.w.Errors:
			if !ok {
				return
			}
			// 常见为队列溢出，期间的事件已丢失
			m.log.Warn("fsnotify error", zap.Error(err))
		case <-ticker.C:
			if m.rootsGone() {
				m.mu.Lock()
				m.err = ErrCaptureInterrupted
				m.mu.Unlock()
				m.log.Warn("⚠️ capture interrupted, watched root vanished")
				return
			}
		}
	}
}

func (m *notifyMonitor) rootsGone() bool {
	for _, root := range m.roots {
		if _, err := os.Stat(root); err == nil {
			return false
		}
	}
	return true
}

func (m *notifyMonitor) handle(ev fsnotify.Event) {
	p := ev.Name
	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Lstat(p)
		if err != nil {
			// 已经消失：从未进入索引，后续的删除也不会上报
			return
		}
		if info.IsDir() {
			if err := m.addTree(p, true); err != nil {
				m.log.Debug("cannot watch new directory", zap.String("path", p), zap.Error(err))
			}
			return
		}
		if !info.Mode().IsRegular() {
			return
		}
		m.sizes[p] = info.Size()
		m.emit(p, model.EventCreated, info.Size())

	case ev.Has(fsnotify.Write):
		size := model.SizeUnknown
		if info, err := os.Stat(p); err == nil {
			size = info.Size()
			m.sizes[p] = size
		}
		m.emit(p, model.EventModified, size)

	case ev.Has(fsnotify.Remove):
		m.gone(p, model.EventRemoved)

	case ev.Has(fsnotify.Rename):
		m.gone(p, model.EventRenamed)
	}
}

// gone 文件或目录离开原路径；目录则对索引中的每个子文件上报
func (m *notifyMonitor) gone(p string, kind model.EventKind) {
	files := m.sizes.take(p)
	if len(files) > 1 || (len(files) == 1 && files[0].path != p) {
		_ = m.w.Remove(p)
	}
	for _, f := range files {
		m.emit(f.path, kind, f.size)
	}
}

// addTree 监控 root 下的全部目录并索引文件大小；emit 时为已有文件上报 created
func (m *notifyMonitor) addTree(root string, emit bool) error {
	addDir := func(p string) error {
		if err := m.w.Add(p); err != nil {
			if p == root {
				return err
			}
			m.log.Debug("skip directory", zap.String("path", p), zap.Error(err))
			return fs.SkipDir
		}
		return nil
	}
	var onFile func(string, int64)
	if emit {
		onFile = func(p string, size int64) { m.emit(p, model.EventCreated, size) }
	}
	return m.sizes.walk(root, addDir, onFile)
}

// emit 创建/修改时文件可能仍在写入，只按扩展名过滤，大小留给分类阶段
func (m *notifyMonitor) emit(p string, kind model.EventKind, size int64) {
	if !m.filter.AllowPath(p) {
		return
	}
	if kind != model.EventCreated && kind != model.EventModified && !m.filter.AllowSize(size) {
		return
	}
	ev := model.RawFsEvent{
		Device: m.dev,
		Path:   p,
		Kind:   kind,
		Time:   m.now(),
		Size:   size,
	}
	select {
	case m.events <- ev:
	case <-m.stop:
	}
}
