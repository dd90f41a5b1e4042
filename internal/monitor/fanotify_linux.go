//go:build linux

package monitor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hara602/usbAudit/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// fanotify 事件结构：[FanotifyEventMetadata] + [info 记录] ...
// info 记录：[header] + [fsid] + [file_handle 头] + [f_handle] + [以 NUL 结尾的名称]
const (
	metadataSize   = 24
	infoHeaderSize = 4
	fsidSize       = 8
	handleHdrSize  = 8
)

type fanotifyInfoHeader struct {
	InfoType uint8
	Pad      uint8
	Len      uint16
}

type fileHandleHeader struct {
	HandleBytes uint32
	HandleType  int32
}

// fanEvent 解析后的单条事件，目录以 file handle 表示
type fanEvent struct {
	mask       uint64
	pid        int32
	fd         int32
	handleType int32
	handle     []byte
	name       string
}

// parseFanotifyEvents 解析一次 read 得到的缓冲区
func parseFanotifyEvents(buf []byte) ([]fanEvent, error) {
	var out []fanEvent
	for offset := 0; offset+metadataSize <= len(buf); {
		var meta unix.FanotifyEventMetadata
		if err := binary.Read(bytes.NewReader(buf[offset:offset+metadataSize]), binary.NativeEndian, &meta); err != nil {
			return out, err
		}
		if meta.Vers != unix.FANOTIFY_METADATA_VERSION {
			return out, fmt.Errorf("fanotify: unexpected metadata version %d", meta.Vers)
		}
		end := offset + int(meta.Event_len)
		if meta.Event_len < metadataSize || end > len(buf) {
			return out, fmt.Errorf("fanotify: truncated event at offset %d", offset)
		}

		ev := fanEvent{mask: meta.Mask, pid: meta.Pid, fd: meta.Fd}
		if err := parseInfo(buf[offset+int(meta.Metadata_len):end], &ev); err != nil {
			return out, err
		}
		out = append(out, ev)
		offset = end
	}
	return out, nil
}

func parseInfo(buf []byte, ev *fanEvent) error {
	r := bytes.NewReader(buf)
	for r.Len() >= infoHeaderSize {
		start := len(buf) - r.Len()
		var hdr fanotifyInfoHeader
		if err := binary.Read(r, binary.NativeEndian, &hdr); err != nil {
			return err
		}
		if hdr.Len < infoHeaderSize || start+int(hdr.Len) > len(buf) {
			return fmt.Errorf("fanotify: bad info record length %d", hdr.Len)
		}
		record := buf[start : start+int(hdr.Len)]

		// 只关心 DFID_NAME 类型的信息
		if hdr.InfoType == unix.FAN_EVENT_INFO_TYPE_DFID_NAME && len(record) >= infoHeaderSize+fsidSize+handleHdrSize {
			var fh fileHandleHeader
			hr := bytes.NewReader(record[infoHeaderSize+fsidSize:])
			if err := binary.Read(hr, binary.NativeEndian, &fh); err != nil {
				return err
			}
			handleStart := infoHeaderSize + fsidSize + handleHdrSize
			nameStart := handleStart + int(fh.HandleBytes)
			if nameStart > len(record) {
				return fmt.Errorf("fanotify: file handle overruns record")
			}
			ev.handleType = fh.HandleType
			ev.handle = append([]byte(nil), record[handleStart:nameStart]...)
			name := record[nameStart:]
			// bytes.IndexByte 找第一个 NUL 字符
			if idx := bytes.IndexByte(name, 0); idx != -1 {
				name = name[:idx]
			}
			ev.name = string(name)
		}
		if _, err := r.Seek(int64(start+int(hdr.Len)), io.SeekStart); err != nil {
			return err
		}
	}
	return nil
}

type fanotifyMonitor struct {
	dev    *model.DeviceIdentity
	root   string
	filter *Filter
	log    *zap.Logger
	now    func() time.Time
	poll   time.Duration
	self   int32

	fd      int
	mountFd int
	events  chan model.RawFsEvent
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool
	sizes   sizeIndex

	mu  sync.Mutex
	err error
}

func newFanotifyMonitor(dev *model.DeviceIdentity, filter *Filter, log *zap.Logger) (FileMonitor, error) {
	flags := uint(unix.FAN_CLASS_NOTIF |
		unix.FAN_REPORT_DFID_NAME |
		unix.FAN_CLOEXEC |
		unix.FAN_NONBLOCK |
		unix.FAN_UNLIMITED_QUEUE |
		unix.FAN_UNLIMITED_MARKS)
	fd, err := unix.FanotifyInit(flags, uint(unix.O_RDONLY))
	if err != nil {
		return nil, fmt.Errorf("fanotify init failed (requires root and Linux 5.9+): %w", err)
	}
	return &fanotifyMonitor{
		dev:     dev,
		root:    filepath.Clean(dev.MountPath),
		filter:  filter,
		log:     log,
		now:     time.Now,
		poll:    pollInterval,
		self:    int32(os.Getpid()),
		fd:      fd,
		mountFd: -1,
		events:  make(chan model.RawFsEvent, 256),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		sizes:   make(sizeIndex),
	}, nil
}

func (f *fanotifyMonitor) Start() error {
	mountFd, err := unix.Open(f.root, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(f.fd)
		return fmt.Errorf("open mount root: %w", err)
	}
	f.mountFd = mountFd

	mask := uint64(watchMask)

	// FAN_MARK_FILESYSTEM: 监控整个文件系统，能递归覆盖所有子目录
	err = unix.FanotifyMark(f.fd, unix.FAN_MARK_ADD|unix.FAN_MARK_FILESYSTEM, mask, unix.AT_FDCWD, f.root)
	if err != nil {
		// 退化为只监控根目录（不递归）
		f.log.Warn("⚠️ FAN_MARK_FILESYSTEM failed, watching mount root only", zap.Error(err))
		if err = unix.FanotifyMark(f.fd, unix.FAN_MARK_ADD, mask, unix.AT_FDCWD, f.root); err != nil {
			f.closeFds()
			return fmt.Errorf("fanotify mark failed: %w", err)
		}
	}

	if err := f.sizes.walk(f.root, nil, nil); err != nil {
		f.log.Warn("initial index incomplete", zap.Error(err))
	}

	f.started.Store(true)
	f.log.Info("📂 capture started", zap.String("backend", "fanotify"), zap.Int("files_indexed", len(f.sizes)))
	go f.loop()
	return nil
}

func (f *fanotifyMonitor) Stop() {
	f.once.Do(func() { close(f.stop) })
	if f.started.Load() {
		<-f.done
	}
}

func (f *fanotifyMonitor) Events() <-chan model.RawFsEvent { return f.events }

func (f *fanotifyMonitor) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fanotifyMonitor) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fanotifyMonitor) closeFds() {
	if f.mountFd >= 0 {
		unix.Close(f.mountFd)
	}
	unix.Close(f.fd)
}

func (f *fanotifyMonitor) loop() {
	defer close(f.done)
	defer close(f.events)
	defer f.closeFds()

	buf := make([]byte, 64*1024)
	fds := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-f.stop:
			return
		default:
		}

		n, err := unix.Poll(fds, int(f.poll/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			f.setErr(fmt.Errorf("fanotify poll: %w", err))
			f.log.Error("fanotify poll failed", zap.Error(err))
			return
		}
		if n == 0 {
			if _, err := os.Stat(f.root); err != nil {
				f.setErr(ErrCaptureInterrupted)
				f.log.Warn("⚠️ capture interrupted, mount root vanished")
				return
			}
			continue
		}

		nr, err := unix.Read(f.fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			f.setErr(fmt.Errorf("fanotify read: %w", err))
			f.log.Error("fanotify read failed", zap.Error(err))
			return
		}
		evs, err := parseFanotifyEvents(buf[:nr])
		if err != nil {
			f.log.Warn("fanotify parse error", zap.Error(err))
		}
		for _, ev := range evs {
			f.handle(ev)
		}
	}
}

// watchMask 含 FAN_MODIFY：慢速拷贝在 CLOSE_WRITE 之前的每次写入都会延后组的结算
const watchMask = unix.FAN_MODIFY |
	unix.FAN_CLOSE_WRITE |
	unix.FAN_CLOSE_NOWRITE |
	unix.FAN_CREATE |
	unix.FAN_DELETE |
	unix.FAN_MOVED_TO |
	unix.FAN_MOVED_FROM |
	unix.FAN_ONDIR |
	unix.FAN_EVENT_ON_CHILD

// maskKinds 一个事件可能合并了多个动作，按发生顺序展开
var maskKinds = []struct {
	bit  uint64
	kind model.EventKind
}{
	{unix.FAN_CREATE, model.EventCreated},
	{unix.FAN_MOVED_TO, model.EventCreated},
	{unix.FAN_MODIFY | unix.FAN_CLOSE_WRITE, model.EventModified},
	{unix.FAN_CLOSE_NOWRITE, model.EventRead},
	{unix.FAN_MOVED_FROM, model.EventRenamed},
	{unix.FAN_DELETE, model.EventRemoved},
}

// kindsOf 把事件掩码展开为事件类型；FAN_MODIFY 与 CLOSE_WRITE 合并时只报一次修改
func kindsOf(mask uint64) []model.EventKind {
	var kinds []model.EventKind
	for _, mk := range maskKinds {
		if mask&mk.bit != 0 {
			kinds = append(kinds, mk.kind)
		}
	}
	return kinds
}

func (f *fanotifyMonitor) handle(ev fanEvent) {
	if ev.fd >= 0 {
		unix.Close(int(ev.fd))
	}
	if ev.mask&unix.FAN_Q_OVERFLOW != 0 {
		f.log.Warn("fanotify queue overflow, events lost")
		return
	}
	// 自身的读取（内容哈希、类型检测）不是用户操作
	if ev.pid == f.self || ev.name == "" || ev.name == "." || len(ev.handle) == 0 {
		return
	}

	dir, err := f.resolve(ev.handleType, ev.handle)
	if err != nil {
		f.log.Debug("cannot resolve directory handle", zap.Error(err))
		return
	}
	p := filepath.Join(dir, ev.name)
	if p != f.root && !strings.HasPrefix(p, f.root+string(filepath.Separator)) {
		return
	}
	isDir := ev.mask&unix.FAN_ONDIR != 0
	proc := procName(ev.pid)

	for _, kind := range kindsOf(ev.mask) {
		switch {
		case isDir && kind == model.EventCreated:
			// 整个目录移入：为其中已有文件补报 created
			f.sizes.walk(p, nil, func(fp string, size int64) {
				f.emit(fp, model.EventCreated, size, ev.pid, proc)
			})
		case isDir && (kind == model.EventRenamed || kind == model.EventRemoved):
			for _, e := range f.sizes.take(p) {
				f.emit(e.path, kind, e.size, ev.pid, proc)
			}
		case isDir:
		case kind == model.EventRenamed || kind == model.EventRemoved:
			size := model.SizeUnknown
			if got := f.sizes.take(p); len(got) == 1 {
				size = got[0].size
			}
			f.emit(p, kind, size, ev.pid, proc)
		default:
			size := model.SizeUnknown
			if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
				size = info.Size()
				f.sizes[p] = size
			}
			f.emit(p, kind, size, ev.pid, proc)
		}
	}
}

// resolve 通过 open_by_handle_at 把目录 handle 还原为路径
func (f *fanotifyMonitor) resolve(handleType int32, handle []byte) (string, error) {
	fd, err := unix.OpenByHandleAt(f.mountFd, unix.NewFileHandle(handleType, handle), unix.O_PATH)
	if err != nil {
		return "", err
	}
	defer unix.Close(fd)
	return os.Readlink("/proc/self/fd/" + strconv.Itoa(fd))
}

func (f *fanotifyMonitor) emit(p string, kind model.EventKind, size int64, pid int32, proc string) {
	if !f.filter.AllowPath(p) {
		return
	}
	if kind != model.EventCreated && kind != model.EventModified && !f.filter.AllowSize(size) {
		return
	}
	ev := model.RawFsEvent{
		Device:  f.dev,
		Path:    p,
		Kind:    kind,
		Time:    f.now(),
		Size:    size,
		PID:     pid,
		Process: proc,
	}
	select {
	case f.events <- ev:
	case <-f.stop:
	}
}

func procName(pid int32) string {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(int(pid)), "comm"))
	if err != nil {
		// 进程文件不存在，说明进程已经退出了
		if os.IsNotExist(err) {
			return "exited"
		}
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}
