// Package monitor 采集挂载点（以及主机侧目录）下的原始文件系统事件。
package monitor

import (
	"errors"
	"fmt"

	"github.com/Hara602/usbAudit/internal/config"
	"github.com/Hara602/usbAudit/internal/model"
	"go.uber.org/zap"
)

// ErrCaptureInterrupted 挂载根目录消失，捕获已结束（设备被拔出等），不是致命错误
var ErrCaptureInterrupted = errors.New("capture interrupted: watched root is gone")

// FileMonitor 单个设备（或主机目录集合）的事件源
type FileMonitor interface {
	Start() error
	// Stop 协作式停止：循环在一个轮询周期内退出，随后 Events() 被关闭
	Stop()
	Events() <-chan model.RawFsEvent
	// Err 捕获异常结束的原因，正常停止为 nil
	Err() error
}

// New 为设备挂载点创建指定后端的捕获器
func New(backend string, dev *model.DeviceIdentity, filter *Filter, log *zap.Logger) (FileMonitor, error) {
	if dev == nil || dev.MountPath == "" {
		return nil, errors.New("monitor: device without mount path")
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("device", dev.ID), zap.String("mount", dev.MountPath))

	switch backend {
	case "", config.BackendFsnotify:
		return newNotifyMonitor([]string{dev.MountPath}, dev, filter, log), nil
	case config.BackendFanotify:
		return newFanotifyMonitor(dev, filter, log)
	}
	return nil, fmt.Errorf("monitor: unknown capture backend %q", backend)
}

// NewHost 监控主机侧目录（Device 为 nil），仅用于关联拷出操作
func NewHost(paths []string, filter *Filter, log *zap.Logger) FileMonitor {
	if log == nil {
		log = zap.NewNop()
	}
	return newNotifyMonitor(paths, nil, filter, log.With(zap.Strings("host_paths", paths)))
}
