package service

import (
	"errors"
	"sort"
	"sync/atomic"

	"github.com/Hara602/usbAudit/internal/model"
	"github.com/Hara602/usbAudit/internal/monitor"
	"go.uber.org/zap"
)

// capture 一个设备（或主机侧）的捕获会话
type capture struct {
	dev     *model.DeviceIdentity // 主机侧为 nil
	mon     monitor.FileMonitor
	done    chan struct{} // 转发循环结束
	abandon chan struct{} // 排空超时，剩余事件丢弃
	closed  bool          // 管道侧：已结算，之后到达的事件丢弃

	dropped atomic.Int64
}

type rawItem struct {
	cap *capture
	ev  model.RawFsEvent
}

// forward 把捕获器的事件按序转入管道；每个捕获器一个 goroutine
func (s *Service) forward(c *capture) {
	defer close(c.done)
	events := c.mon.Events()
	for open := true; open; {
		select {
		case ev, ok := <-events:
			if !ok {
				open = false
				break
			}
			select {
			case s.raw <- rawItem{cap: c, ev: ev}:
			case <-c.abandon:
				c.dropped.Add(1)
				return
			}
		case <-c.abandon:
			return
		}
	}

	switch err := c.mon.Err(); {
	case err == nil:
	case errors.Is(err, monitor.ErrCaptureInterrupted):
		s.log.Info("capture ended, device root is gone", zap.String("device", c.name()))
	default:
		s.metrics.CaptureFailures.Inc()
		s.log.Error("❌ capture failed", zap.String("device", c.name()), zap.Error(err))
	}
}

func newCapture(dev *model.DeviceIdentity, mon monitor.FileMonitor) *capture {
	return &capture{dev: dev, mon: mon, done: make(chan struct{}), abandon: make(chan struct{})}
}

func (c *capture) name() string {
	if c.dev == nil {
		return "host"
	}
	return c.dev.ID
}

func sortDevices(devs []model.DeviceIdentity) {
	sort.Slice(devs, func(i, j int) bool { return devs[i].MountPath < devs[j].MountPath })
}
