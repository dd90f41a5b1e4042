//go:build linux

package watcher

import (
	"context"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

// UdevTrigger 监听 NETLINK_KOBJECT_UEVENT，块设备分区变化时通知重扫
type UdevTrigger struct {
	Log *zap.Logger
}

// Start 实现 Trigger
func (u *UdevTrigger) Start(ctx context.Context) (<-chan struct{}, error) {
	log := u.Log
	if log == nil {
		log = zap.NewNop()
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, err
	}
	queue := make(chan netlink.UEvent)
	errChan := make(chan error)
	quit := conn.Monitor(queue, errChan, nil)

	out := make(chan struct{}, 1)
	go func() {
		// 确保退出时关闭连接
		defer conn.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				close(quit)
				return
			case err := <-errChan:
				// 忽略底层网络错误，继续监听
				log.Debug("udev monitor error", zap.Error(err))
			case ev := <-queue:
				if !partitionChange(ev) {
					continue
				}
				log.Debug("udev partition event", zap.String("action", string(ev.Action)), zap.String("dev", ev.Env["DEVNAME"]))
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

func partitionChange(ev netlink.UEvent) bool {
	if ev.Env["SUBSYSTEM"] != "block" || ev.Env["DEVTYPE"] != "partition" {
		return false
	}
	switch ev.Action {
	case netlink.ADD, netlink.REMOVE, netlink.CHANGE:
		return true
	}
	return false
}

// NewDefault 平台默认的 Watcher：sysfs 枚举 + udev 触发
func NewDefault(log *zap.Logger, opts ...Option) *Watcher {
	opts = append([]Option{
		WithLogger(log),
		WithTrigger(&UdevTrigger{Log: log}),
	}, opts...)
	return New(NewSysfsEnumerator(log), opts...)
}
