//go:build !linux

package watcher

import (
	"errors"
	"runtime"

	"github.com/Hara602/usbAudit/internal/model"
	"go.uber.org/zap"
)

type unsupportedEnumerator struct{}

func (unsupportedEnumerator) Enumerate() ([]model.DeviceIdentity, error) {
	return nil, errors.New("removable device enumeration is not implemented on " + runtime.GOOS)
}

// NewDefault 非 Linux 平台暂无枚举实现，监视器持续处于 degraded 状态
func NewDefault(log *zap.Logger, opts ...Option) *Watcher {
	return New(unsupportedEnumerator{}, append([]Option{WithLogger(log)}, opts...)...)
}
