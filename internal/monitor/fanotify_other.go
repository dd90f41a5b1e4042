//go:build !linux

package monitor

import (
	"errors"

	"github.com/Hara602/usbAudit/internal/model"
	"go.uber.org/zap"
)

func newFanotifyMonitor(*model.DeviceIdentity, *Filter, *zap.Logger) (FileMonitor, error) {
	return nil, errors.New("monitor: fanotify backend is only available on Linux")
}
