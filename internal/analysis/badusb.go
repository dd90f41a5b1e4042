package analysis

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/Hara602/usbAudit/internal/model"
)

// USB 接口类代码
const (
	classHID         = "03"
	classMassStorage = "08"
)

// 设备类型
const (
	DeviceTypeDisk  = "udisk"
	DeviceTypeOther = "other"
)

// CheckBadUSB 如果一个 USB 设备树下同时拥有 08(存储) 和 03(HID) 接口，则判定为 BadUSB。
// sysPath 为 sysfs 中的 USB 设备目录，例如 /sys/bus/usb/devices/1-1。
func CheckBadUSB(sysPath string) (bool, string) {
	entries, err := os.ReadDir(sysPath)
	if err != nil {
		return false, DeviceTypeOther
	}
	hasStorage, hasHID := false, false
	for _, e := range entries {
		// 接口目录形如 1-1:1.0
		if !strings.Contains(e.Name(), ":") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(sysPath, e.Name(), "bInterfaceClass"))
		if err != nil {
			continue
		}
		switch strings.TrimSpace(string(content)) {
		case classHID:
			hasHID = true
		case classMassStorage:
			hasStorage = true
		}
	}
	switch {
	case hasStorage && hasHID:
		return true, model.DeviceTypeBadUSB
	case hasStorage:
		return false, DeviceTypeDisk
	}
	return false, DeviceTypeOther
}
