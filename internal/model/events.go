package model

import (
	"fmt"
	"time"
)

// DeviceIdentity 可移动存储设备的身份信息
type DeviceIdentity struct {
	ID         string    `json:"id"`
	Serial     string    `json:"serial,omitempty"`
	VendorID   string    `json:"vendor_id,omitempty"`
	ProductID  string    `json:"product_id,omitempty"`
	Product    string    `json:"product,omitempty"`
	Label      string    `json:"label,omitempty"`
	DevicePath string    `json:"device_path"` // e.g., /dev/sdb1
	MountPath  string    `json:"mount_path"`  // e.g., /media/usb
	DeviceType string    `json:"device_type,omitempty"`
	Stable     bool      `json:"stable"` // 序列号可用时，身份跨会话稳定
	FirstSeen  time.Time `json:"first_seen"`
}

// DeviceTypeBadUSB 同时具有存储与 HID 接口的设备
const DeviceTypeBadUSB = "BADUSB_SUSPECT"

// IdentityFor 生成设备 ID：有序列号时用 vid:pid:serial，否则退化为挂载范围内的身份
func IdentityFor(vid, pid, serial, devPath, mountPath string) (string, bool) {
	if serial != "" && serial != "unknown" {
		return fmt.Sprintf("usb:%s:%s:%s", vid, pid, serial), true
	}
	return fmt.Sprintf("mount:%s@%s", devPath, mountPath), false
}

func (d DeviceIdentity) String() string {
	if d.Label != "" {
		return fmt.Sprintf("%s (%s)", d.Label, d.MountPath)
	}
	return d.MountPath
}

// DeviceAction 设备生命周期动作
type DeviceAction string

const (
	DeviceAttached DeviceAction = "attached"
	DeviceDetached DeviceAction = "detached"
)

// DeviceEvent 硬件插拔事件
type DeviceEvent struct {
	Action    DeviceAction
	Device    DeviceIdentity
	TimeStamp time.Time
}

// EventKind 原始文件系统事件类型
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventModified EventKind = "modified"
	EventRemoved  EventKind = "removed"
	EventRenamed  EventKind = "renamed" // 旧路径；新路径以 created 上报
	EventRead     EventKind = "read"
)

// SizeUnknown 事件未携带文件大小
const SizeUnknown int64 = -1

// RawFsEvent 单个文件系统变化通知，不直接落盘
type RawFsEvent struct {
	Device  *DeviceIdentity // nil 表示主机侧路径
	Path    string
	Kind    EventKind
	Time    time.Time
	Size    int64
	PID     int32
	Process string
}

// OnDevice 事件是否发生在可移动设备上
func (e RawFsEvent) OnDevice() bool { return e.Device != nil }
