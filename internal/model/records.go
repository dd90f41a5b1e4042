package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation 分类后的文件操作
type Operation string

const (
	OpCopyIn  Operation = "copy-in"
	OpCopyOut Operation = "copy-out"
	OpMove    Operation = "move"
	OpDelete  Operation = "delete"
)

// TransferRecord 一次已分类的文件操作，创建后不可修改
type TransferRecord struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	DeviceID    string    `json:"device_id"`
	DeviceLabel string    `json:"device_label,omitempty"`
	MountPath   string    `json:"mount_path"`
	Path        string    `json:"path"`
	SourcePath  string    `json:"source_path,omitempty"` // move：设备上的原路径
	DestPath    string    `json:"dest_path,omitempty"`   // copy-out：主机上的目标路径
	FileName    string    `json:"file_name"`
	FileType    string    `json:"file_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	Operation   Operation `json:"operation"`
	ContentHash string    `json:"content_hash,omitempty"`
	Process     string    `json:"process,omitempty"`
	PID         int32     `json:"pid,omitempty"`
	User        string    `json:"user,omitempty"`
}

// AlertKind 告警类型
type AlertKind string

const (
	AlertLargeFile           AlertKind = "large_file"
	AlertSuspiciousExtension AlertKind = "suspicious_extension"
	AlertLargeTransfer       AlertKind = "large_transfer"
	AlertRestrictedTime      AlertKind = "restricted_time"
	AlertMasquerade          AlertKind = "masquerade"
	AlertBadUSB              AlertKind = "badusb_suspect"
	AlertWatchlistedDevice   AlertKind = "watchlisted_device"
)

// Severity 告警等级
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertRecord 告警记录，TriggerID 指向已存在的传输记录或设备事件
type AlertRecord struct {
	ID          string      `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	TriggerID   string      `json:"trigger_id"`
	TriggerKind PayloadKind `json:"trigger_kind"`
	DeviceID    string      `json:"device_id"`
	Kind        AlertKind   `json:"kind"`
	Severity    Severity    `json:"severity"`
	Reason      string      `json:"reason"`
}

// DeviceLifecycleRecord 设备插拔记录
type DeviceLifecycleRecord struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Event     DeviceAction   `json:"event"`
	Device    DeviceIdentity `json:"device"`
}

// CheckpointRecord 日志裁剪边界，锚定保留部分的哈希链
type CheckpointRecord struct {
	PrunedThrough uint64    `json:"pruned_through"`
	PrunedEntries uint64    `json:"pruned_entries"`
	LastEntryHash string    `json:"last_entry_hash"`
	Cutoff        time.Time `json:"cutoff"`
	Archive       string    `json:"archive,omitempty"`
}

// PayloadKind 日志负载的类型标签
type PayloadKind string

const (
	KindTransfer   PayloadKind = "transfer"
	KindAlert      PayloadKind = "alert"
	KindDevice     PayloadKind = "device"
	KindCheckpoint PayloadKind = "checkpoint"
)

// Payload 封闭的标签联合体：Kind 决定哪个字段有效
type Payload struct {
	Kind       PayloadKind
	Transfer   *TransferRecord
	Alert      *AlertRecord
	Device     *DeviceLifecycleRecord
	Checkpoint *CheckpointRecord
}

func TransferPayload(r TransferRecord) Payload { return Payload{Kind: KindTransfer, Transfer: &r} }
func AlertPayload(r AlertRecord) Payload       { return Payload{Kind: KindAlert, Alert: &r} }
func DevicePayload(r DeviceLifecycleRecord) Payload {
	return Payload{Kind: KindDevice, Device: &r}
}

// ID 返回负载中记录的 ID
func (p Payload) ID() string {
	switch p.Kind {
	case KindTransfer:
		return p.Transfer.ID
	case KindAlert:
		return p.Alert.ID
	case KindDevice:
		return p.Device.ID
	}
	return ""
}

// Marshal 按标签序列化对应的记录
func (p Payload) Marshal() ([]byte, error) {
	var v any
	switch p.Kind {
	case KindTransfer:
		v = p.Transfer
	case KindAlert:
		v = p.Alert
	case KindDevice:
		v = p.Device
	case KindCheckpoint:
		v = p.Checkpoint
	default:
		return nil, fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return json.Marshal(v)
}

// UnmarshalPayload 根据标签反序列化
func UnmarshalPayload(kind PayloadKind, data []byte) (Payload, error) {
	p := Payload{Kind: kind}
	var err error
	switch kind {
	case KindTransfer:
		p.Transfer = new(TransferRecord)
		err = json.Unmarshal(data, p.Transfer)
	case KindAlert:
		p.Alert = new(AlertRecord)
		err = json.Unmarshal(data, p.Alert)
	case KindDevice:
		p.Device = new(DeviceLifecycleRecord)
		err = json.Unmarshal(data, p.Device)
	case KindCheckpoint:
		p.Checkpoint = new(CheckpointRecord)
		err = json.Unmarshal(data, p.Checkpoint)
	default:
		return p, fmt.Errorf("unknown payload kind %q", kind)
	}
	return p, err
}
