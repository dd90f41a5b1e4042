// Package alert 按规则评估传输记录与设备事件，产生告警记录。只检测，不拦截。
package alert

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/Hara602/usbAudit/internal/analysis"
	"github.com/Hara602/usbAudit/internal/config"
	"github.com/Hara602/usbAudit/internal/model"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionState 设备会话状态，不跨会话保留
type SessionState string

const (
	StateNormal   SessionState = "normal"
	StateElevated SessionState = "elevated" // 本会话累计传输已越过阈值
)

// Severity 各类告警的等级
var Severity = map[model.AlertKind]model.Severity{
	model.AlertLargeFile:           model.SeverityMedium,
	model.AlertSuspiciousExtension: model.SeverityMedium,
	model.AlertLargeTransfer:       model.SeverityHigh,
	model.AlertRestrictedTime:      model.SeverityLow,
	model.AlertMasquerade:          model.SeverityHigh,
	model.AlertBadUSB:              model.SeverityCritical,
	model.AlertWatchlistedDevice:   model.SeverityHigh,
}

// Inspector 文件头伪装检测
type Inspector interface {
	Inspect(path string) (*analysis.Result, error)
}

// Watchlist 设备关注名单
type Watchlist interface {
	Watched(dev model.DeviceIdentity) (bool, string, error)
}

// Options 引擎依赖
type Options struct {
	Config    *config.Config
	Inspector Inspector // nil 时跳过伪装检测
	Watchlist Watchlist // nil 时跳过关注名单
	Location  *time.Location
	Log       *zap.Logger
	NewID     func() string
}

// SessionInfo 会话快照
type SessionInfo struct {
	DeviceID    string
	State       SessionState
	Bytes       int64
	Transfers   int
	AttachedAt  time.Time
	LargeAlerts int
	Mounts      int
}

type session struct {
	SessionInfo
	transferAlerted bool
	mounts          map[string]struct{} // 同一设备已挂载的分区
}

// Engine 会话状态只由管道 goroutine 访问，不加锁
type Engine struct {
	conf      *config.Config
	cfg       config.AlertConfig
	window    config.ClockWindow
	inspector Inspector
	watchlist Watchlist
	loc       *time.Location
	log       *zap.Logger
	newID     func() string

	sessions map[string]*session
}

// New 创建引擎
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("alert: config is required")
	}
	e := &Engine{
		conf:      opts.Config,
		cfg:       opts.Config.Alerts,
		inspector: opts.Inspector,
		watchlist: opts.Watchlist,
		loc:       opts.Location,
		log:       opts.Log,
		newID:     opts.NewID,
		sessions:  make(map[string]*session),
	}
	if e.cfg.TimeBasedAlerts.Enabled {
		w, err := e.cfg.TimeBasedAlerts.RestrictedHours.Window()
		if err != nil {
			return nil, err
		}
		e.window = w
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e, nil
}

// OnAttach 评估设备级规则。设备没有已挂载分区时开启新会话（计数清零）；
// 同一设备的其他分区挂载时并入现有会话，传输量跨分区累计。
func (e *Engine) OnAttach(rec model.DeviceLifecycleRecord, now time.Time) []model.AlertRecord {
	dev := rec.Device
	s, ok := e.sessions[dev.ID]
	if !ok || len(s.mounts) == 0 {
		s = &session{SessionInfo: SessionInfo{
			DeviceID:   dev.ID,
			State:      StateNormal,
			AttachedAt: rec.Timestamp,
		}, mounts: make(map[string]struct{})}
		e.sessions[dev.ID] = s
	}
	s.mounts[dev.MountPath] = struct{}{}
	s.Mounts = len(s.mounts)
	if !e.cfg.EnableAlerts {
		return nil
	}

	var out []model.AlertRecord
	raise := func(kind model.AlertKind, reason string) {
		out = append(out, e.newAlert(now, rec.ID, model.KindDevice, dev.ID, kind, reason))
	}
	if dev.DeviceType == model.DeviceTypeBadUSB {
		raise(model.AlertBadUSB, fmt.Sprintf("device %s exposes both mass-storage and HID interfaces", deviceName(dev)))
	}
	if e.watchlist != nil {
		hit, why, err := e.watchlist.Watched(dev)
		switch {
		case err != nil:
			e.log.Error("❌ watchlist lookup failed, device not checked",
				zap.String("device", dev.ID), zap.Error(err))
		case hit:
			raise(model.AlertWatchlistedDevice, fmt.Sprintf("device %s is watchlisted: %s", deviceName(dev), why))
		}
	}
	return out
}

// OnDetach 卸下一个分区；最后一个分区卸下时结束会话
func (e *Engine) OnDetach(dev model.DeviceIdentity) {
	s, ok := e.sessions[dev.ID]
	if !ok {
		return
	}
	delete(s.mounts, dev.MountPath)
	s.Mounts = len(s.mounts)
	if len(s.mounts) == 0 {
		delete(e.sessions, dev.ID)
	}
}

// Session 当前会话快照
func (e *Engine) Session(deviceID string) (SessionInfo, bool) {
	s, ok := e.sessions[deviceID]
	if !ok {
		return SessionInfo{}, false
	}
	return s.SessionInfo, true
}

// Evaluate 对一条传输记录应用全部规则，命中几条就产生几条告警
func (e *Engine) Evaluate(rec model.TransferRecord, now time.Time) []model.AlertRecord {
	s := e.session(rec.DeviceID, rec.Timestamp)
	s.Transfers++
	if (rec.Operation == model.OpCopyIn || rec.Operation == model.OpCopyOut) && rec.SizeBytes > 0 {
		s.Bytes += rec.SizeBytes
	}

	if !e.cfg.EnableAlerts {
		return nil
	}

	var out []model.AlertRecord
	raise := func(kind model.AlertKind, reason string) {
		out = append(out, e.newAlert(now, rec.ID, model.KindTransfer, rec.DeviceID, kind, reason))
	}

	threshold := int64(e.cfg.AlertThresholdMB) * config.MiB
	if rec.SizeBytes >= threshold {
		raise(model.AlertLargeFile, fmt.Sprintf("%s %s is %s, threshold %d MB",
			rec.Operation, rec.FileName, humanize.IBytes(uint64(rec.SizeBytes)), e.cfg.AlertThresholdMB))
	}

	if ext := filepath.Ext(rec.FileName); e.conf.IsSuspicious(ext) {
		raise(model.AlertSuspiciousExtension, fmt.Sprintf("%s %s has suspicious extension %s", rec.Operation, rec.FileName, ext))
	}

	if e.cfg.LargeTransferAlert && !s.transferAlerted {
		limit := int64(e.cfg.LargeTransferThresholdMB) * config.MiB
		if s.Bytes > limit {
			s.transferAlerted = true
			s.State = StateElevated
			s.LargeAlerts++
			raise(model.AlertLargeTransfer, fmt.Sprintf("session transferred %s, threshold %d MB",
				humanize.IBytes(uint64(s.Bytes)), e.cfg.LargeTransferThresholdMB))
		}
	}

	if tb := e.cfg.TimeBasedAlerts; tb.Enabled {
		at := rec.Timestamp
		if at.IsZero() {
			at = now
		}
		local := at.In(e.loc)
		switch {
		case e.window.Contains(local):
			raise(model.AlertRestrictedTime, fmt.Sprintf("%s at %s is within restricted hours %s-%s",
				rec.Operation, local.Format("15:04"), tb.RestrictedHours.Start, tb.RestrictedHours.End))
		case tb.WeekendAlerts && config.IsWeekend(local):
			raise(model.AlertRestrictedTime, fmt.Sprintf("%s on %s (weekend)", rec.Operation, local.Weekday()))
		}
	}

	if e.cfg.MasqueradeDetection && e.inspector != nil && rec.Operation == model.OpCopyIn {
		res, err := e.inspector.Inspect(rec.Path)
		switch {
		case err != nil:
			e.log.Debug("masquerade check skipped", zap.String("path", rec.Path), zap.Error(err))
		case res.IsMasquerade:
			a := e.newAlert(now, rec.ID, model.KindTransfer, rec.DeviceID, model.AlertMasquerade,
				fmt.Sprintf("%s: %s", rec.FileName, res.Message))
			if res.Severity != "" {
				a.Severity = res.Severity
			}
			out = append(out, a)
		}
	}
	return out
}

func (e *Engine) session(deviceID string, at time.Time) *session {
	s, ok := e.sessions[deviceID]
	if !ok {
		// 未见到 attach（例如启动时设备已插入）也按新会话处理
		s = &session{SessionInfo: SessionInfo{DeviceID: deviceID, State: StateNormal, AttachedAt: at}, mounts: make(map[string]struct{})}
		e.sessions[deviceID] = s
	}
	return s
}

func (e *Engine) newAlert(now time.Time, triggerID string, triggerKind model.PayloadKind, deviceID string, kind model.AlertKind, reason string) model.AlertRecord {
	return model.AlertRecord{
		ID:          e.newID(),
		Timestamp:   now,
		TriggerID:   triggerID,
		TriggerKind: triggerKind,
		DeviceID:    deviceID,
		Kind:        kind,
		Severity:    Severity[kind],
		Reason:      reason,
	}
}

func deviceName(d model.DeviceIdentity) string {
	if d.Product != "" {
		return fmt.Sprintf("%s [%s]", d.Product, d.ID)
	}
	return d.ID
}
