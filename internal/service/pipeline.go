package service

import (
	"context"
	"time"

	"github.com/Hara602/usbAudit/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pruneInterval 日志保留期检查周期
const pruneInterval = 24 * time.Hour

// pipeline 单消费者：设备事件、原始文件事件与定时结算都在这里串行处理，
// 分类器与告警引擎的状态不需要加锁
func (s *Service) pipeline(ctx context.Context, devices <-chan model.DeviceEvent) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.housekeeping()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case ev, ok := <-devices:
			if !ok {
				// 监视器已停止，等待 ctx 结束
				devices = nil
				continue
			}
			switch ev.Action {
			case model.DeviceAttached:
				s.attach(ev)
			case model.DeviceDetached:
				s.detach(ev)
			}

		case it := <-s.raw:
			s.observe(it)

		case <-ticker.C:
			s.record(s.classifier.Flush(s.now()))
			s.retryPending()
			s.housekeeping()
		}
	}
}

func (s *Service) observe(it rawItem) {
	if it.cap.closed {
		it.cap.dropped.Add(1)
		return
	}
	s.events.Add(1)
	s.metrics.EventsTotal.Inc()
	s.classifier.Observe(it.ev)
}

func (s *Service) attach(ev model.DeviceEvent) {
	dev := ev.Device
	log := s.log.With(zap.String("device", dev.ID), zap.String("mount", dev.MountPath))

	dev.FirstSeen = ev.TimeStamp
	if s.registry != nil {
		first, err := s.registry.RecordAttach(dev, ev.TimeStamp)
		if err != nil {
			log.Warn("device registry update failed", zap.Error(err))
		}
		dev.FirstSeen = first
	}

	log.Info("🔌 USB device attached",
		zap.String("vid", dev.VendorID),
		zap.String("pid", dev.ProductID),
		zap.String("serial", dev.Serial),
		zap.String("label", dev.Label),
		zap.String("type", dev.DeviceType))

	rec := model.DeviceLifecycleRecord{ID: uuid.NewString(), Timestamp: ev.TimeStamp, Event: model.DeviceAttached, Device: dev}
	s.emit(model.DevicePayload(rec))
	s.raise(s.engine.OnAttach(rec, s.now()))

	s.mu.Lock()
	s.devices[dev.MountPath] = dev
	n := len(s.devices)
	s.mu.Unlock()
	s.metrics.DevicesMounted.Set(float64(n))

	mon, err := s.newCapture(&dev)
	if err == nil {
		err = mon.Start()
	}
	if err != nil {
		// 设备仍然登记在册，只是没有文件级事件
		s.metrics.CaptureFailures.Inc()
		log.Error("❌ cannot capture file events on device", zap.Error(err))
		return
	}
	c := newCapture(&dev, mon)
	s.captures[dev.MountPath] = c
	s.group.Go(func() error { s.forward(c); return nil })
}

// detach 顺序：停止捕获、排空、结算该设备、写入 detached、结束会话
func (s *Service) detach(ev model.DeviceEvent) {
	dev := ev.Device
	if c, ok := s.captures[dev.MountPath]; ok {
		delete(s.captures, dev.MountPath)
		c.mon.Stop()
		s.drain([]*capture{c}, s.cfg.DrainTimeout())
	}
	s.record(s.classifier.FlushMount(dev.MountPath))

	s.mu.Lock()
	if known, ok := s.devices[dev.MountPath]; ok {
		dev.FirstSeen = known.FirstSeen
	}
	delete(s.devices, dev.MountPath)
	n := len(s.devices)
	s.mu.Unlock()
	s.metrics.DevicesMounted.Set(float64(n))

	s.emit(model.DevicePayload(model.DeviceLifecycleRecord{
		ID:        uuid.NewString(),
		Timestamp: ev.TimeStamp,
		Event:     model.DeviceDetached,
		Device:    dev,
	}))
	s.engine.OnDetach(dev)
	s.log.Info("⏏️ USB device detached", zap.String("device", dev.ID), zap.String("mount", dev.MountPath))
}

// drain 等待捕获器转发完已产生的事件；超时后放弃剩余事件并告警。
// 返回 false 表示发生了丢弃。
func (s *Service) drain(caps []*capture, timeout time.Duration) bool {
	if len(caps) == 0 {
		return true
	}
	all := make(chan struct{})
	go func() {
		for _, c := range caps {
			<-c.done
		}
		close(all)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case it := <-s.raw:
			s.observe(it)
		case <-all:
			// 转发循环都已退出，通道里剩下的就是全部
			for {
				select {
				case it := <-s.raw:
					s.observe(it)
				default:
					s.closeCaptures(caps)
					return true
				}
			}
		case <-timer.C:
			for _, c := range caps {
				close(c.abandon)
			}
			// 已进入通道的事件仍然处理
			for {
				select {
				case it := <-s.raw:
					s.observe(it)
				default:
					s.closeCaptures(caps)
					var lost int64
					for _, c := range caps {
						lost += c.dropped.Load()
					}
					s.log.Warn("⚠️ drain timed out, remaining events discarded",
						zap.Duration("timeout", timeout),
						zap.Int64("discarded_so_far", lost))
					return false
				}
			}
		}
	}
}

func (s *Service) closeCaptures(caps []*capture) {
	for _, c := range caps {
		c.closed = true
	}
}

// shutdown 停止全部捕获并排空；超时未完成的事件被丢弃，已捕获的要么结算要么明确丢弃
func (s *Service) shutdown() {
	s.watcher.Stop()

	caps := make([]*capture, 0, len(s.captures)+1)
	for mount, c := range s.captures {
		c.mon.Stop()
		caps = append(caps, c)
		delete(s.captures, mount)
	}
	if s.hostCap != nil {
		s.hostCap.mon.Stop()
		caps = append(caps, s.hostCap)
		s.hostCap = nil
	}
	drained := s.drain(caps, s.cfg.DrainTimeout())

	s.record(s.classifier.FlushAll())
	if !drained {
		if n := s.classifier.Discard(); n > 0 {
			s.metrics.DiscardedEvents.Add(float64(n))
		}
	}
	var lost int64
	for _, c := range caps {
		lost += c.dropped.Load()
	}
	if lost > 0 {
		s.metrics.DiscardedEvents.Add(float64(lost))
		s.log.Warn("⚠️ raw events discarded at shutdown", zap.Int64("events", lost))
	}

	s.retryPending()
	if n := len(s.pending); n > 0 {
		s.log.Error("❌ audit log unavailable at shutdown, buffered entries lost", zap.Int("entries", n))
	}
}

// record 写入传输记录，随后评估告警；告警总是排在其触发记录之后
func (s *Service) record(recs []model.TransferRecord) {
	for _, rec := range recs {
		s.emit(model.TransferPayload(rec))
		s.metrics.TransfersTotal.WithLabelValues(string(rec.Operation)).Inc()
		s.log.Info("📄 transfer",
			zap.String("operation", string(rec.Operation)),
			zap.String("path", rec.Path),
			zap.Int64("size", rec.SizeBytes),
			zap.String("device", rec.DeviceID))
		s.raise(s.engine.Evaluate(rec, s.now()))
	}
}

func (s *Service) raise(alerts []model.AlertRecord) {
	for _, a := range alerts {
		s.emit(model.AlertPayload(a))
		s.alerts.Add(1)
		s.metrics.AlertsTotal.WithLabelValues(string(a.Kind), string(a.Severity)).Inc()
		s.log.Warn("🚨 alert",
			zap.String("kind", string(a.Kind)),
			zap.String("severity", string(a.Severity)),
			zap.String("reason", a.Reason),
			zap.String("trigger", a.TriggerID))
		s.feed.Publish(a)
	}
}
