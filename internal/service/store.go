package service

import (
	"errors"
	"time"

	"github.com/Hara602/usbAudit/internal/auditlog"
	"github.com/Hara602/usbAudit/internal/model"
	"go.uber.org/zap"
)

// emit 追加一条记录。日志写入失败时进入降级模式：记录按序缓冲，
// 之后的记录排在缓冲之后，由定时器重试。
func (s *Service) emit(p model.Payload) {
	if len(s.pending) > 0 {
		s.enqueue(p)
		return
	}
	if _, err := s.audit.Append(p); err != nil {
		s.appendFailed(err)
		s.enqueue(p)
		return
	}
	s.appended(p)
}

func (s *Service) appended(p model.Payload) {
	if p.Kind == model.KindTransfer {
		s.transfers.Add(1)
	}
}

func (s *Service) appendFailed(err error) {
	s.metrics.AppendFailures.Inc()
	if s.storeDown.CompareAndSwap(false, true) {
		s.metrics.SetDegraded(true)
		var sf *auditlog.StorageFailure
		if errors.As(err, &sf) {
			s.log.Error("❌ audit log write failed, entering degraded mode",
				zap.Uint64("seq", sf.Seq), zap.Error(sf.Err))
			return
		}
		s.log.Error("❌ audit log unavailable, entering degraded mode", zap.Error(err))
	}
}

// enqueue 缓冲已满时丢弃新记录（已缓冲的记录保持顺序与引用完整）
func (s *Service) enqueue(p model.Payload) {
	if len(s.pending) >= s.cfg.Security.MaxBufferedEntries {
		s.log.Error("❌ audit buffer full, record lost",
			zap.String("kind", string(p.Kind)),
			zap.String("id", p.ID()),
			zap.Int("buffered", len(s.pending)))
		return
	}
	s.pending = append(s.pending, p)
	s.buffered.Store(int64(len(s.pending)))
	s.metrics.BufferedEntries.Set(float64(len(s.pending)))
}

// retryPending 按序补写缓冲；遇到失败即停，下个周期再试
func (s *Service) retryPending() {
	if len(s.pending) == 0 {
		return
	}
	n := 0
	for _, p := range s.pending {
		if _, err := s.audit.Append(p); err != nil {
			s.metrics.AppendFailures.Inc()
			s.log.Debug("audit log still unavailable", zap.Int("buffered", len(s.pending)-n), zap.Error(err))
			break
		}
		s.appended(p)
		n++
	}
	s.pending = s.pending[n:]
	if len(s.pending) == 0 {
		s.pending = nil
	}
	s.buffered.Store(int64(len(s.pending)))
	s.metrics.BufferedEntries.Set(float64(len(s.pending)))

	if len(s.pending) == 0 && s.storeDown.CompareAndSwap(true, false) {
		s.metrics.SetDegraded(false)
		s.log.Info("✅ audit log recovered, buffered entries written", zap.Int("entries", n))
	}
}

// housekeeping 每天一次按保留期裁剪日志
func (s *Service) housekeeping() {
	days := s.cfg.Security.LogRetentionDays
	if days <= 0 || len(s.pending) > 0 {
		return
	}
	now := s.now()
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < pruneInterval {
		return
	}
	s.lastPrune = now

	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
	res, err := s.audit.Prune(cutoff)
	if err != nil {
		s.log.Error("❌ audit log retention failed", zap.Time("cutoff", cutoff), zap.Error(err))
		return
	}
	if res.Pruned > 0 {
		s.log.Info("🧹 audit log pruned",
			zap.Int("entries", res.Pruned),
			zap.String("archive", res.Archive),
			zap.Int("retention_days", days))
	}
}
