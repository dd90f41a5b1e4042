// Package service 监控服务：管理设备监视器与各设备的事件捕获，
// 把原始事件依次送入分类器、告警引擎与审计日志，并对外提供状态与告警推送。
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hara602/usbAudit/internal/alert"
	"github.com/Hara602/usbAudit/internal/analysis"
	"github.com/Hara602/usbAudit/internal/auditlog"
	"github.com/Hara602/usbAudit/internal/classifier"
	"github.com/Hara602/usbAudit/internal/config"
	"github.com/Hara602/usbAudit/internal/hashsign"
	"github.com/Hara602/usbAudit/internal/metrics"
	"github.com/Hara602/usbAudit/internal/model"
	"github.com/Hara602/usbAudit/internal/monitor"
	"github.com/Hara602/usbAudit/internal/registry"
	"github.com/Hara602/usbAudit/internal/sysutil"
	"github.com/Hara602/usbAudit/internal/watcher"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyStarted = errors.New("service already started")

// AuditStore 审计日志；默认是 *auditlog.Log
type AuditStore interface {
	Append(p model.Payload) (auditlog.LogEntry, error)
	Verify() (*auditlog.VerifyResult, error)
	Prune(cutoff time.Time) (auditlog.PruneResult, error)
	Close() error
}

// CaptureFactory 为新挂载的设备创建捕获器
type CaptureFactory func(dev *model.DeviceIdentity) (monitor.FileMonitor, error)

// Status 运行状态快照
type Status struct {
	Devices           []model.DeviceIdentity `json:"devices"`
	EventsProcessed   uint64                 `json:"events_processed"`
	TransfersRecorded uint64                 `json:"transfers_recorded"`
	AlertsRaised      uint64                 `json:"alerts_raised"`
	Degraded          bool                   `json:"degraded"`
	BufferedEntries   int                    `json:"buffered_entries"`
}

// Option 配置 Service
type Option func(*Service)

// WithLogger 运行日志
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = sysutil.OrNop(log) }
}

// WithWatcher 替换设备监视器
func WithWatcher(w *watcher.Watcher) Option {
	return func(s *Service) { s.watcher = w }
}

// WithCaptureFactory 替换设备捕获器
func WithCaptureFactory(f CaptureFactory) Option {
	return func(s *Service) { s.newCapture = f }
}

// WithHostCapture 主机侧捕获器（用于识别拷出）；默认按 monitoring.host_watch_paths 创建
func WithHostCapture(m monitor.FileMonitor) Option {
	return func(s *Service) { s.host = m }
}

// WithAuditStore 替换审计日志，调用方负责其生命周期之外的一切
func WithAuditStore(a AuditStore) Option {
	return func(s *Service) { s.audit = a }
}

// WithRegistry 使用已打开的设备登记库（不由 Service 关闭）
func WithRegistry(r *registry.Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithoutRegistry 不登记设备、不检查关注名单
func WithoutRegistry() Option {
	return func(s *Service) { s.noRegistry = true }
}

// WithMetrics 指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock 测试用时钟
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithTick 管道定时器周期（分类结算、缓冲重试、日志裁剪检查）
func WithTick(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tick = d
		}
	}
}

// Service 一个进程一个实例，显式创建，不使用全局单例
type Service struct {
	cfg *config.Config
	log *zap.Logger
	now func() time.Time

	watcher    *watcher.Watcher
	newCapture CaptureFactory
	host       monitor.FileMonitor
	audit      AuditStore
	ownsAudit  bool
	registry   *registry.Registry
	ownsReg    bool
	noRegistry bool
	metrics    *metrics.Metrics
	signer     *hashsign.Signer

	classifier *classifier.Classifier
	engine     *alert.Engine
	feed       *alert.Feed
	tick       time.Duration

	raw chan rawItem

	// 以下仅由管道 goroutine 访问
	captures  map[string]*capture // key: 挂载路径
	hostCap   *capture
	pending   []model.Payload
	lastPrune time.Time

	mu      sync.Mutex
	devices map[string]model.DeviceIdentity
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	events    atomic.Uint64
	transfers atomic.Uint64
	alerts    atomic.Uint64
	buffered  atomic.Int64
	storeDown atomic.Bool
}

// New 根据配置组装服务；审计日志与登记库在此打开
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("service: config is required")
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("service: invalid config: %w", errors.Join(errs...))
	}

	s := &Service{
		cfg:      cfg,
		log:      zap.NewNop(),
		now:      time.Now,
		tick:     tickFor(cfg.CorrelationWindow()),
		raw:      make(chan rawItem, 256),
		captures: make(map[string]*capture),
		devices:  make(map[string]model.DeviceIdentity),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	signer, err := hashsign.New(hashsign.Algorithm(cfg.Security.HashAlgorithm),
		hashsign.WithMaxFileSize(int64(cfg.Security.MaxHashSizeMB)*config.MiB))
	if err != nil {
		return nil, err
	}
	s.signer = signer

	if err := s.openStores(); err != nil {
		return nil, err
	}

	filter := monitor.FilterFromConfig(cfg)
	copts := classifier.Options{
		Window: cfg.CorrelationWindow(),
		Filter: filter,
		Log:    s.log.Named("classifier"),
		UserOf: sysutil.NewUserResolver().Lookup,
	}
	if cfg.Security.HashFileContents {
		copts.Hasher = signer
	}
	s.classifier = classifier.New(copts)

	aopts := alert.Options{Config: cfg, Log: s.log.Named("alert")}
	if cfg.Alerts.MasqueradeDetection {
		aopts.Inspector = analysis.NewTypeInspector()
	}
	if s.registry != nil {
		aopts.Watchlist = s.registry
	}
	if s.engine, err = alert.New(aopts); err != nil {
		s.closeStores()
		return nil, err
	}
	s.feed = alert.NewFeed(s.log.Named("feed"))

	if s.watcher == nil {
		s.watcher = watcher.NewDefault(s.log.Named("watcher"),
			watcher.WithInterval(cfg.CheckInterval()),
			watcher.WithErrorHook(func(error) { s.metrics.EnumerationErrors.Inc() }))
	}
	if s.newCapture == nil {
		backend := cfg.Monitoring.CaptureBackend
		log := s.log.Named("capture")
		s.newCapture = func(dev *model.DeviceIdentity) (monitor.FileMonitor, error) {
			return monitor.New(backend, dev, filter, log)
		}
	}
	if s.host == nil && len(cfg.Monitoring.HostWatchPaths) > 0 {
		s.host = monitor.NewHost(cfg.Monitoring.HostWatchPaths, filter, s.log.Named("host"))
	}
	return s, nil
}

func (s *Service) openStores() error {
	if s.audit == nil {
		opts := []auditlog.Option{
			auditlog.WithSigner(s.signer),
			auditlog.WithClock(s.now),
			auditlog.WithLogger(s.log.Named("audit")),
		}
		if s.cfg.Security.EncryptLogs {
			key, err := auditlog.LoadOrCreateKey(s.cfg.KeyFile())
			if err != nil {
				return err
			}
			opts = append(opts, auditlog.WithEncryptionKey(key))
		}
		l, err := auditlog.Open(s.cfg.AuditLogPath(), opts...)
		if err != nil {
			return err
		}
		s.audit, s.ownsAudit = l, true
	}
	if s.registry == nil && !s.noRegistry {
		r, err := registry.Open(s.cfg.RegistryPath())
		if err != nil {
			s.closeStores()
			return err
		}
		s.registry, s.ownsReg = r, true
	}
	return nil
}

func (s *Service) closeStores() error {
	var errs []error
	if s.ownsAudit {
		errs = append(errs, s.audit.Close())
		s.ownsAudit = false
	}
	if s.ownsReg {
		errs = append(errs, s.registry.Close())
		s.ownsReg = false
	}
	return errors.Join(errs...)
}

// Start 启动设备监视与处理管道，立即返回
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	devices, err := s.watcher.Start(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("service: start device watcher: %w", err)
	}
	if s.host != nil {
		if err := s.host.Start(); err != nil {
			s.log.Warn("host capture unavailable, copy-out detection disabled", zap.Error(err))
			s.host = nil
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	s.started, s.cancel, s.group = true, cancel, g
	if s.host != nil {
		hc := newCapture(nil, s.host)
		s.hostCap = hc
		g.Go(func() error { s.forward(hc); return nil })
	}
	g.Go(func() error { return s.pipeline(gctx, devices) })

	s.log.Info("✅ monitor service started",
		zap.String("audit_log", s.cfg.AuditLogPath()),
		zap.String("capture_backend", s.cfg.Monitoring.CaptureBackend),
		zap.Duration("correlation_window", s.cfg.CorrelationWindow()))
	return nil
}

// Stop 停止设备监视、排空在途事件（有超时），然后关闭日志。可重复调用。
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		if !s.started {
			return s.closeStores()
		}
		return nil
	}
	s.stopped = true
	cancel, g := s.cancel, s.group
	s.mu.Unlock()

	cancel()
	err := g.Wait()
	s.feed.Close()
	if cerr := s.closeStores(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	s.log.Info("👋 monitor service stopped",
		zap.Uint64("events", s.events.Load()),
		zap.Uint64("transfers", s.transfers.Load()),
		zap.Uint64("alerts", s.alerts.Load()))
	return err
}

// Status 可在任意 goroutine 调用
func (s *Service) Status() Status {
	s.mu.Lock()
	devs := make([]model.DeviceIdentity, 0, len(s.devices))
	for _, d := range s.devices {
		devs = append(devs, d)
	}
	s.mu.Unlock()
	sortDevices(devs)

	return Status{
		Devices:           devs,
		EventsProcessed:   s.events.Load(),
		TransfersRecorded: s.transfers.Load(),
		AlertsRaised:      s.alerts.Load(),
		Degraded:          s.storeDown.Load() || s.watcher.Degraded(),
		BufferedEntries:   int(s.buffered.Load()),
	}
}

// Subscribe 订阅告警推送；处理过慢的订阅者会丢推送，日志不受影响
func (s *Service) Subscribe(buf int) (<-chan model.AlertRecord, func()) {
	return s.feed.Subscribe(buf)
}

// Verify 全链校验
func (s *Service) Verify() (*auditlog.VerifyResult, error) {
	return s.audit.Verify()
}

// Metrics 服务指标
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

func tickFor(window time.Duration) time.Duration {
	t := window / 4
	switch {
	case t < 10*time.Millisecond:
		return 10 * time.Millisecond
	case t > time.Second:
		return time.Second
	}
	return t
}
