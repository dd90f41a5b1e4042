// Package config 加载并校验监控/告警/安全配置。
//
// 配置来源（优先级从高到低）：
//  1. 环境变量（USBAUDIT_ 前缀，如 USBAUDIT_ALERTS_ALERT_THRESHOLD_MB）
//  2. 配置文件（json 或 yaml，默认 config.json）
//  3. 内置默认值
//
// 加载完成后 Config 只读，可在各组件间无锁共享。
package config

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Hara602/usbAudit/internal/hashsign"
)

const MiB = 1024 * 1024

// Config 全部配置
type Config struct {
	General    GeneralConfig
	Monitoring MonitoringConfig
	Alerts     AlertConfig
	Security   SecurityConfig
}

type GeneralConfig struct {
	LogDirectory string
	LogLevel     string
}

type MonitoringConfig struct {
	CheckIntervalSeconds  int
	IncludeFileExtensions []string
	ExcludeFileExtensions []string
	MinFileSizeBytes      int64
	MaxFileSizeBytes      *int64 // nil 表示不限制
	CaptureBackend        string // fsnotify | fanotify
	HostWatchPaths        []string
	CorrelationWindowMS   int
	DrainTimeoutSeconds   int
}

type TimeBasedAlertConfig struct {
	Enabled         bool
	RestrictedHours RestrictedHours
	WeekendAlerts   bool
}

type RestrictedHours struct {
	Start string
	End   string
}

type AlertConfig struct {
	EnableAlerts             bool
	AlertThresholdMB         int
	SuspiciousExtensions     []string
	LargeTransferAlert       bool
	LargeTransferThresholdMB int
	MasqueradeDetection      bool
	TimeBasedAlerts          TimeBasedAlertConfig
}

type SecurityConfig struct {
	HashAlgorithm      string
	HashFileContents   bool
	MaxHashSizeMB      int
	EncryptLogs        bool
	EncryptionKeyFile  string
	LogRetentionDays   int
	MaxBufferedEntries int
}

const (
	BackendFsnotify = "fsnotify"
	BackendFanotify = "fanotify"
)

// DefaultConfig 默认值与原有 config.json 保持一致
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			LogDirectory: "logs",
			LogLevel:     "info",
		},
		Monitoring: MonitoringConfig{
			CheckIntervalSeconds:  1,
			IncludeFileExtensions: []string{"*"},
			ExcludeFileExtensions: []string{".tmp", ".temp", ".lock"},
			MinFileSizeBytes:      0,
			CaptureBackend:        BackendFsnotify,
			CorrelationWindowMS:   2000,
			DrainTimeoutSeconds:   5,
		},
		Alerts: AlertConfig{
			EnableAlerts:     true,
			AlertThresholdMB: 100,
			SuspiciousExtensions: []string{
				".zip", ".rar", ".7z", ".tar", ".gz", ".db", ".sql", ".xlsx", ".docx", ".pdf",
			},
			LargeTransferAlert:       true,
			LargeTransferThresholdMB: 500,
			MasqueradeDetection:      true,
			TimeBasedAlerts: TimeBasedAlertConfig{
				Enabled:         true,
				RestrictedHours: RestrictedHours{Start: "18:00", End: "07:00"},
				WeekendAlerts:   true,
			},
		},
		Security: SecurityConfig{
			HashAlgorithm:      string(hashsign.SHA256),
			HashFileContents:   true,
			MaxHashSizeMB:      1024,
			EncryptLogs:        false,
			LogRetentionDays:   90,
			MaxBufferedEntries: 10000,
		},
	}
}

// Validate 返回全部配置问题
func (c *Config) Validate() []error {
	var errs []error
	if c.General.LogDirectory == "" {
		errs = append(errs, fmt.Errorf("general.log_directory must not be empty"))
	}
	m := c.Monitoring
	if m.CheckIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("monitoring.check_interval_seconds must be positive, got %d", m.CheckIntervalSeconds))
	}
	if m.MinFileSizeBytes < 0 {
		errs = append(errs, fmt.Errorf("monitoring.min_file_size_bytes must not be negative"))
	}
	if m.MaxFileSizeBytes != nil && *m.MaxFileSizeBytes < m.MinFileSizeBytes {
		errs = append(errs, fmt.Errorf("monitoring.max_file_size_bytes (%d) is below min_file_size_bytes (%d)", *m.MaxFileSizeBytes, m.MinFileSizeBytes))
	}
	if m.CaptureBackend != BackendFsnotify && m.CaptureBackend != BackendFanotify {
		errs = append(errs, fmt.Errorf("monitoring.capture_backend must be %q or %q, got %q", BackendFsnotify, BackendFanotify, m.CaptureBackend))
	}
	if m.CorrelationWindowMS <= 0 {
		errs = append(errs, fmt.Errorf("monitoring.correlation_window_ms must be positive"))
	}
	if m.DrainTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("monitoring.drain_timeout_seconds must be positive"))
	}
	for _, p := range append(append([]string{}, m.IncludeFileExtensions...), m.ExcludeFileExtensions...) {
		if _, err := path.Match(p, ""); err != nil {
			errs = append(errs, fmt.Errorf("bad extension pattern %q: %w", p, err))
		}
	}

	a := c.Alerts
	if a.AlertThresholdMB < 0 {
		errs = append(errs, fmt.Errorf("alerts.alert_threshold_mb must not be negative"))
	}
	if a.LargeTransferThresholdMB < 0 {
		errs = append(errs, fmt.Errorf("alerts.large_transfer_threshold_mb must not be negative"))
	}
	if a.TimeBasedAlerts.Enabled {
		if _, err := a.TimeBasedAlerts.RestrictedHours.Window(); err != nil {
			errs = append(errs, err)
		}
	}

	s := c.Security
	if _, err := hashsign.New(hashsign.Algorithm(s.HashAlgorithm)); err != nil {
		errs = append(errs, fmt.Errorf("security.hash_algorithm: %w", err))
	}
	if s.LogRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("security.log_retention_days must not be negative"))
	}
	if s.MaxBufferedEntries <= 0 {
		errs = append(errs, fmt.Errorf("security.max_buffered_entries must be positive"))
	}
	if s.MaxHashSizeMB < 0 {
		errs = append(errs, fmt.Errorf("security.max_hash_size_mb must not be negative"))
	}
	return errs
}

// CheckInterval 设备轮询间隔
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Monitoring.CheckIntervalSeconds) * time.Second
}

// CorrelationWindow 事件关联窗口
func (c *Config) CorrelationWindow() time.Duration {
	return time.Duration(c.Monitoring.CorrelationWindowMS) * time.Millisecond
}

// DrainTimeout 停止时排空事件的最长等待
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Monitoring.DrainTimeoutSeconds) * time.Second
}

// AuditLogPath 哈希链日志文件
func (c *Config) AuditLogPath() string {
	return filepath.Join(c.General.LogDirectory, "audit.jsonl")
}

// RegistryPath 设备登记库
func (c *Config) RegistryPath() string {
	return filepath.Join(c.General.LogDirectory, "devices.db")
}

// KeyFile 日志加密密钥文件
func (c *Config) KeyFile() string {
	if c.Security.EncryptionKeyFile != "" {
		return c.Security.EncryptionKeyFile
	}
	return filepath.Join(c.General.LogDirectory, "audit.key")
}

// IsSuspicious 扩展名是否在可疑列表中
func (c *Config) IsSuspicious(ext string) bool {
	return containsExt(c.Alerts.SuspiciousExtensions, ext)
}

// NormalizeExt 统一为小写并带前导点
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || ext == "*" || strings.HasPrefix(ext, ".") || strings.ContainsAny(ext, "*?[") {
		return ext
	}
	return "." + ext
}

func containsExt(list []string, ext string) bool {
	ext = NormalizeExt(ext)
	if ext == "" {
		return false
	}
	for _, e := range list {
		if NormalizeExt(e) == ext {
			return true
		}
	}
	return false
}
