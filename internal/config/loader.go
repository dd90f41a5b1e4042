package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "USBAUDIT"

// Load 读取配置文件；文件不存在时写出默认配置（与原程序首次运行行为一致）
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configPath != "" {
			if err := writeDefault(v, configPath); err != nil {
				return nil, err
			}
		}
	}

	cfg := unmarshal(v)
	if errs := cfg.Validate(); len(errs) > 0 {
		var msgs []string
		for _, err := range errs {
			msgs = append(msgs, err.Error())
		}
		return nil, fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
	}
	return cfg, nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
		switch strings.ToLower(filepath.Ext(configPath)) {
		case ".yaml", ".yml":
			v.SetConfigType("yaml")
		default:
			v.SetConfigType("json")
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func writeDefault(v *viper.Viper, configPath string) error {
	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := v.SafeWriteConfigAs(configPath); err != nil {
		var exists viper.ConfigFileAlreadyExistsError
		if errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("general.log_directory", d.General.LogDirectory)
	v.SetDefault("general.log_level", d.General.LogLevel)

	v.SetDefault("monitoring.check_interval_seconds", d.Monitoring.CheckIntervalSeconds)
	v.SetDefault("monitoring.include_file_extensions", d.Monitoring.IncludeFileExtensions)
	v.SetDefault("monitoring.exclude_file_extensions", d.Monitoring.ExcludeFileExtensions)
	v.SetDefault("monitoring.min_file_size_bytes", d.Monitoring.MinFileSizeBytes)
	v.SetDefault("monitoring.max_file_size_bytes", nil)
	v.SetDefault("monitoring.capture_backend", d.Monitoring.CaptureBackend)
	v.SetDefault("monitoring.host_watch_paths", []string{})
	v.SetDefault("monitoring.correlation_window_ms", d.Monitoring.CorrelationWindowMS)
	v.SetDefault("monitoring.drain_timeout_seconds", d.Monitoring.DrainTimeoutSeconds)

	v.SetDefault("alerts.enable_alerts", d.Alerts.EnableAlerts)
	v.SetDefault("alerts.alert_threshold_mb", d.Alerts.AlertThresholdMB)
	v.SetDefault("alerts.suspicious_extensions", d.Alerts.SuspiciousExtensions)
	v.SetDefault("alerts.large_transfer_alert", d.Alerts.LargeTransferAlert)
	v.SetDefault("alerts.large_transfer_threshold_mb", d.Alerts.LargeTransferThresholdMB)
	v.SetDefault("alerts.masquerade_detection", d.Alerts.MasqueradeDetection)
	v.SetDefault("alerts.time_based_alerts.enabled", d.Alerts.TimeBasedAlerts.Enabled)
	v.SetDefault("alerts.time_based_alerts.restricted_hours.start", d.Alerts.TimeBasedAlerts.RestrictedHours.Start)
	v.SetDefault("alerts.time_based_alerts.restricted_hours.end", d.Alerts.TimeBasedAlerts.RestrictedHours.End)
	v.SetDefault("alerts.time_based_alerts.weekend_alerts", d.Alerts.TimeBasedAlerts.WeekendAlerts)

	v.SetDefault("security.hash_algorithm", d.Security.HashAlgorithm)
	v.SetDefault("security.hash_file_contents", d.Security.HashFileContents)
	v.SetDefault("security.max_hash_size_mb", d.Security.MaxHashSizeMB)
	v.SetDefault("security.encrypt_logs", d.Security.EncryptLogs)
	v.SetDefault("security.encryption_key_file", d.Security.EncryptionKeyFile)
	v.SetDefault("security.log_retention_days", d.Security.LogRetentionDays)
	v.SetDefault("security.max_buffered_entries", d.Security.MaxBufferedEntries)
}

func unmarshal(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.General.LogDirectory = v.GetString("general.log_directory")
	cfg.General.LogLevel = v.GetString("general.log_level")

	cfg.Monitoring.CheckIntervalSeconds = v.GetInt("monitoring.check_interval_seconds")
	cfg.Monitoring.IncludeFileExtensions = v.GetStringSlice("monitoring.include_file_extensions")
	cfg.Monitoring.ExcludeFileExtensions = v.GetStringSlice("monitoring.exclude_file_extensions")
	cfg.Monitoring.MinFileSizeBytes = v.GetInt64("monitoring.min_file_size_bytes")
	if v.Get("monitoring.max_file_size_bytes") != nil {
		limit := v.GetInt64("monitoring.max_file_size_bytes")
		cfg.Monitoring.MaxFileSizeBytes = &limit
	}
	cfg.Monitoring.CaptureBackend = v.GetString("monitoring.capture_backend")
	cfg.Monitoring.HostWatchPaths = v.GetStringSlice("monitoring.host_watch_paths")
	cfg.Monitoring.CorrelationWindowMS = v.GetInt("monitoring.correlation_window_ms")
	cfg.Monitoring.DrainTimeoutSeconds = v.GetInt("monitoring.drain_timeout_seconds")

	cfg.Alerts.EnableAlerts = v.GetBool("alerts.enable_alerts")
	cfg.Alerts.AlertThresholdMB = v.GetInt("alerts.alert_threshold_mb")
	cfg.Alerts.SuspiciousExtensions = v.GetStringSlice("alerts.suspicious_extensions")
	cfg.Alerts.LargeTransferAlert = v.GetBool("alerts.large_transfer_alert")
	cfg.Alerts.LargeTransferThresholdMB = v.GetInt("alerts.large_transfer_threshold_mb")
	cfg.Alerts.MasqueradeDetection = v.GetBool("alerts.masquerade_detection")
	cfg.Alerts.TimeBasedAlerts.Enabled = v.GetBool("alerts.time_based_alerts.enabled")
	cfg.Alerts.TimeBasedAlerts.RestrictedHours.Start = v.GetString("alerts.time_based_alerts.restricted_hours.start")
	cfg.Alerts.TimeBasedAlerts.RestrictedHours.End = v.GetString("alerts.time_based_alerts.restricted_hours.end")
	cfg.Alerts.TimeBasedAlerts.WeekendAlerts = v.GetBool("alerts.time_based_alerts.weekend_alerts")

	cfg.Security.HashAlgorithm = strings.ToLower(v.GetString("security.hash_algorithm"))
	cfg.Security.HashFileContents = v.GetBool("security.hash_file_contents")
	cfg.Security.MaxHashSizeMB = v.GetInt("security.max_hash_size_mb")
	cfg.Security.EncryptLogs = v.GetBool("security.encrypt_logs")
	cfg.Security.EncryptionKeyFile = v.GetString("security.encryption_key_file")
	cfg.Security.LogRetentionDays = v.GetInt("security.log_retention_days")
	cfg.Security.MaxBufferedEntries = v.GetInt("security.max_buffered_entries")

	return cfg
}
