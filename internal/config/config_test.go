package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Monitoring.CheckIntervalSeconds)
	assert.Equal(t, 100, cfg.Alerts.AlertThresholdMB)
	assert.Equal(t, 500, cfg.Alerts.LargeTransferThresholdMB)
	assert.Equal(t, "sha256", cfg.Security.HashAlgorithm)
	assert.Equal(t, 90, cfg.Security.LogRetentionDays)
	assert.Nil(t, cfg.Monitoring.MaxFileSizeBytes)
	assert.Equal(t, 2*time.Second, cfg.CorrelationWindow())
	assert.Equal(t, 5*time.Second, cfg.DrainTimeout())

	_, err = os.Stat(path)
	require.NoError(t, err, "default config should be written")
}

func TestLoadReadsNestedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{
  "general": {"log_directory": "/var/log/usbaudit"},
  "monitoring": {
    "check_interval_seconds": 3,
    "exclude_file_extensions": [".swp"],
    "max_file_size_bytes": 4096
  },
  "alerts": {
    "alert_threshold_mb": 10,
    "suspicious_extensions": [".pdf"],
    "time_based_alerts": {"restricted_hours": {"start": "20:30", "end": "06:00"}, "weekend_alerts": false}
  },
  "security": {"hash_algorithm": "BLAKE2b-256", "encrypt_logs": true}
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/log/usbaudit", cfg.General.LogDirectory)
	assert.Equal(t, 3, cfg.Monitoring.CheckIntervalSeconds)
	assert.Equal(t, []string{".swp"}, cfg.Monitoring.ExcludeFileExtensions)
	require.NotNil(t, cfg.Monitoring.MaxFileSizeBytes)
	assert.EqualValues(t, 4096, *cfg.Monitoring.MaxFileSizeBytes)
	assert.Equal(t, 10, cfg.Alerts.AlertThresholdMB)
	assert.Equal(t, "20:30", cfg.Alerts.TimeBasedAlerts.RestrictedHours.Start)
	assert.False(t, cfg.Alerts.TimeBasedAlerts.WeekendAlerts)
	assert.True(t, cfg.Alerts.TimeBasedAlerts.Enabled, "unset keys keep defaults")
	assert.Equal(t, "blake2b-256", cfg.Security.HashAlgorithm)
	assert.True(t, cfg.Security.EncryptLogs)
	assert.Equal(t, "/var/log/usbaudit/audit.key", cfg.KeyFile())
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("alerts:\n  alert_threshold_mb: 7\n"), 0o600))
	t.Setenv("USBAUDIT_ALERTS_LARGE_TRANSFER_THRESHOLD_MB", "42")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Alerts.AlertThresholdMB)
	assert.Equal(t, 42, cfg.Alerts.LargeTransferThresholdMB)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	doc := `{"monitoring": {"check_interval_seconds": 0}, "security": {"hash_algorithm": "md5"},
  "alerts": {"time_based_alerts": {"restricted_hours": {"start": "25:00", "end": "07:00"}}}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "check_interval_seconds")
	assert.Contains(t, err.Error(), "hash_algorithm")
	assert.Contains(t, err.Error(), "restricted_hours.start")
}

func TestValidateMinAboveMax(t *testing.T) {
	cfg := DefaultConfig()
	limit := int64(10)
	cfg.Monitoring.MinFileSizeBytes = 20
	cfg.Monitoring.MaxFileSizeBytes = &limit
	assert.Len(t, cfg.Validate(), 1)
}

func TestClockWindowWrapsMidnight(t *testing.T) {
	w, err := RestrictedHours{Start: "18:00", End: "07:00"}.Window()
	require.NoError(t, err)

	day := time.Date(2025, 3, 5, 0, 0, 0, 0, time.Local) // Wednesday
	at := func(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

	assert.True(t, w.Contains(at(23, 30)))
	assert.True(t, w.Contains(at(18, 0)))
	assert.True(t, w.Contains(at(6, 59)))
	assert.False(t, w.Contains(at(7, 0)))
	assert.False(t, w.Contains(at(12, 0)))
	assert.False(t, w.Contains(at(17, 59)))

	daytime, err := RestrictedHours{Start: "09:00", End: "17:00"}.Window()
	require.NoError(t, err)
	assert.True(t, daytime.Contains(at(12, 0)))
	assert.False(t, daytime.Contains(at(23, 30)))

	empty := ClockWindow{Start: 60, End: 60}
	assert.False(t, empty.Contains(at(1, 0)))
}

func TestWeekendAndSuspicious(t *testing.T) {
	assert.True(t, IsWeekend(time.Date(2025, 3, 8, 12, 0, 0, 0, time.Local)))
	assert.False(t, IsWeekend(time.Date(2025, 3, 5, 12, 0, 0, 0, time.Local)))

	cfg := DefaultConfig()
	assert.True(t, cfg.IsSuspicious(".PDF"))
	assert.True(t, cfg.IsSuspicious("zip"))
	assert.False(t, cfg.IsSuspicious(".txt"))
	assert.False(t, cfg.IsSuspicious(""))
}
