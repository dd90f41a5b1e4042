package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Hara602/usbAudit/internal/auditlog"
	"github.com/Hara602/usbAudit/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setup 写出指向临时目录的配置文件
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := map[string]any{
		"general": map[string]any{"log_directory": filepath.Join(dir, "logs")},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		verifyArchive, verifyJSON = false, false
		pruneBefore, pruneDays = "", 0
		watchReason = ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func writeLog(t *testing.T, path string, at time.Time, n int) {
	t.Helper()
	l, err := auditlog.Open(path, auditlog.WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	defer l.Close()
	for i := 0; i < n; i++ {
		_, err := l.Append(model.TransferPayload(model.TransferRecord{
			ID:        "t" + string(rune('a'+i)),
			Timestamp: at,
			DeviceID:  "usb:0781:5567:AA01",
			Path:      "/media/usb/report.pdf",
			FileName:  "report.pdf",
			FileType:  "pdf",
			SizeBytes: 4096,
			Operation: model.OpCopyIn,
			User:      "alice",
		}))
		require.NoError(t, err)
	}
}

func TestVerifyCommand(t *testing.T) {
	cfgPath := setup(t)
	logPath := filepath.Join(filepath.Dir(cfgPath), "logs", "audit.jsonl")
	writeLog(t, logPath, time.Now(), 3)

	out, err := execute(t, "verify", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "3 entries, chain intact")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(logPath, bytes.Replace(data, []byte(`"size_bytes":4096`), []byte(`"size_bytes":4097`), 1), 0o600))

	out, err = execute(t, "verify", "--config", cfgPath, "--json")
	var chainErr *auditlog.ChainVerificationError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, uint64(1), chainErr.FirstBroken)

	var res auditlog.VerifyResult
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &res))
	assert.False(t, res.Valid)
	assert.Equal(t, []uint64{1, 2, 3}, res.Broken)
}

func TestPruneAndVerifyArchive(t *testing.T) {
	cfgPath := setup(t)
	logPath := filepath.Join(filepath.Dir(cfgPath), "logs", "audit.jsonl")
	writeLog(t, logPath, time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC), 2)
	writeLog(t, logPath, time.Now(), 1)

	out, err := execute(t, "prune", "--config", cfgPath, "--before", "2024-06-01")
	require.NoError(t, err)
	assert.Contains(t, out, "archived 2 entries through seq 2")

	out, err = execute(t, "verify", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "1 entries, chain intact")
	assert.Contains(t, out, "pruned through seq 2")

	archives, err := filepath.Glob(filepath.Join(filepath.Dir(logPath), auditlog.ArchiveDir, "*.zst"))
	require.NoError(t, err)
	require.Len(t, archives, 1)
	_, err = execute(t, "verify", "--archive", archives[0])
	require.NoError(t, err)
}

func TestWatchlistCommands(t *testing.T) {
	cfgPath := setup(t)

	_, err := execute(t, "watchlist", "add", "0781", "5567", "--reason", "lost", "--config", cfgPath)
	require.NoError(t, err)

	out, err := execute(t, "watchlist", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "0781")
	assert.Contains(t, out, "lost")

	_, err = execute(t, "watchlist", "remove", "0781", "5567", "--config", cfgPath)
	require.NoError(t, err)
	_, err = execute(t, "watchlist", "remove", "0781", "5567", "--config", cfgPath)
	assert.Error(t, err)
}
