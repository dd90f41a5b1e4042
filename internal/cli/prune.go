package cli

import (
	"fmt"
	"time"

	"github.com/Hara602/usbAudit/internal/auditlog"
	"github.com/Hara602/usbAudit/internal/config"
	"github.com/Hara602/usbAudit/internal/hashsign"
	"github.com/spf13/cobra"
)

var (
	pruneBefore string
	pruneDays   int
)

func init() {
	pruneCmd.Flags().StringVar(&pruneBefore, "before", "", "archive entries older than this date (YYYY-MM-DD or RFC3339)")
	pruneCmd.Flags().IntVar(&pruneDays, "days", 0, "archive entries older than N days (default: security.log_retention_days)")
	rootCmd.AddCommand(pruneCmd)
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Move old audit entries into a zstd archive, keeping the chain verifiable",
	Long:  "Do not run while the agent is running: the live log is rewritten.",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cutoff, err := pruneCutoff(cfg, time.Now())
	if err != nil {
		return err
	}

	l, err := openLog(cfg)
	if err != nil {
		return err
	}
	defer l.Close()

	res, err := l.Prune(cutoff)
	if err != nil {
		return err
	}
	if res.Pruned == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "nothing older than %s\n", cutoff.Format(time.RFC3339))
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "🧹 archived %d entries through seq %d to %s\n",
		res.Pruned, res.Checkpoint.PrunedThrough, res.Archive)
	return nil
}

func pruneCutoff(cfg *config.Config, now time.Time) (time.Time, error) {
	if pruneBefore != "" {
		if t, err := time.ParseInLocation("2006-01-02", pruneBefore, time.Local); err == nil {
			return t, nil
		}
		t, err := time.Parse(time.RFC3339, pruneBefore)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --before %q: %w", pruneBefore, err)
		}
		return t, nil
	}
	days := pruneDays
	if days <= 0 {
		days = cfg.Security.LogRetentionDays
	}
	if days <= 0 {
		return time.Time{}, fmt.Errorf("no retention configured, pass --days or --before")
	}
	return now.AddDate(0, 0, -days), nil
}

// openLog 按配置打开审计日志（算法与加密密钥）
func openLog(cfg *config.Config) (*auditlog.Log, error) {
	signer, err := hashsign.New(hashsign.Algorithm(cfg.Security.HashAlgorithm))
	if err != nil {
		return nil, err
	}
	opts := []auditlog.Option{auditlog.WithSigner(signer)}
	if cfg.Security.EncryptLogs {
		key, err := auditlog.LoadOrCreateKey(cfg.KeyFile())
		if err != nil {
			return nil, err
		}
		opts = append(opts, auditlog.WithEncryptionKey(key))
	}
	return auditlog.Open(cfg.AuditLogPath(), opts...)
}
