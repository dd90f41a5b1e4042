package cli

import (
	"encoding/json"
	"fmt"

	"github.com/Hara602/usbAudit/internal/auditlog"
	"github.com/spf13/cobra"
)

var (
	verifyArchive bool
	verifyJSON    bool
)

func init() {
	verifyCmd.Flags().BoolVar(&verifyArchive, "archive", false, "treat the given files as zstd archives written by prune")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "print results as JSON")
	rootCmd.AddCommand(verifyCmd)
}

var verifyCmd = &cobra.Command{
	Use:   "verify [file...]",
	Short: "Recompute the audit log hash chain and report broken entries",
	Long:  "Verifies the live audit log (or the given files). Exits non-zero when any entry fails verification.",
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	files := args
	if len(files) == 0 {
		if verifyArchive {
			return fmt.Errorf("--archive needs at least one file")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		files = []string{cfg.AuditLogPath()}
	}

	out := cmd.OutOrStdout()
	var failed error
	for _, f := range files {
		var res *auditlog.VerifyResult
		var err error
		if verifyArchive {
			res, err = auditlog.VerifyArchive(f)
		} else {
			res, err = auditlog.VerifyFile(f)
		}
		if err != nil {
			return fmt.Errorf("verify %s: %w", f, err)
		}

		if verifyJSON {
			enc := json.NewEncoder(out)
			if err := enc.Encode(struct {
				File string `json:"file"`
				*auditlog.VerifyResult
			}{f, res}); err != nil {
				return err
			}
		} else {
			printVerify(cmd, f, res)
		}
		if err := res.Err(); err != nil && failed == nil {
			failed = fmt.Errorf("%s: %w", f, err)
		}
	}
	return failed
}

func printVerify(cmd *cobra.Command, file string, res *auditlog.VerifyResult) {
	out := cmd.OutOrStdout()
	if res.Valid {
		fmt.Fprintf(out, "✅ %s: %d entries, chain intact\n", file, res.Entries)
	} else {
		fmt.Fprintf(out, "🚨 %s: chain broken at seq %d (%s)\n", file, res.FirstBroken, res.Reason)
		fmt.Fprintf(out, "   broken entries: %v\n", res.Broken)
	}
	if cp := res.Checkpoint; cp != nil {
		fmt.Fprintf(out, "   pruned through seq %d (%d entries), archive %s\n", cp.PrunedThrough, cp.PrunedEntries, cp.Archive)
	}
}

