// Package cli agent 命令行入口
package cli

import (
	"fmt"
	"os"

	"github.com/Hara602/usbAudit/internal/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "agent",
	Short:         "USB removable-media monitoring and audit agent",
	Long:          "Watches removable storage devices, classifies file transfers, raises alerts and keeps a hash-chained audit log.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "path to the config file (json or yaml)")
}

// Execute 运行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	return cfg, nil
}
