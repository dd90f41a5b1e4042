package cli

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Hara602/usbAudit/internal/config"
	"github.com/Hara602/usbAudit/internal/service"
	"github.com/Hara602/usbAudit/internal/sysutil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	metricsAddr    string
	printAlerts    bool
	statusInterval time.Duration
)

func init() {
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9120)")
	runCmd.Flags().BoolVar(&printAlerts, "print-alerts", false, "write each alert to stdout as a JSON line")
	runCmd.Flags().DurationVar(&statusInterval, "status-interval", 5*time.Minute, "log a status summary at this interval (0 disables)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start monitoring removable devices",
	Args:  cobra.NoArgs,
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := sysutil.NewLogger(sysutil.LoggerOptions{
		Level:     cfg.General.LogLevel,
		Directory: cfg.General.LogDirectory,
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	// Fanotify 需要 Root 权限
	if cfg.Monitoring.CaptureBackend == config.BackendFanotify && os.Geteuid() != 0 {
		return errors.New("the fanotify capture backend must run as root")
	}
	if os.Geteuid() != 0 {
		log.Warn("not running as root, udev events and some mounts may be invisible")
	}

	log.Info("🛡️ USB audit agent starting...", zap.String("config", configPath))

	svc, err := service.New(cfg, service.WithLogger(log))
	if err != nil {
		return err
	}

	// 捕获操作系统信号，优雅关闭后台服务
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if printAlerts {
		alerts, cancel := svc.Subscribe(64)
		defer cancel()
		go func() {
			enc := json.NewEncoder(os.Stdout)
			for a := range alerts {
				_ = enc.Encode(a)
			}
		}()
	}

	if err := svc.Start(ctx); err != nil {
		_ = svc.Stop()
		return err
	}

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", svc.Metrics().Handler())
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		log.Info("📈 metrics listening", zap.String("addr", metricsAddr))
	}

	var ticks <-chan time.Time
	if statusInterval > 0 {
		t := time.NewTicker(statusInterval)
		defer t.Stop()
		ticks = t.C
	}
	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-ticks:
			st := svc.Status()
			log.Info("status",
				zap.Int("devices", len(st.Devices)),
				zap.Uint64("events", st.EventsProcessed),
				zap.Uint64("transfers", st.TransfersRecorded),
				zap.Uint64("alerts", st.AlertsRaised),
				zap.Bool("degraded", st.Degraded),
				zap.Int("buffered", st.BufferedEntries))
		}
	}

	log.Info("Shutting down...")
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	return svc.Stop()
}
