package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/kiln/internal/config"
	"github.com/conneroisu/kiln/internal/server"
	"github.com/conneroisu/kiln/internal/session"
	"github.com/conneroisu/kiln/internal/telemetry"
	"github.com/conneroisu/kiln/internal/version"
	"github.com/conneroisu/kiln/internal/watcher"
)

// watchDebounce coalesces editor save bursts into one batch.
const watchDebounce = 50 * time.Millisecond

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "dev"},
	Short:   "Start the dev server with hot module replacement",
	Long: `Start the development server. Modules are transformed on request and
file changes are pushed to connected browsers as hot updates. Changing the
config file restarts the server.

Examples:
  kiln serve                  # Serve the current directory on :5173
  kiln serve --port 3000      # Serve on another port
  kiln serve --root ./web     # Serve another project root`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 5173, "Port to serve on")
	serveCmd.Flags().String("host", "localhost", "Host to bind to")
	serveCmd.Flags().Bool("hmr", true, "Push hot updates to browsers")
	serveCmd.Flags().StringSlice("warmup", nil, "URLs or globs to transform at startup")

	bindFlags(serveCmd.Flags(), map[string]string{
		"server.port":   "port",
		"server.host":   "host",
		"server.hmr":    "hmr",
		"server.warmup": "warmup",
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		restart, err := serveOnce(ctx, cmd)
		if err != nil || !restart {
			return err
		}
		if cfgErr = viper.ReadInConfig(); cfgErr != nil {
			return fmt.Errorf("re-read config file: %w", cfgErr)
		}
	}
}

// serveOnce runs one server generation. It reports true when the config
// file changed and the server should come back up with the new config.
func serveOnce(parent context.Context, cmd *cobra.Command) (bool, error) {
	cfg, err := loadConfig()
	if err != nil {
		return false, err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return false, err
	}
	info := version.Get()

	tp, err := telemetry.InitTracing(parent, cfg.Telemetry, info.Version)
	if err != nil {
		logger.Warn(parent, err, "Tracing disabled")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn(shutdownCtx, err, "Failed to flush traces")
			}
		}()
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Metrics {
		metrics = telemetry.NewMetrics()
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	var restart atomic.Bool

	fw, err := watcher.NewFileWatcher(cfg.Root, watchDebounce, cfg.Server.Ignore, logger)
	if err != nil {
		return false, fmt.Errorf("create file watcher: %w", err)
	}

	hub := server.NewHub(server.HubOptions{
		OriginPatterns: originPatterns(cfg),
		OnClients: func(n int) {
			if metrics != nil {
				metrics.HMRClients(n)
			}
		},
		Logger: logger,
	})

	sess, err := session.New(session.Options{
		Config:      cfg,
		Logger:      logger,
		Broadcaster: hub,
		Metrics:     metrics,
		OnWatchFile: func(file string) {
			if err := fw.AddPath(file); err != nil {
				logger.Warn(ctx, err, "Cannot watch file", "file", file)
			}
		},
		OnConfigChange: func(ctx context.Context) {
			logger.Info(ctx, "Config file changed, restarting server", "file", cfg.ConfigFile)
			restart.Store(true)
			cancel()
		},
	})
	if err != nil {
		_ = fw.Stop()
		return false, err
	}

	health := telemetry.NewHealthMonitor(info.Short(), logger)
	health.RegisterCheck(telemetry.RootHealthChecker(cfg.Root))
	health.RegisterCheck(telemetry.GraphHealthChecker(sess.Graph.Len))
	health.RegisterCheck(telemetry.GoroutineHealthChecker(10000))

	srv := server.New(server.Options{
		Session: sess,
		Hub:     hub,
		Watcher: fw,
		Metrics: metrics,
		Health:  health,
		Logger:  logger,
	})
	logger.Info(ctx, "Starting kiln", "version", info.Short(), "root", cfg.Root, "mode", cfg.Mode)
	if err := srv.Start(ctx); err != nil {
		return false, err
	}
	return restart.Load() && parent.Err() == nil, nil
}

// originPatterns lists the websocket origins accepted besides the
// server's own host.
func originPatterns(cfg *config.Config) []string {
	out := []string{
		fmt.Sprintf("localhost:%d", cfg.Server.Port),
		fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
	}
	return append(out, cfg.Server.AllowedOrigins...)
}
