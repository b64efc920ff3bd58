package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wabridge/internal/answer"
	"wabridge/internal/bus"
	"wabridge/internal/channel"
	"wabridge/internal/config"
	"wabridge/internal/domain"
	"wabridge/internal/logging"
	"wabridge/internal/metrics"
	"wabridge/internal/relay"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	configPath string   // --config
	envFiles   []string // --env-file
)

func main() {
	root := &cobra.Command{
		Use:          "wabridge",
		Short:        "WhatsApp to answer-service relay",
		Long:         "wabridge listens for WhatsApp messages, forwards those carrying the trigger prefix to an HTTP answer service and replies in the same chat.",
		Version:      version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.wabridge/config.yaml when present)")
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv file(s) to load (default: ./.env when present)")

	root.AddCommand(runCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(logoutCmd())
	root.AddCommand(sessionCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the --config path, the default path when that
// file exists, or "" to run from defaults and the environment only.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
		return config.DefaultConfigPath()
	}
	return ""
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath(), envFiles...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// initLogger replaces the bootstrap logger with one built from cfg.
func initLogger(cfg *config.Config) (io.Closer, error) {
	l, closer, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	logger = l
	slog.SetDefault(l)
	return closer, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to WhatsApp and relay messages until interrupted",
		Long:  "Connects the configured WhatsApp transport (pairing by QR code on first run in web mode) and answers messages until SIGINT or SIGTERM.",
		RunE:  runBridge,
	}
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closer, err := initLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(cfg.Relay.BusBuffer, logger)

	answerer := answer.NewClient(answer.Config{
		BaseURL:         cfg.Answer.URL,
		Secret:          cfg.Answer.Secret,
		Timeout:         cfg.Answer.Timeout,
		FallbackMessage: cfg.Answer.FallbackMessage,
		Logger:          logger,
	})

	ch := newChannel(cfg)

	rl := relay.New(relay.Config{
		TriggerPrefix: cfg.Relay.TriggerPrefix,
		IgnoreFromMe:  cfg.Relay.IgnoreFromMe,
		IgnoreStatus:  cfg.Relay.IgnoreStatus,
		Answerer:      answerer,
		Sender:        ch,
		Logger:        logger,
	})

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		rl.Run(ctx, messageBus)
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg.Metrics)
	}

	// The transport outlives the signal context so in-flight replies can
	// still be delivered while the relay drains.
	chCtx, chCancel := context.WithCancel(context.Background())
	defer chCancel()

	chErr := make(chan error, 1)
	go func() {
		chErr <- ch.Start(chCtx, messageBus)
	}()

	logger.Info("bridge started",
		"version", version,
		"transport", ch.Name(),
		"answer_url", cfg.Answer.URL,
		"trigger", cfg.Relay.TriggerPrefix,
		"answer_all", cfg.Relay.TriggerPrefix == "",
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down bridge...")
	case err := <-chErr:
		if err != nil && ctx.Err() == nil {
			logger.Error("transport failed", "transport", ch.Name(), "err", err)
			runErr = fmt.Errorf("%s: %w", ch.Name(), err)
		}
		stop()
	}

	shutdownTimeout := cfg.Answer.Timeout + 10*time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-relayDone
		chCancel()
		ch.Stop()
		messageBus.Close()
		if metricsSrv != nil {
			metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		if runErr == nil {
			runErr = errors.New("shutdown timed out")
		}
	}
	return runErr
}

// newChannel builds the transport selected by whatsapp.mode.
func newChannel(cfg *config.Config) domain.Channel {
	if cfg.WhatsApp.Mode == config.ModeCloud {
		cloud := channel.NewWhatsAppCloud(channel.WhatsAppCloudConfig{
			Config: cfg.WhatsApp.Cloud,
			Logger: logger,
		})
		if cfg.Metrics.Enabled {
			cloud.Handle("GET "+cfg.Metrics.Path, metrics.Default.Handler())
		}
		return cloud
	}
	return channel.NewWhatsAppWeb(channel.WhatsAppWebConfig{
		StorePath: cfg.WhatsApp.StorePath,
		LogLevel:  cfg.WhatsApp.LogLevel,
		Logger:    logger,
	})
}

func startMetricsServer(cfg config.MetricsConfig) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.Path, metrics.Default.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", "addr", cfg.Addr, "path", cfg.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "err", err)
		}
	}()
	return srv
}
