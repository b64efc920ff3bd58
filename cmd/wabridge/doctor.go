package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"wabridge/internal/answer"
	"wabridge/internal/channel"
	"wabridge/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the bridge setup",
		Long: `Verifies the configuration, the WhatsApp session store, the answer
service and the listen ports. Reports pass/warn/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("wabridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r doctorReport

			// 1. Config
			if p := resolveConfigPath(); p != "" {
				r.pass("Config file", p)
			} else {
				r.pass("Config file", "none, using defaults and environment")
			}
			cfg, err := loadConfig()
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			if cfg.Relay.TriggerPrefix == "" {
				r.warn("Trigger prefix", "empty: every incoming message will be answered")
			} else {
				r.pass("Trigger prefix", fmt.Sprintf("%q", cfg.Relay.TriggerPrefix))
			}

			// 2. Answer service
			client := answer.NewClient(answer.Config{
				BaseURL: cfg.Answer.URL,
				Secret:  cfg.Answer.Secret,
				Timeout: 5 * time.Second,
				Logger:  logger,
			})
			if err := client.Health(cmd.Context()); err != nil {
				r.warn("Answer service", fmt.Sprintf("%s unreachable (replies will use the fallback): %v", cfg.Answer.URL, err))
			} else {
				r.pass("Answer service", cfg.Answer.URL+" healthy")
			}

			// 3. Transport
			switch cfg.WhatsApp.Mode {
			case config.ModeWeb:
				checkWebTransport(cmd.Context(), &r, cfg)
			case config.ModeCloud:
				if err := checkPort(cfg.WhatsApp.Cloud.ListenAddr); err != nil {
					r.fail("Webhook port", fmt.Sprintf("%s unavailable: %v", cfg.WhatsApp.Cloud.ListenAddr, err))
				} else {
					r.pass("Webhook port", cfg.WhatsApp.Cloud.ListenAddr+" available")
				}
				if cfg.WhatsApp.Cloud.AppSecret == "" {
					r.warn("Webhook signature", "appSecret not set, payloads are not verified")
				} else {
					r.pass("Webhook signature", "X-Hub-Signature-256 verified")
				}
			}

			// 4. Metrics
			if cfg.Metrics.Enabled {
				if err := checkPort(cfg.Metrics.Addr); err != nil {
					r.warn("Metrics port", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
				} else {
					r.pass("Metrics port", cfg.Metrics.Addr+" available")
				}
			}

			// 5. Log file
			if cfg.Log.File != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.Log.File)
				}
			}

			return r.summary()
		},
	}
}

func checkWebTransport(ctx context.Context, r *doctorReport, cfg *config.Config) {
	if err := checkDatabase(cfg.WhatsApp.StorePath); err != nil {
		r.fail("Session store", err.Error())
		return
	}
	r.pass("Session store", cfg.WhatsApp.StorePath)

	web := channel.NewWhatsAppWeb(channel.WhatsAppWebConfig{
		StorePath: cfg.WhatsApp.StorePath,
		LogLevel:  "error",
		Logger:    logger,
	})
	paired, err := web.Paired(ctx)
	switch {
	case err != nil:
		r.fail("WhatsApp session", err.Error())
	case !paired:
		r.warn("WhatsApp session", "not paired, 'wabridge run' will show a QR code")
	default:
		r.pass("WhatsApp session", "paired")
	}
}

func (r *doctorReport) summary() error {
	fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		fmt.Printf("\nPlease fix the failed checks before running the bridge.\n")
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	if r.warned > 0 {
		fmt.Printf("\nThe bridge should work but consider fixing the warnings.\n")
	} else {
		fmt.Printf("\nAll checks passed! The bridge is ready to run.\n")
	}
	return nil
}

// checkDatabase verifies that the SQLite file at dbPath can be created and
// written.
func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("cannot create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
