package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"tgrelay/internal/config"
	"tgrelay/internal/logging"
	"tgrelay/internal/session"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the relay setup",
		Long: `Verifies that the configuration is complete, the session store is usable,
the log and health addresses are available and the webhook host is reachable.
Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tgrelay doctor v%s\n", version)
			fmt.Fprintf(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			r := &report{out: out}

			// 1. Config loads and validates
			cfg, err := config.Load(configPath)
			if cfg == nil {
				r.fail("Config", err.Error())
				return r.summary()
			}
			if err != nil {
				r.fail("Config", err.Error())
			} else {
				r.pass("Config", "valid ("+cfg.Backend+" backend)")
			}

			// 2. Session store
			if cfg.Backend == config.BackendUser {
				if exists, err := checkSessionStore(cfg.SessionPath); err != nil {
					r.fail("Session store", err.Error())
				} else if !exists {
					r.warn("Session store", cfg.SessionPath+" has no session; run 'tgrelay login'")
				} else {
					r.pass("Session store", cfg.SessionPath)
				}
			}

			// 3. Log file writable
			if cfg.LogFile != "" {
				if err := checkWritableDir(filepath.Dir(cfg.LogFile)); err != nil {
					r.fail("Log file", err.Error())
				} else {
					r.pass("Log file", cfg.LogFile)
				}
			} else {
				r.warn("Log file", "not configured (stdout only)")
			}

			// 4. Health address free
			if err := checkListen(cfg.HealthAddr); err != nil {
				r.warn("Health address", fmt.Sprintf("%s may be in use: %v", cfg.HealthAddr, err))
			} else {
				r.pass("Health address", cfg.HealthAddr+" available")
			}

			// 5. Webhook reachable
			if cfg.WebhookURL == "" {
				r.warn("Webhook", "N8N_WEBHOOK_URL not set; messages will be received but not delivered")
			} else if err := checkReachable(cfg.WebhookURL, cfg.WebhookTimeout); err != nil {
				r.fail("Webhook", err.Error())
			} else {
				r.pass("Webhook", cfg.WebhookURL+" reachable")
			}

			return r.summary()
		},
	}
}

type report struct {
	out                    io.Writer
	passed, warned, failed int
}

var (
	passStyle = color.New(color.FgGreen, color.OpBold)
	failStyle = color.New(color.FgRed, color.OpBold)
	warnStyle = color.New(color.FgYellow)
)

func (r *report) pass(check, detail string) {
	r.passed++
	r.line(passStyle, "PASS", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	r.line(failStyle, "FAIL", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	r.line(warnStyle, "WARN", check, detail)
}

func (r *report) line(style color.Style, tag, check, detail string) {
	fmt.Fprintf(r.out, "  [%s] %-16s %s\n", style.Render(tag), check, detail)
}

func (r *report) summary() error {
	fmt.Fprintf(r.out, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(r.out, "Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func checkSessionStore(path string) (bool, error) {
	store, err := session.OpenSQLiteStorage(path, logging.Discard())
	if err != nil {
		return false, err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return store.Exists(ctx)
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create directory: %w", err)
	}
	f, err := os.CreateTemp(dir, ".tgrelay-doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

// checkReachable dials the webhook host without sending a request, so no
// workflow is triggered.
func checkReachable(rawURL string, timeout time.Duration) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(u.Hostname(), port), timeout)
	if err != nil {
		return fmt.Errorf("cannot connect: %w", err)
	}
	return conn.Close()
}
