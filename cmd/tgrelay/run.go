package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"tgrelay/internal/config"
	"tgrelay/internal/health"
	"tgrelay/internal/logging"
	"tgrelay/internal/metrics"
	"tgrelay/internal/normalize"
	"tgrelay/internal/relay"
	"tgrelay/internal/session"
	"tgrelay/internal/webhook"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to Telegram and relay direct messages (default)",
		Long:  "Starts the health server, connects the Telegram session and forwards direct messages to N8N_WEBHOOK_URL. Press Ctrl+C to stop.",
		RunE:  runRelay,
	}
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	logger, closer, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		bootLogger(cmd.ErrOrStderr()).Error("cannot open log output", "err", err)
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()
	met := metrics.New(reg)

	backend, cleanup, err := newBackend(cfg, logger, terminalPrompt())
	if err != nil {
		return err
	}
	defer cleanup()

	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		metricsHandler = metrics.Handler(reg)
	}

	orch := relay.New(relay.Config{
		Session:    session.NewManager(backend, session.Options{Logger: logger, Metrics: met}),
		Normalizer: normalize.New(clockwork.NewRealClock()),
		Dispatcher: webhook.New(webhook.Config{
			URL:       cfg.WebhookURL,
			Secret:    cfg.WebhookSecret,
			Timeout:   cfg.WebhookTimeout,
			UserAgent: "tgrelay/" + version,
			Logger:    logger,
			Metrics:   met,
		}),
		Health:          health.New(health.Config{Addr: cfg.HealthAddr, Metrics: metricsHandler, Logger: logger}),
		Metrics:         met,
		Logger:          logger,
		Mode:            cfg.DispatchMode,
		Concurrency:     cfg.DispatchConcurrency,
		QueueSize:       cfg.DispatchQueueSize,
		EnqueueTimeout:  cfg.EnqueueTimeout(),
		ShutdownTimeout: cfg.ShutdownTimeout,
	})

	logger.Info("tgrelay starting", "version", version, "backend", cfg.Backend, "health_addr", cfg.HealthAddr)
	if err := orch.Run(ctx); err != nil {
		logger.Error("tgrelay stopped with error", "err", err)
		return err
	}
	logger.Info("tgrelay stopped")
	return nil
}

// bootLogger reports failures that happen before the configured logger
// exists.
func bootLogger(w io.Writer) *slog.Logger {
	return slog.New(logging.NewHandler(w, "info", "text"))
}

func loadConfig(stderr io.Writer) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger(stderr).Error("cannot load configuration", "err", err)
		return nil, err
	}
	return cfg, nil
}

// newBackend builds the configured Telegram backend. The returned cleanup
// releases the session store.
func newBackend(cfg *config.Config, logger *slog.Logger, prompt session.CodePrompt) (session.Backend, func(), error) {
	if cfg.Backend == config.BackendBot {
		return session.NewBotBackend(session.BotConfig{Token: cfg.BotToken, Logger: logger}), func() {}, nil
	}

	store, err := session.OpenSQLiteStorage(cfg.SessionPath, logger)
	if err != nil {
		return nil, nil, err
	}
	backend := session.NewUserBackend(session.UserConfig{
		AppID:      cfg.APIID,
		AppHash:    cfg.APIHash,
		Phone:      cfg.Phone,
		Storage:    store,
		CodePrompt: prompt,
		Logger:     logger,
	})
	return backend, func() { store.Close() }, nil
}

// terminalPrompt reads the login code from stdin when it is a terminal.
// Unattended runs get nil and fail fast if a login is needed.
func terminalPrompt() session.CodePrompt {
	info, err := os.Stdin.Stat()
	if err != nil || info.Mode()&os.ModeCharDevice == 0 {
		return nil
	}
	return linePrompt(os.Stdin, os.Stderr)
}

func linePrompt(in io.Reader, out io.Writer) session.CodePrompt {
	reader := bufio.NewReader(in)
	return func(ctx context.Context) (string, error) {
		fmt.Fprint(out, "Enter the login code Telegram sent you: ")

		type result struct {
			line string
			err  error
		}
		ch := make(chan result, 1)
		go func() {
			line, err := reader.ReadString('\n')
			ch <- result{line, err}
		}()

		select {
		case r := <-ch:
			code := strings.TrimSpace(r.line)
			if code == "" {
				if r.err != nil {
					return "", fmt.Errorf("read login code: %w", r.err)
				}
				return "", fmt.Errorf("empty login code")
			}
			return code, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
