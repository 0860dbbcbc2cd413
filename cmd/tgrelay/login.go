package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tgrelay/internal/config"
	"tgrelay/internal/domain"
	"tgrelay/internal/logging"
	"tgrelay/internal/session"
)

func loginCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in interactively and store the session",
		Long: `Connects once, asks for the login code Telegram sends to the account,
stores the session at SESSION_PATH and exits. Later runs reuse the stored
session without prompting. With the bot backend this only checks the token.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(cfg.LogLevel, cfg.LogFormat, "")
			if err != nil {
				bootLogger(cmd.ErrOrStderr()).Error("cannot open log output", "err", err)
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if force && cfg.Backend == config.BackendUser {
				store, err := session.OpenSQLiteStorage(cfg.SessionPath, logger)
				if err != nil {
					return err
				}
				err = store.Clear(ctx)
				store.Close()
				if err != nil {
					return fmt.Errorf("clear stored session: %w", err)
				}
				logger.Info("stored session cleared", "path", cfg.SessionPath)
			}

			backend, cleanup, err := newBackend(cfg, logger, linePrompt(os.Stdin, os.Stderr))
			if err != nil {
				return err
			}
			defer cleanup()

			id, err := backend.Start(ctx, func(domain.InboundMessage) {})
			if err != nil {
				return err
			}
			backend.Stop()
			if err := backend.Wait(); err != nil {
				logger.Warn("session did not close cleanly", "err", err)
			}

			username := id.Username
			if username == "" {
				username = "(none)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (@%s, id %d)\n", id.DisplayName, username, id.ID)
			if cfg.Backend == config.BackendUser {
				fmt.Fprintf(cmd.OutOrStdout(), "Session stored at %s\n", cfg.SessionPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "discard the stored session and log in again")
	return cmd
}
