package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Paddione/projects-sub012/internal/config"
	"github.com/Paddione/projects-sub012/internal/logging"
	"github.com/Paddione/projects-sub012/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "authd",
		Short:         "OAuth2 authorization server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the authorization server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runServe(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runMigrate(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "hash-secret",
			Short: "Read a client secret from stdin and print its bcrypt hash",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return hashSecret(cmd)
			},
		},
	)

	return root
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}

	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func hashSecret(cmd *cobra.Command) error {
	fmt.Fprint(cmd.ErrOrStderr(), "Enter client secret: ")

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		return fmt.Errorf("no input")
	}

	secret := strings.TrimSpace(scanner.Text())
	if secret == "" {
		return fmt.Errorf("empty secret")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing secret: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(hash))

	return nil
}

func runMigrate(parent context.Context) error {
	ctx, stop := signalContext(parent)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if !cfg.SQLBackend() {
		return fmt.Errorf("migrate requires STORE_BACKEND postgres or sqlite, got %q", cfg.StoreBackend)
	}

	logger, err := logging.NewLogger(logging.Options{Environment: cfg.Environment, Level: cfg.LogLevel})
	if err != nil {
		return err
	}

	opts := cfg.StoreOptions()
	opts.Migrate = true

	opened, err := store.Open(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer opened.Backend.Close()

	logger.Info("migrations applied")

	return nil
}
