package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type app struct {
	configPath string

	// buildLogger defaults to newLogger.
	buildLogger func(logConfig) (*slog.Logger, func(), error)

	cfg        config
	logger     *slog.Logger
	syncLogger func()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &app{}, os.Args[1:]); err != nil {
		stop()
		os.Exit(1)
	}
}

// run executes the command line and flushes the logger, whether or not the command succeeded.
func run(ctx context.Context, a *app, args []string) error {
	root := newRootCmd(a)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if a.syncLogger != nil {
		a.syncLogger()
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "rag-web-ui",
		Short: "Chat with your documents through a retrieval-augmented answering service",
		Long: "rag-web-ui serves a single-page chat that forwards every question to the answering\n" +
			"service's /query endpoint and shows the answer together with its sources.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"path to the config file (default <user config dir>/ragwebui/config.yaml)")

	root.AddCommand(
		newServeCmd(a),
		newAskCmd(a),
		newIngestCmd(a),
		newHistoryCmd(a),
	)

	return root
}

func (a *app) load() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("warning: failed to load .env file: %v", err)
	}

	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}

	build := a.buildLogger
	if build == nil {
		build = newLogger
	}
	logger, syncLogger, err := build(cfg.Log)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	a.syncLogger = syncLogger
	return nil
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat page (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func printf(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
