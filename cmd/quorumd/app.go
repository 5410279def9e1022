package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"quorumdb/internal/config"
	"quorumdb/internal/docstore"
	"quorumdb/internal/node"
	"quorumdb/internal/telemetry"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("QUORUMD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "quorumd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			baseLogger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "quorumd",
		Short:         "quorumd replicates records across a cluster under quorum agreement",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.Bind(v, cmd.Root().PersistentFlags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg, baseLogger)
		},
	}
	config.RegisterFlags(cmd.PersistentFlags())
	cmd.AddCommand(newConfigCommand(v))
	return cmd
}

func runServer(ctx context.Context, cfg config.Config, logger pslog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.LogLevel != "" {
		level, ok := pslog.ParseLevel(cfg.LogLevel)
		if !ok {
			return fmt.Errorf("invalid log level %q", cfg.LogLevel)
		}
		logger = logger.LogLevel(level)
	}

	docs, err := docstore.Open(cfg.Store)
	if err != nil {
		return err
	}
	defer docs.Close()

	tel, err := telemetry.Setup(ctx, cfg.MetricsListen, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("quorumd.telemetry.shutdown_failed", "error", err)
		}
	}()

	n, err := node.NewNode(node.ConfigFrom(cfg, docs, logger))
	if err != nil {
		return err
	}
	logger.Info("quorumd.starting",
		"node", cfg.NodeID,
		"listen", cfg.ListenAddr,
		"peers", len(cfg.Peers),
		"databases", cfg.Databases,
		"store", cfg.Store,
	)
	if err := n.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("quorumd.stopped")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
