package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Chichichkin/thetapoint-forwarder/internal/config"
	"github.com/Chichichkin/thetapoint-forwarder/internal/daemon"
	"github.com/Chichichkin/thetapoint-forwarder/internal/forwarder"
	"github.com/Chichichkin/thetapoint-forwarder/internal/output/thetapoint"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var envFile string

	flagSet := pflag.NewFlagSet("thetapoint-forwarder", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "YAML or JSONC config file")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading THETAPOINT_* variables")
	config.AddFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(configPath, envFile, flagSet)
	if err != nil {
		return err
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", cfg.LogAttrs()...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender, err := thetapoint.NewSender(cfg.SenderConfig(), logger)
	if err != nil {
		return fmt.Errorf("creating sender: %w", err)
	}

	opts := []forwarder.Option{
		forwarder.WithLogger(logger),
		forwarder.WithRetryPolicy(cfg.RetryPolicy()),
	}
	if predicate := cfg.Predicate(); predicate != nil {
		opts = append(opts, forwarder.WithPredicate(predicate))
	}

	fwd, err := forwarder.New(ctx, cfg.ForwarderConfig(), sender, opts...)
	if err != nil {
		return fmt.Errorf("creating forwarder: %w", err)
	}

	input := daemon.NewService(ctx, cfg.DaemonConfig(), fwd, logger)
	input.Start()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	sig := <-signalChan
	logger.Info("received shutdown signal", "signal", sig.String())

	// input first, so nothing reaches the forwarder while it drains
	input.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace.Std())
	defer shutdownCancel()

	if err := fwd.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining forwarder: %w", err)
	}

	metrics := fwd.Metrics()
	logger.Info("shutdown complete",
		"events_sent", metrics.EventsSent,
		"events_dropped", metrics.EventsDropped,
		"compression_ratio", metrics.CompressionRatio(),
	)
	return nil
}

// loadConfig layers defaults, the config file, .env, the environment and
// explicitly set flags, then validates the result.
func loadConfig(configPath, envFile string, flagSet *pflag.FlagSet) (*config.Config, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}
	if err := cfg.ApplyFlags(flagSet); err != nil {
		return nil, fmt.Errorf("reading flags: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
