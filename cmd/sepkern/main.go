// Command sepkern loads a blueprint, lowers and validates it, and runs the
// time-triggered dispatcher until interrupted.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sepkern/sepkern"
	"github.com/sepkern/sepkern/internal/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		onlyValidate bool
		strict       bool
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:   "sepkern [flags] <blueprint>",
		Short: "A lightweight time-triggered separation kernel for wasm functions",
		Long: "sepkern hosts mutually isolated wasm functions, connects them through\n" +
			"fixed-size channels, drives those channels to and from I/O endpoints,\n" +
			"and dispatches all activity through a static cyclic schedule with\n" +
			"per-invocation fuel budgets.",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], onlyValidate, strict, logLevel)
		},
	}

	cmd.Flags().BoolVarP(&onlyValidate, "only-validate", "o", false,
		"parse and validate the blueprint, then terminate")
	cmd.Flags().BoolVarP(&strict, "strict", "s", false,
		"require every wasm function to load successfully")
	cmd.Flags().StringVar(&logLevel, "log-level", "",
		"log level (overrides "+logging.EnvVar+")")

	return cmd
}

func run(blueprintPath string, onlyValidate, strict bool, logLevel string) error {
	logConfig := logging.DefaultConfig()
	if logLevel != "" {
		logConfig.Level = logLevel
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	logger.Infof("reading blueprint %s", blueprintPath)
	bp, err := sepkern.LoadBlueprint(blueprintPath)
	if err != nil {
		logger.Errorf("could not read blueprint: %v", err)
		return err
	}

	logger.Infof("configuring kernel")
	cfg, err := bp.Lower(&sepkern.LowerOptions{Strict: strict, Logger: logger})
	if err != nil {
		logger.Errorf("could not lower blueprint: %v", err)
		return err
	}
	defer cfg.Close()

	if err := cfg.Validate(logger); err != nil {
		logger.Errorf("invalid kernel configuration: %v", err)
		return err
	}

	if onlyValidate {
		logger.Infof("blueprint is valid")
		return nil
	}

	metrics := sepkern.NewMetrics()
	kernel := sepkern.NewKernel(cfg, &sepkern.KernelOptions{
		Logger:   logger,
		Observer: metrics,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infof("starting dispatcher")
	err = kernel.Run(ctx)
	if errors.Is(err, context.Canceled) {
		snap := metrics.Snapshot()
		logger.Infof("shutting down after %v: %d invocations (%d trapped), %d fuel consumed",
			snap.Uptime, snap.Invocations, snap.Traps, snap.FuelConsumed)
		return nil
	}
	if err != nil {
		logger.Errorf("dispatcher stopped: %v", err)
	}
	return err
}
