package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/easzlab/ezhole/pkg/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ezhole",
		Short: "ezhole - expose TCP services behind full-cone NAT",
		Long:  "Discovers the public endpoint of a NAT binding via STUN, keeps it alive, publishes it through DNS A/SRV records, and forwards inbound TCP to a local backend.",
		RunE:  runDaemon,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/ezhole/ezhole.yaml", "path to config file")

	rootCmd.AddCommand(newOnceCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Probe once, sync DNS records, and exit",
		RunE:  runOnce,
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ezhole version %s\n", version)
		},
	}
}

// runDaemon starts the server in daemon mode with signal handling.
func runDaemon(cmd *cobra.Command, args []string) error {
	logger, level := newLogger()
	defer logger.Sync()

	logger.Info("starting ezhole",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	srv, err := server.NewServer(configPath, logger, &level)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signalChan
		logger.Info("received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	return srv.Run(ctx)
}

// runOnce performs a single probe and DNS sync, then exits.
func runOnce(cmd *cobra.Command, args []string) error {
	logger, level := newLogger()
	defer logger.Sync()

	logger.Info("running single sync",
		zap.String("version", version),
		zap.String("config", configPath),
	)

	srv, err := server.NewServer(configPath, logger, &level)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.RunOnce()
}

// newLogger creates a production zap logger with console encoding for
// readability. The returned atomic level allows the configured log level to
// apply after the config is loaded.
func newLogger() (*zap.Logger, zap.AtomicLevel) {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	loggerConfig := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger, level
}
