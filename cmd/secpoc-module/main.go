package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/vsock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YellowViking/sec-poc/custody"
	"github.com/YellowViking/sec-poc/shared"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:   "secpoc-module",
		Short: "Run the software security module daemon",
		Long: "Serves the key custody protocol: keys are generated and used for " +
			"signing inside this process and never leave it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := shared.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := shared.NewLogger(shared.LoggerConfig{ServiceName: "module", Development: cfg.Development})
	if err != nil {
		return err
	}
	defer logger.Sync()

	var listener net.Listener
	switch cfg.ModuleTransport {
	case "vsock":
		listener, err = vsock.Listen(cfg.ModulePort, nil)
	default:
		listener, err = net.Listen("tcp", cfg.ModuleAddr)
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("security module listening",
		zap.String("transport", cfg.ModuleTransport),
		zap.String("addr", listener.Addr().String()))

	module := custody.NewModule(logger)
	if err := module.Serve(ctx, listener); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("security module stopped")
	return nil
}
