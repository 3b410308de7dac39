package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"miqo-core/internal/bridge"
	"miqo-core/internal/config/loader"
	corelog "miqo-core/internal/core/log"
	"miqo-core/internal/engine"
	"miqo-core/internal/version"
)

func main() {
	var (
		configPath string
		listen     string
	)

	rootCmd := &cobra.Command{
		Use:   "miqo-engine",
		Short: "miqo connection engine",
		Long: `miqo-engine connects to MQTT brokers on behalf of miqo clients and
streams every packet back over the websocket bridge.

Examples:
  miqo-engine                         # listen on engine.listen from the config
  miqo-engine --listen 0.0.0.0:7878`,
		Version:      version.GetVersion(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, listen)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (overrides engine.listen)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, listen string) error {
	cfg, err := loader.Load(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Engine.Listen = listen
	}

	logCloser, err := corelog.Configure(corelog.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()
	corelog.BindDispose()

	local := bridge.NewLocal(ctx)
	defer local.Close()

	e, err := engine.New(ctx, local, engine.Options{
		ClientID:       cfg.Engine.ClientID,
		KeepAlive:      cfg.Engine.KeepAlive,
		ConnectTimeout: cfg.Connection.ConnectTimeout,
		MaxEventRate:   cfg.Engine.MaxEventRate,

		ReconnectAttempts: cfg.Engine.ReconnectAttempts,
		ReconnectInterval: cfg.Engine.ReconnectInterval,
	})
	if err != nil {
		return err
	}
	defer e.Close()

	corelog.Infof("miqo-engine %s starting on %s", version.GetVersion(), cfg.Engine.Listen)
	server := engine.NewServer(local, e,
		engine.WithSecret(cfg.Engine.Secret.Value()),
		engine.WithAllowedOrigins(cfg.Engine.AllowedOrigins),
	)
	if err := server.Run(ctx, cfg.Engine.Listen); err != nil {
		return err
	}
	corelog.Infof("miqo-engine exited gracefully")
	return nil
}
