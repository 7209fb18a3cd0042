package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/perchfs/perch/internal/engine"
	"github.com/perchfs/perch/internal/logging"
	"github.com/perchfs/perch/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the vault and serve the HTTP API",
	Long: `Load the vault, start watching it for changes, and serve the JSON API
and WebSocket event stream.

Example usage:
  perch serve                       # vault and address from perch.yaml
  perch serve --listen :9000        # override the listen address

Connect a WebSocket client to ws://<addr>/events for change notifications.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Listen = listen
		}

		sink := logging.NewSink(cfg.Log)
		defer sink.Close()

		eng, err := engine.New(cfg, sink)
		if err != nil {
			return err
		}
		if err := eng.Start(cmd.Context()); err != nil {
			return err
		}
		defer eng.Stop()

		srv := server.New(cfg.Listen, eng, sink.Component("http"))
		if err := srv.Start(); err != nil {
			return err
		}

		fmt.Printf("Serving vault %s on http://%s\n", cfg.VaultDir, srv.Addr())
		fmt.Printf("Event stream: ws://%s/events\n", srv.Addr())

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down...")
		return srv.Stop()
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
