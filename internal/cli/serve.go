package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/govgate/internal/server"
)

var (
	serveAddr     string
	serveNoReload bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "HTTP listen address (default from server.addr, :8088)")
	serveCmd.Flags().BoolVar(&serveNoReload, "no-reload", false, "Disable hot-reload of the governance file")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP governance server",
	Long:  "Serves the decision query surface, transactions, council commands, the launch queue\nand the audit trail over HTTP. Edits to the governance file are hot-reloaded.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, cfg, version, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	path := governancePath()
	srv := server.New(rt, cfg, version, path, slog.Default().With("component", "server"))

	if !serveNoReload {
		reloader, err := server.NewReloader(srv, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: hot-reload disabled: %v\n", err)
		} else {
			go reloader.Run(ctx)
		}
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	fmt.Fprintf(os.Stderr, "govgate listening on %s (rules %s)\n", addr, version)

	if err := srv.Serve(ctx, addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	fmt.Fprintln(os.Stderr, "\nShutting down governance server...")
	return nil
}
