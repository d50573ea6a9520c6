package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	govmcp "github.com/ppiankov/govgate/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs govgate as an MCP (Model Context Protocol) server over stdio.\nExposes tools: evaluate, deliberate, decision, rules, pending, approve.",
	RunE:  runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, _, version, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := govmcp.New(rt, Version)

	// stdout belongs to the protocol
	fmt.Fprintln(os.Stderr, "govgate MCP server running on stdio")
	fmt.Fprintf(os.Stderr, "Rules version: %s\n", version)

	return srv.Run(ctx)
}
