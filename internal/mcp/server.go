// Package mcp exposes the governance pipeline to agents as MCP tools over
// stdio.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/govgate/internal/config"
)

// Server wraps the MCP SDK server around one Runtime.
type Server struct {
	mcpServer *mcpsdk.Server
	rt        *config.Runtime
	reviewer  string
}

// New registers the govgate tools over rt. version is the binary version
// reported to clients.
func New(rt *config.Runtime, version string) *Server {
	s := &Server{rt: rt, reviewer: "mcp"}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "govgate",
			Version: version,
		},
		nil,
	)

	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "govgate_evaluate",
		Description: "Evaluate a corrective-action proposal against hard filters, gates and soft filters. Returns APPROVE, MODIFY or REJECT with the instruction to follow.",
	}, s.handleEvaluate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "govgate_deliberate",
		Description: "Submit a command to the three-voter council. Unanimous commands are authorized for execution; anything else is held with a Chairman alert.",
	}, s.handleDeliberate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "govgate_decision",
		Description: "Look up a governance decision (gd-) or council decision (cd-) by id.",
	}, s.handleDecision)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "govgate_rules",
		Description: "Show the active rules version, filter names, locks and today's spend against the cap.",
	}, s.handleRules)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "govgate_pending",
		Description: "List held council decisions awaiting manual review.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "govgate_approve",
		Description: "Approve a held council decision for execution. Use the decision id from govgate_pending as the key.",
	}, s.handleApprove)
}
