package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/hookwatch/internal/session"
)

// Config holds MCP server configuration.
type Config struct {
	Session *session.Session
	Version string
	Logger  *zap.Logger
}

// Server exposes a hookwatch session as MCP tools.
type Server struct {
	mcpServer *mcpsdk.Server
	sess      *session.Session
	logger    *zap.Logger
}

// New creates an MCP server bound to cfg.Session.
func New(cfg Config) (*Server, error) {
	if cfg.Session == nil {
		return nil, errNoSession
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{sess: cfg.Session, logger: cfg.Logger}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "hookwatch",
			Version: cfg.Version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run serves MCP on stdio. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all hookwatch tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "hookwatch_calls",
		Description: "List recorded remote calls, newest first. Filter by endpoint id, or omit it for an overview of every endpoint.",
	}, s.handleCalls)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "hookwatch_remote",
		Description: "Set the excluded/blocked options of one endpoint in every context. Blocked calls are recorded but never reach the far side.",
	}, s.handleRemote)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "hookwatch_spoofs",
		Description: "Replace the return spoof script. Invalid source is rejected and the current spoofs stay in place.",
	}, s.handleSpoofs)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "hookwatch_repeat",
		Description: "Perform a recorded call again with a fresh copy of its arguments.",
	}, s.handleRepeat)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "hookwatch_script",
		Description: "Render a replay script for a recorded call.",
	}, s.handleScript)
}
