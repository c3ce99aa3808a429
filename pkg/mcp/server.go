// Package mcp exposes the workflow engine as MCP tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stagegate/internal/engine"
	"github.com/rendis/stagegate/internal/expressions"
	"github.com/rendis/stagegate/internal/streaming"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine *engine.Engine
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// Server wraps an MCP server with stagegate tool handlers.
type Server struct {
	engine    *engine.Engine
	hub       streaming.EventHub
	jq        *expressions.GoJQEngine
	sessions  *SessionRegistry
	notifier  *Notifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	hub := deps.Hub
	if hub == nil {
		hub = streaming.Nop{}
	}

	s := &Server{
		engine:   deps.Engine,
		hub:      hub,
		jq:       expressions.NewGoJQEngine(),
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"stagegate",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("stagegate runs multi-stage agent workflows with a human review after every stage. "+
			"Use stagegate.start with an idea to run the first stage, show the returned content_to_review to the user, "+
			"then call stagegate.resume with their reply: \"approve\" moves to the next stage, anything else revises the current one. "+
			"stagegate.status, stagegate.threads and stagegate.pipeline are read-only."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, s.sessions, logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Review events for threads started in this session are
// pushed as notifications while it runs.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := s.notifier.Run(ctx, s.hub); err != nil {
		s.logger.Warn("thread notifications disabled", "error", err)
	}

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: threadsTool(), Handler: s.handleThreads},
		{Tool: pipelineTool(), Handler: s.handlePipeline},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("stagegate.start",
		mcp.WithDescription("Start a workflow thread and run its first stage"),
		mcp.WithString("input", mcp.Required(), mcp.Description("The user's initial request")),
		mcp.WithString("thread_id", mcp.Description("Thread ID to use (default: generated)")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stagegate.resume",
		mcp.WithDescription("Resume a thread suspended at a review gate"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("ID of the thread to resume")),
		mcp.WithString("feedback", mcp.Required(),
			mcp.Description("\"approve\" to advance, anything else to revise the current stage")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stagegate.status",
		mcp.WithDescription("Get the checkpointed state of a thread"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("ID of the thread to query")),
		mcp.WithString("jq", mcp.Description("Optional jq expression applied to the state")),
	)
}

func threadsTool() mcp.Tool {
	return mcp.NewTool("stagegate.threads",
		mcp.WithDescription("List threads"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, stage, limit)")),
		mcp.WithString("where", mcp.Description("CEL expression over `thread`, e.g. thread.revision > 3")),
	)
}

func pipelineTool() mcp.Tool {
	return mcp.NewTool("stagegate.pipeline",
		mcp.WithDescription("Describe the pipeline as JSON or as a diagram"),
		mcp.WithString("format",
			mcp.Enum("json", "mermaid", "ascii", "image"),
			mcp.Description("Output format: json (default), mermaid, ascii or image (base64 PNG)"),
		),
		mcp.WithString("thread_id", mcp.Description("Overlay a thread's position on the diagram")),
	)
}
