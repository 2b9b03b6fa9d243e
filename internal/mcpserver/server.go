// Package mcpserver exposes the agent PTY tools over MCP so machine
// agents can drive a conversation's terminal. Both SSE and Streamable
// HTTP transports are served, mounted under /mcp on the main router.
package mcpserver

import (
	"net/http"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/framework-shells/appserver/internal/agentpty"
	"github.com/framework-shells/appserver/internal/common/logger"
	"github.com/framework-shells/appserver/internal/store"
)

// Server wraps the shared MCP server with its two HTTP transports:
// SSE at /mcp/sse (+ /mcp/message) and Streamable HTTP at /mcp.
type Server struct {
	mcpServer  *server.MCPServer
	sseServer  *server.SSEServer
	streamable *server.StreamableHTTPServer
	handler    http.Handler
	logger     *logger.Logger
}

// New builds the MCP server and registers the agent PTY tools against the
// given store and PTY manager.
func New(st *store.Store, pty *agentpty.Manager, log *logger.Logger) *Server {
	s := &Server{
		logger: log.WithFields(zap.String("component", "mcp-server")),
	}

	s.mcpServer = server.NewMCPServer(
		"appserver-agent-pty",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(s.mcpServer, st, pty, s.logger)

	s.sseServer = server.NewSSEServer(s.mcpServer,
		server.WithStaticBasePath("/mcp"),
	)
	s.streamable = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/mcp/sse", s.sseServer.SSEHandler())
	mux.Handle("/mcp/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamable)
	s.handler = mux

	return s
}

// Handler is mounted on the main gin router under /mcp.
func (s *Server) Handler() http.Handler {
	return s.handler
}
