// Package api exposes the REST and WebSocket surface: conversation CRUD,
// transcript access, agent child control, the PTY tool endpoints, and the
// two WebSocket streams.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/framework-shells/appserver/internal/agentpty"
	"github.com/framework-shells/appserver/internal/bridge"
	"github.com/framework-shells/appserver/internal/common/config"
	"github.com/framework-shells/appserver/internal/common/httpmw"
	"github.com/framework-shells/appserver/internal/common/logger"
	"github.com/framework-shells/appserver/internal/events"
	"github.com/framework-shells/appserver/internal/extbridge"
	"github.com/framework-shells/appserver/internal/store"
)

// ErrAddrInUse signals the listen address is taken; the entrypoint maps it
// to exit code 2.
var ErrAddrInUse = errors.New("address in use")

// Server wires the HTTP surface over the subsystems.
type Server struct {
	cfg    config.ServerConfig
	logger *logger.Logger

	store  *store.Store
	bridge *bridge.Bridge
	ext    *extbridge.Bridge
	pty    *agentpty.Manager
	hub    *events.Hub

	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the router. mcpHandler, when non-nil, is mounted at
// /mcp for machine agents.
func NewServer(
	cfg config.ServerConfig,
	st *store.Store,
	br *bridge.Bridge,
	ext *extbridge.Bridge,
	pty *agentpty.Manager,
	hub *events.Hub,
	mcpHandler http.Handler,
	log *logger.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "appserver"))

	s := &Server{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "api")),
		store:  st,
		bridge: br,
		ext:    ext,
		pty:    pty,
		hub:    hub,
		engine: engine,
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	app := engine.Group("/api/appserver")
	{
		app.GET("/conversations", s.listConversations)
		app.POST("/conversations", s.createConversation)
		app.DELETE("/conversations/:id", s.deleteConversation)
		app.POST("/conversations/select", s.selectConversation)
		app.GET("/conversation", s.getActiveMeta)
		app.POST("/conversation", s.updateActiveMeta)
		app.GET("/transcript/range", s.transcriptRange)
		app.POST("/transcript/append", s.transcriptAppend)
		app.POST("/rpc", s.rpcPassthrough)
		app.POST("/start", s.startChild)
		app.POST("/stop", s.stopChild)
		app.GET("/status", s.childStatus)
		app.POST("/interrupt", s.interruptTurn)
		app.POST("/approval_record", s.approvalRecord)
		app.GET("/approvals", s.listApprovals)
		app.GET("/files/list", s.listFiles)
		app.GET("/files/search", s.searchFiles)
	}

	ptyGroup := engine.Group("/api/mcp/agent-pty")
	{
		ptyGroup.POST("/exec", s.ptyExec)
		ptyGroup.POST("/exec_interactive", s.ptyExecInteractive)
		ptyGroup.POST("/send", s.ptySend)
		ptyGroup.POST("/expect_send", s.ptyExpectSend)
		ptyGroup.POST("/wait_for", s.ptyWaitFor)
		ptyGroup.POST("/read_spool", s.ptyReadSpool)
		ptyGroup.GET("/read_screen", s.ptyReadScreen)
		ptyGroup.GET("/read_screen_deltas", s.ptyReadScreenDeltas)
		ptyGroup.GET("/status", s.ptyStatus)
		ptyGroup.GET("/blocks", s.ptyBlocks)
		ptyGroup.GET("/blocks/:block_id", s.ptyBlockGet)
		ptyGroup.POST("/blocks/read", s.ptyBlockRead)
		ptyGroup.POST("/blocks/search", s.ptyBlockSearch)
		ptyGroup.POST("/end_session", s.ptyEndSession)
		ptyGroup.POST("/reset", s.ptyReset)
	}

	engine.GET("/ws/appserver", s.wsEvents)
	engine.GET("/ws/pty/:conversation_id", s.wsPTY)

	if mcpHandler != nil {
		engine.Any("/mcp", gin.WrapH(mcpHandler))
		engine.Any("/mcp/*path", gin.WrapH(mcpHandler))
	}

	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return fmt.Errorf("%w: %s", ErrAddrInUse, addr)
		}
		return err
	}

	s.http = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()
	s.logger.Info("http server listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
