// Package main is the entry point for the appserver bridge. One process
// owns the on-disk conversation state, the agent child, the extension
// children, and every per-conversation PTY session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/framework-shells/appserver/internal/agentpty"
	"github.com/framework-shells/appserver/internal/api"
	"github.com/framework-shells/appserver/internal/bridge"
	"github.com/framework-shells/appserver/internal/common/config"
	"github.com/framework-shells/appserver/internal/common/logger"
	"github.com/framework-shells/appserver/internal/envelope"
	"github.com/framework-shells/appserver/internal/events"
	"github.com/framework-shells/appserver/internal/extbridge"
	"github.com/framework-shells/appserver/internal/mcpserver"
	"github.com/framework-shells/appserver/internal/shellrt"
	"github.com/framework-shells/appserver/internal/store"
)

// Exit codes: 0 clean shutdown, 1 fatal init, 2 listen address in use.
const (
	exitOK        = 0
	exitFatalInit = 1
	exitAddrInUse = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return exitFatalInit
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitFatalInit
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting appserver")

	cacheRoot, err := cfg.Cache.ResolveRoot()
	if err != nil {
		log.Error("failed to resolve cache root", zap.Error(err))
		return exitFatalInit
	}

	installRoot := installationRoot()

	// Secret derivation and runtime dir creation happen here; both are
	// required before anything else touches disk.
	rt, err := shellrt.New(cacheRoot, installRoot, log)
	if err != nil {
		log.Error("failed to initialize shell runtime", zap.Error(err))
		return exitFatalInit
	}
	defer rt.Close()

	st, err := store.New(cacheRoot, log)
	if err != nil {
		log.Error("failed to initialize conversation store", zap.Error(err))
		return exitFatalInit
	}

	if active := st.Active(); active.ActiveConversationID != "" {
		log.Info("restored active conversation",
			zap.String("conversation_id", active.ActiveConversationID),
			zap.String("view", active.ActiveView))
	}

	hub := events.NewHub(log)
	br := bridge.New(cfg.Bridge, rt, st, hub, log)

	ext, err := extbridge.New(cfg.ACP, st, hub, log)
	if err != nil {
		log.Error("failed to initialize extension bridge", zap.Error(err))
		return exitFatalInit
	}

	ptyMgr := agentpty.NewManager(rt, agentpty.ManagerConfig{
		Shell:      shellArgv(cfg.PTY),
		Cols:       cfg.PTY.Cols,
		Rows:       cfg.PTY.Rows,
		Scrollback: cfg.PTY.Scrollback,
	}, log, hub.Publish, blockEndHandler(st, log))

	var mcpHandler http.Handler
	if cfg.MCP.Enabled {
		mcpHandler = mcpserver.New(st, ptyMgr, log).Handler()
	}

	srv := api.NewServer(cfg.Server, st, br, ext, ptyMgr, hub, mcpHandler, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Extension children initialize in the background; sessions are only
	// created when a conversation selects an agent.
	go ext.Warmup(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	err = g.Wait()

	log.Info("shutting down")
	br.Stop()
	ext.Stop()
	ptyMgr.CloseAll()

	if err != nil {
		if errors.Is(err, api.ErrAddrInUse) {
			log.Error("listen address already in use", zap.Error(err))
			return exitAddrInUse
		}
		log.Error("server exited with error", zap.Error(err))
		return exitFatalInit
	}
	return exitOK
}

// shellArgv resolves the session shell: config override, then $SHELL,
// then bash.
func shellArgv(cfg config.PTYConfig) []string {
	if cfg.ShellCommand != "" {
		return append([]string{cfg.ShellCommand}, cfg.ShellArgs...)
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return []string{sh}
	}
	return []string{"bash"}
}

// installationRoot anchors the per-installation fingerprint to the binary
// location so two checkouts never share a runtime dir.
func installationRoot() string {
	if exe, err := os.Executable(); err == nil {
		return filepath.Dir(exe)
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// blockEndHandler records finished user PTY blocks: each one lands in the
// transcript and in the pending command buffer the next agent turn flushes
// as a meta envelope.
func blockEndHandler(st *store.Store, log *logger.Logger) agentpty.BlockEndHandler {
	return func(conversationID string, info agentpty.BlockEndInfo) {
		preview := envelope.TruncatePreview(info.Output)

		if _, err := st.AppendTranscript(conversationID, store.Entry{
			Role: store.RoleShellInput,
			Ts:   info.Ts,
			Text: info.Cmd,
			Data: map[string]interface{}{
				"block_id": info.BlockID,
				"cwd":      info.Cwd,
			},
		}); err != nil {
			log.Warn("failed to transcribe shell input", zap.Error(err))
		}

		if _, err := st.AppendTranscript(conversationID, store.Entry{
			Role: store.RoleShellOutput,
			Ts:   time.Now().UnixMilli(),
			Text: joinPreview(preview),
			Data: map[string]interface{}{
				"block_id":  info.BlockID,
				"exit_code": info.ExitCode,
				"truncated": preview.Truncated,
			},
		}); err != nil {
			log.Warn("failed to transcribe shell output", zap.Error(err))
		}

		if _, err := st.MutateMeta(conversationID, func(m *store.Meta) error {
			if m.PendingCmdBuffer == nil {
				m.PendingCmdBuffer = &envelope.Buffer{}
			}
			m.PendingCmdBuffer.Add(envelope.CommandSummary{
				Cmd:      info.Cmd,
				ExitCode: info.ExitCode,
				Cwd:      info.Cwd,
				BlockID:  info.BlockID,
				Ts:       info.Ts,
				Preview:  preview,
			})
			return nil
		}); err != nil {
			log.Warn("failed to buffer command context", zap.Error(err))
		}
	}
}

func joinPreview(p envelope.Preview) string {
	out := ""
	for i, line := range p.Lines {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out
}
