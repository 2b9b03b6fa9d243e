package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/framework-shells/appserver/internal/agentpty"
	"github.com/framework-shells/appserver/internal/common/logger"
	"github.com/framework-shells/appserver/internal/envelope"
	"github.com/framework-shells/appserver/internal/store"
)

const defaultToolTimeout = 30 * time.Second

func registerTools(s *server.MCPServer, st *store.Store, pty *agentpty.Manager, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("agent_pty_exec",
			mcp.WithDescription("Run a single shell command in the conversation's terminal and return its output. Fails if the terminal is busy or interactive."),
			mcp.WithString("cmd",
				mcp.Required(),
				mcp.Description("The command line to run (single line, no newlines)"),
			),
			mcp.WithString("conversation_id",
				mcp.Description("Conversation to run in; defaults to the active conversation"),
			),
			mcp.WithNumber("timeout_ms",
				mcp.Description("How long to wait for the command to finish (default 30000)"),
			),
		),
		execHandler(st, pty, log),
	)

	s.AddTool(
		mcp.NewTool("agent_pty_exec_interactive",
			mcp.WithDescription("Start an interactive program (REPL, editor, TUI) in the conversation's terminal. The terminal stays in interactive mode until the program exits; use agent_pty_send and agent_pty_wait_for to drive it."),
			mcp.WithString("cmd",
				mcp.Required(),
				mcp.Description("The command line that starts the interactive program"),
			),
			mcp.WithString("conversation_id",
				mcp.Description("Conversation to run in; defaults to the active conversation"),
			),
		),
		execInteractiveHandler(st, pty, log),
	)

	s.AddTool(
		mcp.NewTool("agent_pty_send",
			mcp.WithDescription("Write raw bytes to the terminal's stdin. Use \\r for Enter, \\x03 for Ctrl+C."),
			mcp.WithString("data",
				mcp.Required(),
				mcp.Description("Bytes to write, as a string"),
			),
			mcp.WithString("conversation_id",
				mcp.Description("Conversation to write to; defaults to the active conversation"),
			),
		),
		sendHandler(st, pty, log),
	)

	s.AddTool(
		mcp.NewTool("agent_pty_wait_for",
			mcp.WithDescription("Block until the terminal output matches. match may be a literal substring or the tokens PROMPT (shell prompt shown) or EOF (shell exited); regex takes precedence when set. Returns the match and a resume cursor for the next call."),
			mcp.WithString("match",
				mcp.Description("Literal substring, PROMPT, or EOF"),
			),
			mcp.WithString("regex",
				mcp.Description("Regular expression; overrides match"),
			),
			mcp.WithNumber("from_cursor",
				mcp.Description("Spool offset to scan from (use the previous resume_cursor)"),
			),
			mcp.WithNumber("timeout_ms",
				mcp.Description("Wait budget in milliseconds (default 30000)"),
			),
			mcp.WithString("conversation_id",
				mcp.Description("Conversation to watch; defaults to the active conversation"),
			),
		),
		waitForHandler(st, pty, log),
	)

	s.AddTool(
		mcp.NewTool("agent_pty_read_spool",
			mcp.WithDescription("Read normalized terminal output by cursor. Returns the bytes, a resume cursor, and the current spool size."),
			mcp.WithNumber("from_cursor",
				mcp.Description("Spool offset to read from"),
			),
			mcp.WithNumber("max_bytes",
				mcp.Description("Cap on returned bytes (default 65536)"),
			),
			mcp.WithString("conversation_id",
				mcp.Description("Conversation to read; defaults to the active conversation"),
			),
		),
		readSpoolHandler(st, pty, log),
	)

	s.AddTool(
		mcp.NewTool("agent_pty_blocks",
			mcp.WithDescription("List completed and running command blocks since a cursor, newest last."),
			mcp.WithNumber("cursor",
				mcp.Description("Block-log cursor from a previous call"),
			),
			mcp.WithString("conversation_id",
				mcp.Description("Conversation to list; defaults to the active conversation"),
			),
		),
		blocksHandler(st, pty, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 6))
}

// resolveSession opens the PTY session for the requested conversation,
// falling back to the active one.
func resolveSession(st *store.Store, pty *agentpty.Manager, req mcp.CallToolRequest) (*agentpty.Session, string, error) {
	id := req.GetString("conversation_id", "")
	if id == "" {
		id = st.Active().ActiveConversationID
	}
	if id == "" {
		return nil, "", fmt.Errorf("no active conversation")
	}
	cwd := ""
	if meta, err := st.LoadMeta(id); err == nil {
		cwd = meta.Settings.Cwd
	}
	sess, err := pty.Open(id, st.AgentPTYDir(id), cwd)
	if err != nil {
		return nil, "", err
	}
	return sess, id, nil
}

// recordMCPActivity notes the tool invocation in the conversation's pending
// command buffer so the next user turn's envelope mentions it.
func recordMCPActivity(st *store.Store, conversationID, desc string) {
	_, _ = st.MutateMeta(conversationID, func(m *store.Meta) error {
		if m.PendingCmdBuffer == nil {
			m.PendingCmdBuffer = &envelope.Buffer{}
		}
		m.PendingCmdBuffer.AddMCP(desc)
		return nil
	})
}

func toolTimeout(req mcp.CallToolRequest) time.Duration {
	ms := req.GetInt("timeout_ms", 0)
	if ms <= 0 {
		return defaultToolTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

func execHandler(st *store.Store, pty *agentpty.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cmd, err := req.RequireString("cmd")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sess, convID, err := resolveSession(st, pty, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		cursor := sess.Status().SpoolSize
		blockID, err := sess.ExecBlock(ctx, cmd)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		// The prompt sentinel finalizes the block, so PROMPT is the
		// completion signal.
		res, err := sess.WaitFor(ctx,
			agentpty.MatchSpec{Match: agentpty.MatchPrompt},
			cursor, toolTimeout(req), 0)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		recordMCPActivity(st, convID, "exec: "+cmd)

		block, berr := sess.Blocks().Get(blockID)
		lines, _ := sess.Blocks().ReadOutput(blockID, 0, 0)
		out := map[string]interface{}{
			"block_id":      blockID,
			"completed":     res.Matched,
			"resume_cursor": res.ResumeCursor,
			"output":        strings.Join(lines, "\n"),
		}
		if berr == nil && block.ExitCode != nil {
			out["exit_code"] = *block.ExitCode
			out["status"] = block.Status
		}
		return jsonResult(out), nil
	}
}

func execInteractiveHandler(st *store.Store, pty *agentpty.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cmd, err := req.RequireString("cmd")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sess, convID, err := resolveSession(st, pty, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		blockID, err := sess.ExecInteractive(ctx, cmd)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		recordMCPActivity(st, convID, "exec_interactive: "+cmd)
		st2 := sess.Status()
		return jsonResult(map[string]interface{}{
			"block_id":   blockID,
			"mode":       string(st2.Mode),
			"spool_size": st2.SpoolSize,
		}), nil
	}
}

func sendHandler(st *store.Store, pty *agentpty.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		data, err := req.RequireString("data")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sess, _, err := resolveSession(st, pty, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := sess.Send(data); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{
			"sent":       len(data),
			"spool_size": sess.Status().SpoolSize,
		}), nil
	}
}

func waitForHandler(st *store.Store, pty *agentpty.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, _, err := resolveSession(st, pty, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		spec := agentpty.MatchSpec{
			Match: req.GetString("match", ""),
			Regex: req.GetString("regex", ""),
		}
		res, err := sess.WaitFor(ctx, spec,
			int64(req.GetInt("from_cursor", 0)), toolTimeout(req), 0)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(res), nil
	}
}

func readSpoolHandler(st *store.Store, pty *agentpty.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, _, err := resolveSession(st, pty, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		from := int64(req.GetInt("from_cursor", 0))
		max := int64(req.GetInt("max_bytes", 65536))
		data, err := sess.ReadSpool(from, max)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{
			"data":          string(data),
			"resume_cursor": from + int64(len(data)),
			"spool_size":    sess.Status().SpoolSize,
		}), nil
	}
}

func blocksHandler(st *store.Store, pty *agentpty.Manager, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sess, _, err := resolveSession(st, pty, req)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		blocks, next, err := sess.Blocks().Since(int64(req.GetInt("cursor", 0)))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(map[string]interface{}{
			"blocks":        blocks,
			"resume_cursor": next,
		}), nil
	}
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(formatted))
}
