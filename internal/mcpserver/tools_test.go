package mcpserver

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framework-shells/appserver/internal/agentpty"
	"github.com/framework-shells/appserver/internal/common/logger"
	"github.com/framework-shells/appserver/internal/shellrt"
	"github.com/framework-shells/appserver/internal/store"
)

func newToolFixture(t *testing.T) (*store.Store, *agentpty.Manager, string) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
	log := logger.Default()

	st, err := store.New(t.TempDir(), log)
	require.NoError(t, err)
	rt, err := shellrt.New(t.TempDir(), t.TempDir(), log)
	require.NoError(t, err)
	pty := agentpty.NewManager(rt, agentpty.ManagerConfig{Shell: []string{"bash"}}, log, nil, nil)
	t.Cleanup(pty.CloseAll)

	id, err := st.CreateConversation()
	require.NoError(t, err)
	return st, pty, id
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) map[string]interface{} {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, "tool returned error result")
	require.NotEmpty(t, result.Content)

	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func TestReadSpoolToolReturnsResumeCursor(t *testing.T) {
	st, pty, id := newToolFixture(t)

	out := callTool(t, readSpoolHandler(st, pty, logger.Default()),
		map[string]any{"conversation_id": id, "from_cursor": 0})

	assert.Contains(t, out, "data")
	assert.Contains(t, out, "resume_cursor")
	assert.Contains(t, out, "spool_size")
	assert.NotContains(t, out, "next_cursor")
}

func TestBlocksToolReturnsResumeCursor(t *testing.T) {
	st, pty, id := newToolFixture(t)

	out := callTool(t, blocksHandler(st, pty, logger.Default()),
		map[string]any{"conversation_id": id, "cursor": 0})

	assert.Contains(t, out, "blocks")
	assert.Contains(t, out, "resume_cursor")
	assert.NotContains(t, out, "next_cursor")
}
