package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framework-shells/appserver/internal/agentpty"
	"github.com/framework-shells/appserver/internal/bridge"
	"github.com/framework-shells/appserver/internal/common/config"
	"github.com/framework-shells/appserver/internal/common/logger"
	"github.com/framework-shells/appserver/internal/events"
	"github.com/framework-shells/appserver/internal/extbridge"
	"github.com/framework-shells/appserver/internal/shellrt"
	"github.com/framework-shells/appserver/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	log := logger.Default()

	st, err := store.New(t.TempDir(), log)
	require.NoError(t, err)
	hub := events.NewHub(log)

	rt, err := shellrt.New(t.TempDir(), t.TempDir(), log)
	require.NoError(t, err)
	pty := agentpty.NewManager(rt, agentpty.ManagerConfig{Shell: []string{"bash"}}, log, hub.Publish, nil)
	t.Cleanup(pty.CloseAll)

	br := bridge.New(config.BridgeConfig{}, nil, st, hub, log)
	ext, err := extbridge.New(config.ACPConfig{ManifestDir: filepath.Join(t.TempDir(), "manifests")}, st, hub, log)
	require.NoError(t, err)

	return NewServer(config.ServerConfig{}, st, br, ext, pty, hub, nil, log), st
}

func doRequest(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var res map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	return res
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not installed")
	}
}

func TestFailErrorKinds(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{"validation", fmt.Errorf("%w: bad input", agentpty.ErrValidation), http.StatusBadRequest, "validation_error"},
		{"busy", agentpty.ErrBusy, http.StatusConflict, "busy"},
		{"mode interactive", agentpty.ErrModeInteractive, http.StatusConflict, "mode_interactive"},
		{"timeout", agentpty.ErrTimeout, http.StatusGatewayTimeout, "timeout"},
		{"session gone", agentpty.ErrSessionGone, http.StatusGone, "shell_gone"},
		{"shell gone", shellrt.ErrShellGone, http.StatusGone, "shell_gone"},
		{"unknown block", agentpty.ErrUnknownBlock, http.StatusNotFound, "validation_error"},
		{"conversation missing", fmt.Errorf("load meta: %w", store.ErrNotFound), http.StatusNotFound, "validation_error"},
		{"immutable thread id", store.ErrImmutableThreadID, http.StatusConflict, "immutable_thread_id"},
		{"bridge rpc timeout", &bridge.Error{Kind: bridge.KindRPCTimeout, Message: "x"}, http.StatusGatewayTimeout, "rpc_timeout"},
		{"bridge child crashed", &bridge.Error{Kind: bridge.KindChildCrashed, Message: "x"}, http.StatusServiceUnavailable, "child_crashed"},
		{"unclassified", fmt.Errorf("boom"), http.StatusInternalServerError, "rpc_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			fail(c, tc.err)

			assert.Equal(t, tc.status, w.Code)
			var body struct {
				Error struct {
					Kind    string `json:"kind"`
					Message string `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.kind, body.Error.Kind)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestUpdateMetaMissingConversationIs404(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost,
		"/api/appserver/conversation?conversation_id=no-such-conversation",
		`{"label":"renamed"}`)

	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	res := decodeBody(t, w)
	errObj, ok := res["error"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "validation_error", errObj["kind"])
}

func TestReadSpoolReturnsResumeCursor(t *testing.T) {
	requireBash(t)
	s, st := newTestServer(t)
	id, err := st.CreateConversation()
	require.NoError(t, err)

	w := doRequest(t, s, http.MethodPost, "/api/mcp/agent-pty/read_spool",
		fmt.Sprintf(`{"conversation_id":%q,"from_cursor":0}`, id))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody(t, w)
	assert.Contains(t, res, "data")
	assert.Contains(t, res, "resume_cursor")
	assert.Contains(t, res, "spool_size")
	assert.NotContains(t, res, "next_cursor")
}

func TestBlocksReturnsResumeCursor(t *testing.T) {
	requireBash(t)
	s, st := newTestServer(t)
	id, err := st.CreateConversation()
	require.NoError(t, err)

	w := doRequest(t, s, http.MethodGet,
		"/api/mcp/agent-pty/blocks?conversation_id="+id+"&cursor=0", "")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody(t, w)
	assert.Contains(t, res, "blocks")
	assert.Contains(t, res, "resume_cursor")
	assert.NotContains(t, res, "next_cursor")
}

func TestReadScreenDeltasPagesByCursor(t *testing.T) {
	requireBash(t)
	s, st := newTestServer(t)
	id, err := st.CreateConversation()
	require.NoError(t, err)

	w := doRequest(t, s, http.MethodGet,
		"/api/mcp/agent-pty/read_screen_deltas?conversation_id="+id+"&cursor=0", "")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody(t, w)
	assert.Contains(t, res, "deltas")
	assert.Contains(t, res, "resume_cursor")
	assert.NotContains(t, res, "next_cursor")
}
