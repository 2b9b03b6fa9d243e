// Package extbridge drives ACP extension agents: one shared child per
// manifest, warm initialize at startup, one ACP session per conversation,
// and translation of session updates into the normalized event stream.
package extbridge

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/framework-shells/appserver/internal/common/config"
	"github.com/framework-shells/appserver/internal/common/logger"
	"github.com/framework-shells/appserver/internal/events"
	"github.com/framework-shells/appserver/internal/store"
)

// PendingPermission is an ACP permission request awaiting a user decision.
type PendingPermission struct {
	RequestID      string                 `json:"request_id"`
	ConversationID string                 `json:"conversation_id"`
	Title          string                 `json:"title"`
	Options        []PermissionOption     `json:"options"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Ts             int64                  `json:"ts"`

	decide chan string // option id; empty string cancels
}

// PermissionOption is one selectable decision.
type PermissionOption struct {
	OptionID string `json:"option_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// child is one running extension process with its ACP connection.
type child struct {
	manifest Manifest
	cmd      *exec.Cmd
	conn     *acp.ClientSideConnection

	mu       sync.Mutex
	alive    bool
	sessions map[string]acp.SessionId // conversation id -> session
	buffers  map[string]*strings.Builder
}

// Bridge owns the extension children.
type Bridge struct {
	cfg       config.ACPConfig
	store     *store.Store
	hub       *events.Hub
	logger    *logger.Logger
	manifests map[string]Manifest

	mu          sync.Mutex
	children    map[string]*child
	permissions map[string]*PendingPermission
	permSeq     int64
}

// New loads manifests and creates the bridge. Children start at Warmup.
func New(cfg config.ACPConfig, st *store.Store, hub *events.Hub, log *logger.Logger) (*Bridge, error) {
	manifests, err := LoadManifests(cfg.ManifestDir)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		cfg:         cfg,
		store:       st,
		hub:         hub,
		logger:      log.WithFields(zap.String("component", "ext-bridge")),
		manifests:   manifests,
		children:    make(map[string]*child),
		permissions: make(map[string]*PendingPermission),
	}, nil
}

// Agents lists the configured extension agents.
func (b *Bridge) Agents() []string {
	out := make([]string, 0, len(b.manifests))
	for name := range b.manifests {
		out = append(out, name)
	}
	return out
}

// EagerInit reports whether the agent's manifest asks for its ACP session
// ahead of the first prompt. Unknown agents default to lazy init.
func (b *Bridge) EagerInit(agent string) bool {
	m, ok := b.manifests[agent]
	return ok && m.EagerSessionInit
}

func (b *Bridge) warmupTimeout() time.Duration {
	if b.cfg.WarmupTimeout <= 0 {
		return 60 * time.Second
	}
	return time.Duration(b.cfg.WarmupTimeout) * time.Second
}

// Warmup spawns every manifest's child and completes the ACP initialize
// handshake. Sessions are not created here; they wait for conversations.
func (b *Bridge) Warmup(ctx context.Context) {
	for name := range b.manifests {
		wctx, cancel := context.WithTimeout(ctx, b.warmupTimeout())
		if _, err := b.ensureChild(wctx, name); err != nil {
			b.logger.Warn("extension warm-up failed",
				zap.String("agent", name), zap.Error(err))
		}
		cancel()
	}
}

// ensureChild starts and initializes the agent's child if needed.
func (b *Bridge) ensureChild(ctx context.Context, agent string) (*child, error) {
	b.mu.Lock()
	if c, ok := b.children[agent]; ok && c.isAlive() {
		b.mu.Unlock()
		return c, nil
	}
	b.mu.Unlock()

	m, ok := b.manifests[agent]
	if !ok {
		return nil, fmt.Errorf("unknown extension agent %q", agent)
	}

	cmd := exec.Command(m.Command, m.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start extension %s: %w", agent, err)
	}

	c := &child{
		manifest: m,
		cmd:      cmd,
		alive:    true,
		sessions: make(map[string]acp.SessionId),
		buffers:  make(map[string]*strings.Builder),
	}

	client := &acpClient{bridge: b, child: c}
	c.conn = acp.NewClientSideConnection(client, stdin, stdout)

	go func() {
		err := cmd.Wait()
		c.mu.Lock()
		c.alive = false
		c.sessions = make(map[string]acp.SessionId)
		c.mu.Unlock()
		b.logger.Warn("extension child exited",
			zap.String("agent", agent), zap.Error(err))
	}()

	if _, err := c.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo: &acp.Implementation{
			Name:    "appserver",
			Version: "1.0.0",
		},
	}); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("extension %s initialize failed: %w", agent, err)
	}

	b.mu.Lock()
	b.children[agent] = c
	b.mu.Unlock()
	b.logger.Info("extension child initialized", zap.String("agent", agent))
	return c, nil
}

func (c *child) isAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// EnsureSession creates the conversation's ACP session ahead of the first
// turn. Called on settings save for manifests with eagerSessionInit, and
// lazily from Prompt otherwise.
func (b *Bridge) EnsureSession(ctx context.Context, conversationID string) error {
	meta, err := b.store.LoadMeta(conversationID)
	if err != nil {
		return err
	}
	if meta.Settings.Agent == "" {
		return fmt.Errorf("conversation %s has no extension agent", conversationID)
	}
	c, err := b.ensureChild(ctx, meta.Settings.Agent)
	if err != nil {
		return err
	}
	_, err = b.sessionFor(ctx, c, conversationID, meta.Settings.Cwd)
	return err
}

// sessionFor returns the conversation's session, creating one when absent.
// There is no session resume: a fresh session after loss is recorded as a
// session_reset status entry.
func (b *Bridge) sessionFor(ctx context.Context, c *child, conversationID, cwd string) (acp.SessionId, error) {
	c.mu.Lock()
	if sid, ok := c.sessions[conversationID]; ok {
		c.mu.Unlock()
		return sid, nil
	}
	hadBefore := c.buffers[conversationID] != nil
	c.mu.Unlock()

	resp, err := c.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return "", fmt.Errorf("session/new failed: %w", err)
	}

	c.mu.Lock()
	c.sessions[conversationID] = resp.SessionId
	c.buffers[conversationID] = &strings.Builder{}
	c.mu.Unlock()

	if hadBefore {
		// The previous session was lost with the child; context is gone.
		b.transcribe(conversationID, store.RoleStatus, "session_reset", nil)
		b.emit(events.Event{
			Type:           events.TypeStatus,
			ConversationID: conversationID,
			Text:           "session_reset",
		})
	}
	return resp.SessionId, nil
}

// Prompt submits user text as one turn and blocks until the extension
// finishes. The prompt response is the turn boundary: it finalizes the
// assistant message and completes the turn.
func (b *Bridge) Prompt(ctx context.Context, conversationID, text string) error {
	if text == "" {
		return fmt.Errorf("empty prompt")
	}
	meta, err := b.store.LoadMeta(conversationID)
	if err != nil {
		return err
	}
	if meta.Settings.Agent == "" {
		return fmt.Errorf("conversation %s has no extension agent", conversationID)
	}

	c, err := b.ensureChild(ctx, meta.Settings.Agent)
	if err != nil {
		return err
	}
	sid, err := b.sessionFor(ctx, c, conversationID, meta.Settings.Cwd)
	if err != nil {
		return err
	}

	b.transcribe(conversationID, store.RoleUser, text, nil)
	b.emit(events.Event{Type: events.TypeTurnStarted, ConversationID: conversationID})

	c.mu.Lock()
	c.buffers[conversationID] = &strings.Builder{}
	c.mu.Unlock()

	if _, err := c.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: sid,
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	}); err != nil {
		c.mu.Lock()
		delete(c.sessions, conversationID)
		c.mu.Unlock()
		b.emit(events.Event{
			Type:           events.TypeError,
			ConversationID: conversationID,
			Kind:           "rpc_error",
			Message:        err.Error(),
		})
		return err
	}

	c.mu.Lock()
	final := ""
	if buf := c.buffers[conversationID]; buf != nil {
		final = buf.String()
	}
	c.mu.Unlock()

	if final != "" {
		b.transcribe(conversationID, store.RoleAssistant, final, nil)
	}
	b.emit(events.Event{
		Type:           events.TypeAssistantFinalize,
		ConversationID: conversationID,
		Text:           final,
	})
	b.emit(events.Event{Type: events.TypeTurnCompleted, ConversationID: conversationID})
	return nil
}

// PendingPermissions lists undecided permission requests.
func (b *Bridge) PendingPermissions(conversationID string) []*PendingPermission {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []*PendingPermission{}
	for _, p := range b.permissions {
		if conversationID == "" || p.ConversationID == conversationID {
			out = append(out, p)
		}
	}
	return out
}

// Decide resolves a pending permission with the chosen option id. An empty
// option id cancels. Unknown request ids are stale.
func (b *Bridge) Decide(requestID, optionID string) error {
	b.mu.Lock()
	p, ok := b.permissions[requestID]
	if ok {
		delete(b.permissions, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("approval_stale: no pending permission %s", requestID)
	}
	p.decide <- optionID
	return nil
}

// conversationForSession maps an ACP session back to its conversation.
func (b *Bridge) conversationForSession(c *child, sid acp.SessionId) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for conv, s := range c.sessions {
		if s == sid {
			return conv
		}
	}
	return ""
}

// Stop kills every extension child.
func (b *Bridge) Stop() {
	b.mu.Lock()
	children := make([]*child, 0, len(b.children))
	for _, c := range b.children {
		children = append(children, c)
	}
	b.mu.Unlock()
	for _, c := range children {
		if c.cmd != nil && c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	}
}

func (b *Bridge) emit(ev events.Event) {
	if b.hub != nil {
		b.hub.Publish(ev)
	}
}

func (b *Bridge) transcribe(conversationID, role, text string, data map[string]interface{}) {
	if conversationID == "" {
		return
	}
	if _, err := b.store.AppendTranscript(conversationID, store.Entry{
		Role: role,
		Ts:   time.Now().UnixMilli(),
		Text: text,
		Data: data,
	}); err != nil {
		b.logger.Error("transcript append failed",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}
