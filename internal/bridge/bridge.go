// Package bridge owns the shared Codex agent child: spawn and handshake,
// request correlation, the event router that turns raw protocol traffic
// into normalized events and transcript entries, approval relay, and SSOT
// settings injection.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/framework-shells/appserver/internal/common/config"
	"github.com/framework-shells/appserver/internal/common/logger"
	"github.com/framework-shells/appserver/internal/envelope"
	"github.com/framework-shells/appserver/internal/events"
	"github.com/framework-shells/appserver/internal/shellrt"
	"github.com/framework-shells/appserver/internal/store"
	"github.com/framework-shells/appserver/pkg/codex"
)

// Connection states. Re-entry into ready after a crash requires a full
// re-initialize.
type ConnState string

const (
	StateStopped     ConnState = "stopped"
	StateStarting    ConnState = "starting"
	StateInitialized ConnState = "initialized"
	StateReady       ConnState = "ready"
	StateCrashed     ConnState = "crashed"
)

// Bridge drives one shared Codex child for all conversations.
type Bridge struct {
	cfg    config.BridgeConfig
	rt     *shellrt.Runtime
	store  *store.Store
	hub    *events.Hub
	logger *logger.Logger

	approvals *approvalTable

	mu          sync.Mutex
	state       ConnState
	client      *codex.Client
	shellID     string
	cancelSub   func()
	stopReaders context.CancelFunc

	threads     map[string]string // thread id -> conversation id
	turns       map[string]*turnState
	currentConv string
}

// New creates the bridge. The child is spawned lazily on first use.
func New(cfg config.BridgeConfig, rt *shellrt.Runtime, st *store.Store, hub *events.Hub, log *logger.Logger) *Bridge {
	return &Bridge{
		cfg:       cfg,
		rt:        rt,
		store:     st,
		hub:       hub,
		logger:    log.WithFields(zap.String("component", "codex-bridge")),
		approvals: newApprovalTable(),
		state:     StateStopped,
		threads:   make(map[string]string),
		turns:     make(map[string]*turnState),
	}
}

// State reports the connection state.
func (b *Bridge) State() ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) rpcTimeout() time.Duration {
	if b.cfg.RPCTimeout <= 0 {
		return 15 * time.Second
	}
	return time.Duration(b.cfg.RPCTimeout) * time.Second
}

func (b *Bridge) initTimeout() time.Duration {
	if b.cfg.InitializeTimeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(b.cfg.InitializeTimeout) * time.Second
}

// shellStdin adapts runtime writes to the io.Writer the client expects.
type shellStdin struct {
	rt      *shellrt.Runtime
	shellID string
}

func (w *shellStdin) Write(p []byte) (int, error) {
	if err := w.rt.Write(w.shellID, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// chanReader adapts a subscription channel to the io.Reader the client's
// scanner consumes. Channel close reads as EOF.
type chanReader struct {
	ch  <-chan []byte
	buf []byte
}

func (r *chanReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, ok := <-r.ch
		if !ok {
			return 0, errors.New("EOF")
		}
		r.buf = chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Start spawns and initializes the agent child if it is not already
// running.
func (b *Bridge) Start(ctx context.Context) error {
	return b.ensureReady(ctx)
}

// ensureReady spawns and initializes the child if needed. The initialize
// handshake is sent exactly once per process incarnation.
func (b *Bridge) ensureReady(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateReady {
		b.mu.Unlock()
		return nil
	}
	if b.state == StateStarting || b.state == StateInitialized {
		b.mu.Unlock()
		return errf(KindInitializeFailed, "child is still initializing")
	}
	b.state = StateStarting
	b.mu.Unlock()

	if err := b.spawnAndInit(ctx); err != nil {
		b.mu.Lock()
		b.state = StateStopped
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *Bridge) spawnAndInit(ctx context.Context) error {
	if len(b.cfg.Command) == 0 {
		return errf(KindInitializeFailed, "no agent command configured")
	}

	shellID, err := b.rt.Spawn(shellrt.Spec{
		Argv:    b.cfg.Command,
		Backend: shellrt.BackendPipe,
		Labels:  map[string]string{"role": "codex-child"},
	}, nil)
	if err != nil {
		return errf(KindInitializeFailed, "failed to spawn agent child: %v", err)
	}

	ch, cancel, err := b.rt.Subscribe(shellID)
	if err != nil {
		_ = b.rt.Terminate(shellID, true)
		return errf(KindInitializeFailed, "failed to subscribe to agent child: %v", err)
	}

	client := codex.NewClient(&shellStdin{rt: b.rt, shellID: shellID}, &chanReader{ch: ch}, b.logger)
	client.SetNotificationHandler(b.handleNotification)
	client.SetRequestHandler(b.handleChildRequest)
	client.SetEOFHandler(b.handleChildEOF)

	readCtx, stopReaders := context.WithCancel(context.Background())
	client.Start(readCtx)

	b.mu.Lock()
	b.client = client
	b.shellID = shellID
	b.cancelSub = cancel
	b.stopReaders = stopReaders
	b.mu.Unlock()

	initCtx, cancelInit := context.WithTimeout(ctx, b.initTimeout())
	defer cancelInit()

	resp, err := client.Call(initCtx, codex.MethodInitialize, codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{Name: "appserver", Version: "1.0.0"},
	})
	if err != nil || resp.Error != nil {
		stopReaders()
		_ = b.rt.Terminate(shellID, true)
		if err != nil {
			return errf(KindInitializeFailed, "initialize failed: %v", err)
		}
		return errf(KindInitializeFailed, "initialize rejected: %s", resp.Error.Message)
	}
	if err := client.Notify(codex.MethodInitialized, nil); err != nil {
		b.logger.Warn("failed to send initialized notification", zap.Error(err))
	}

	b.mu.Lock()
	b.state = StateReady
	b.mu.Unlock()
	b.logger.Info("agent child initialized", zap.String("shell_id", shellID))
	return nil
}

// call issues one RPC with settings overlay and the bridge RPC timeout.
func (b *Bridge) call(ctx context.Context, conversationID, method string, params map[string]interface{}) (*codex.Response, error) {
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}

	if meta, err := b.store.LoadMeta(conversationID); err == nil {
		params = ApplySettings(method, params, meta.Settings)
	}

	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	rpcCtx, cancel := context.WithTimeout(ctx, b.rpcTimeout())
	defer cancel()

	resp, err := client.Call(rpcCtx, method, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errf(KindRPCTimeout, "%s timed out", method)
		}
		if b.State() == StateCrashed {
			return nil, errf(KindChildCrashed, "%s failed: child exited", method)
		}
		return nil, errf(KindRPCError, "%s failed: %v", method, err)
	}
	if resp.Error != nil {
		return nil, errf(KindRPCError, "%s: %s", method, resp.Error.Message)
	}
	return resp, nil
}

// EnsureThread binds the conversation to a child thread, resuming when a
// thread id is already recorded. The binding is write-once.
func (b *Bridge) EnsureThread(ctx context.Context, conversationID string) (string, error) {
	meta, err := b.store.LoadMeta(conversationID)
	if err != nil {
		return "", errf(KindValidation, "unknown conversation %s", conversationID)
	}

	if meta.ThreadID != "" {
		resp, err := b.call(ctx, conversationID, codex.MethodThreadResume,
			map[string]interface{}{"threadId": meta.ThreadID})
		if err != nil {
			return "", err
		}
		var result codex.ThreadResumeResult
		if jerr := json.Unmarshal(resp.Result, &result); jerr == nil && result.Thread != nil && result.Thread.ID != meta.ThreadID {
			return "", errf(KindImmutableThreadID,
				"child resumed thread %s but conversation is bound to %s", result.Thread.ID, meta.ThreadID)
		}
		b.bindThread(meta.ThreadID, conversationID)
		return meta.ThreadID, nil
	}

	resp, err := b.call(ctx, conversationID, codex.MethodThreadStart, map[string]interface{}{})
	if err != nil {
		return "", err
	}
	var result codex.ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil || result.Thread.ID == "" {
		return "", errf(KindRPCError, "thread/start returned no thread id")
	}
	threadID := result.Thread.ID

	if _, err := b.store.MutateMeta(conversationID, func(m *store.Meta) error {
		m.ThreadID = threadID
		return nil
	}); err != nil {
		if errors.Is(err, store.ErrImmutableThreadID) {
			return "", errf(KindImmutableThreadID, "conversation %s is already bound", conversationID)
		}
		return "", errf(KindRPCError, "failed to bind thread: %v", err)
	}
	b.bindThread(threadID, conversationID)
	return threadID, nil
}

func (b *Bridge) bindThread(threadID, conversationID string) {
	b.mu.Lock()
	b.threads[threadID] = conversationID
	b.currentConv = conversationID
	b.mu.Unlock()
}

// StartTurn submits user text as a turn. Any pending command buffer is
// flushed into a meta envelope prefixed to the first text item, and
// cleared only after the child accepts the turn.
func (b *Bridge) StartTurn(ctx context.Context, conversationID, text string) (string, error) {
	if text == "" {
		return "", errf(KindValidation, "empty turn text")
	}

	threadID, err := b.EnsureThread(ctx, conversationID)
	if err != nil {
		return "", err
	}

	outbound := text
	meta, merr := b.store.LoadMeta(conversationID)
	hadEnvelope := false
	if merr == nil && !meta.PendingCmdBuffer.Empty() {
		shellID := ""
		if sess := b.shellIDForConversation(conversationID); sess != "" {
			shellID = sess
		}
		if injected, ierr := envelope.Inject(text, conversationID, shellID, meta.PendingCmdBuffer); ierr == nil {
			outbound = injected
			hadEnvelope = true
		} else {
			b.logger.Warn("envelope injection failed", zap.Error(ierr))
		}
	}

	params := map[string]interface{}{
		"threadId": threadID,
		"input":    []codex.InputItem{{Type: "text", Text: outbound}},
	}
	resp, err := b.call(ctx, conversationID, codex.MethodTurnStart, params)
	if err != nil {
		return "", err
	}

	if hadEnvelope {
		if _, err := b.store.MutateMeta(conversationID, func(m *store.Meta) error {
			if m.PendingCmdBuffer != nil {
				m.PendingCmdBuffer.Reset()
			}
			return nil
		}); err != nil {
			b.logger.Warn("failed to clear pending command buffer", zap.Error(err))
		}
	}

	b.mu.Lock()
	b.currentConv = conversationID
	b.mu.Unlock()

	var result codex.TurnStartResult
	if err := json.Unmarshal(resp.Result, &result); err == nil && result.Turn != nil {
		return result.Turn.ID, nil
	}
	return "", nil
}

// shellIDForConversation reads the persisted PTY shell id, if any.
func (b *Bridge) shellIDForConversation(conversationID string) string {
	return readShellID(b.store.AgentPTYDir(conversationID))
}

// Interrupt aborts the conversation's in-flight turn.
func (b *Bridge) Interrupt(ctx context.Context, conversationID string) error {
	meta, err := b.store.LoadMeta(conversationID)
	if err != nil || meta.ThreadID == "" {
		return errf(KindValidation, "conversation %s has no thread", conversationID)
	}
	_, err = b.call(ctx, conversationID, codex.MethodTurnInterrupt,
		map[string]interface{}{"threadId": meta.ThreadID})
	return err
}

// PendingApprovals lists undecided approval requests.
func (b *Bridge) PendingApprovals(conversationID string) []*PendingApproval {
	return b.approvals.list(conversationID)
}

// Decide relays a user decision for a pending approval. The raw line is
// written to the child verbatim (plus trailing LF) so the child sees
// exactly the id it assigned. A decision for an unknown id is stale:
// logged and discarded without touching the child.
func (b *Bridge) Decide(id interface{}, rawLine []byte) error {
	pa, ok := b.approvals.take(id)
	if !ok {
		b.logger.Warn("stale approval decision discarded", zap.Any("request_id", id))
		return errf(KindApprovalStale, "no pending approval with id %v", id)
	}

	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return errf(KindChildCrashed, "agent child is not running")
	}
	if err := client.SendRaw(rawLine); err != nil {
		return errf(KindChildCrashed, "failed to relay decision: %v", err)
	}

	b.transcribe(pa.ConversationID, store.RoleApproval, "", map[string]interface{}{
		"request_id": pa.RequestID,
		"kind":       pa.Kind,
		"decided":    true,
	})
	return nil
}

// Passthrough writes a caller-controlled JSON-RPC line to the child. When
// the line answers a pending approval its table entry is removed.
func (b *Bridge) Passthrough(rawLine []byte) error {
	var probe struct {
		ID     interface{}     `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rawLine, &probe); err != nil {
		return errf(KindValidation, "passthrough line is not valid JSON: %v", err)
	}
	if probe.ID != nil && probe.Result != nil {
		return b.Decide(probe.ID, rawLine)
	}

	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return errf(KindChildCrashed, "agent child is not running")
	}
	if err := client.SendRaw(rawLine); err != nil {
		return errf(KindChildCrashed, "failed to write passthrough line: %v", err)
	}
	return nil
}

// handleChildEOF runs when the child's stdout closes. Open turns are
// errored, waiters were already failed by the client, and the crash is
// recorded in each affected transcript.
func (b *Bridge) handleChildEOF(readErr error) {
	b.mu.Lock()
	if b.state == StateStopped {
		b.mu.Unlock()
		return
	}
	b.state = StateCrashed
	shellID := b.shellID
	open := make([]*turnState, 0, len(b.turns))
	for id, t := range b.turns {
		open = append(open, t)
		delete(b.turns, id)
	}
	b.mu.Unlock()

	detail := ""
	if tail := b.rt.StderrTail(shellID); len(tail) > 0 {
		detail = tail[len(tail)-1]
	}
	b.logger.Error("agent child crashed",
		zap.Error(readErr), zap.String("stderr", detail))

	for _, t := range open {
		t.state = turnErrored
		b.emit(events.Event{
			Type:           events.TypeError,
			ConversationID: t.conversationID,
			TurnID:         t.turnID,
			Kind:           KindChildCrashed,
			Message:        "agent process exited unexpectedly",
		})
		b.transcribe(t.conversationID, store.RoleStatus, KindChildCrashed, map[string]interface{}{
			"stderr": detail,
		})
	}
}

// Stop terminates the child cleanly.
func (b *Bridge) Stop() {
	b.mu.Lock()
	state := b.state
	b.state = StateStopped
	client := b.client
	shellID := b.shellID
	cancel := b.cancelSub
	stop := b.stopReaders
	b.client = nil
	b.mu.Unlock()

	if state == StateStopped && client == nil {
		return
	}
	if client != nil {
		client.Stop()
	}
	if stop != nil {
		stop()
	}
	if cancel != nil {
		cancel()
	}
	if shellID != "" {
		_ = b.rt.Terminate(shellID, true)
	}
}

func (b *Bridge) emit(ev events.Event) {
	if b.hub != nil {
		b.hub.Publish(ev)
	}
}

func (b *Bridge) transcribe(conversationID, role string, text string, data map[string]interface{}) {
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
			zap.String("conversation_id", conversationID),
			zap.String("role", role),
			zap.Error(err))
	}
}

// conversationFor resolves a thread id to its conversation, falling back
// to the conversation that last started a turn.
func (b *Bridge) conversationFor(threadID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if threadID != "" {
		if conv, ok := b.threads[threadID]; ok {
			return conv
		}
	}
	return b.currentConv
}

func readShellID(dir string) string {
	raw, err := os.ReadFile(filepath.Join(dir, "shell_id.txt"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
