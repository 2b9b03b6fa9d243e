package agentpty

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/framework-shells/appserver/internal/common/logger"
	"github.com/framework-shells/appserver/internal/events"
	"github.com/framework-shells/appserver/internal/shellrt"
)

// BlockEndHandler receives finished user blocks, keyed by conversation.
type BlockEndHandler func(conversationID string, info BlockEndInfo)

// ManagerConfig carries session defaults shared by all conversations.
type ManagerConfig struct {
	Shell      []string
	Cols       int
	Rows       int
	Scrollback int
}

// Manager owns at most one PTY session per conversation.
type Manager struct {
	rt         *shellrt.Runtime
	cfg        ManagerConfig
	logger     *logger.Logger
	emit       func(events.Event)
	onBlockEnd BlockEndHandler

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates the session manager.
func NewManager(rt *shellrt.Runtime, cfg ManagerConfig, log *logger.Logger, emit func(events.Event), onBlockEnd BlockEndHandler) *Manager {
	return &Manager{
		rt:         rt,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "agent-pty-manager")),
		emit:       emit,
		onBlockEnd: onBlockEnd,
		sessions:   make(map[string]*Session),
	}
}

// Open returns the conversation's session, starting one on first use. dir
// is the conversation's agent_pty directory; cwd seeds the shell.
func (m *Manager) Open(conversationID, dir, cwd string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[conversationID]; ok {
		return sess, nil
	}

	var onEnd func(BlockEndInfo)
	if m.onBlockEnd != nil {
		handler := m.onBlockEnd
		onEnd = func(info BlockEndInfo) { handler(conversationID, info) }
	}

	sess, err := NewSession(m.rt, SessionConfig{
		ConversationID: conversationID,
		Dir:            dir,
		Shell:          m.cfg.Shell,
		Cwd:            cwd,
		Cols:           m.cfg.Cols,
		Rows:           m.cfg.Rows,
		Scrollback:     m.cfg.Scrollback,
	}, m.logger, m.emit, onEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to open session for %s: %w", conversationID, err)
	}
	m.sessions[conversationID] = sess
	return sess, nil
}

// Get returns an already-open session.
func (m *Manager) Get(conversationID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[conversationID]
	return sess, ok
}

// Close ends and forgets one conversation's session.
func (m *Manager) Close(conversationID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[conversationID]
	delete(m.sessions, conversationID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.Close()
}

// CloseAll ends every session; used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		sessions = append(sessions, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.Close()
	}
}
