// Package store owns the per-conversation directory arena: SSOT meta,
// curated transcript, and the process-wide active pointer. In-memory
// handles hold only conversation ids and ask the store for content.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/framework-shells/appserver/internal/common/logger"
)

// Store errors surfaced with stable kinds at the API boundary.
var (
	ErrNotFound          = errors.New("conversation not found")
	ErrImmutableThreadID = errors.New("immutable_thread_id")
	ErrActiveConversation = errors.New("conversation is active; clear the active pointer before deleting")
)

const (
	appServerDir    = "app_server"
	conversationsDir = "conversations"
	metaFile        = "conversation_meta.json"
	activeFile      = "app_server_config.json"
)

// Store manages conversation directories under <cacheRoot>/app_server.
// Each conversation directory is exclusively owned by this process.
type Store struct {
	root   string // <cacheRoot>/app_server
	logger *logger.Logger

	// Per-conversation locks serialize meta writes and transcript appends.
	mu    sync.Mutex
	locks map[string]*convLock

	// Active pointer (single-writer, many-reader).
	activeMu sync.RWMutex
	active   ActiveState
}

type convLock struct {
	meta       sync.Mutex
	transcript sync.Mutex
	nextSeq    int64 // 0 = not yet loaded from disk
}

// New opens (creating if needed) the store rooted at cacheRoot and
// restores the persisted active pointer.
func New(cacheRoot string, log *logger.Logger) (*Store, error) {
	root := filepath.Join(cacheRoot, appServerDir)
	if err := os.MkdirAll(filepath.Join(root, conversationsDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}

	s := &Store{
		root:   root,
		logger: log.WithFields(zap.String("component", "store")),
		locks:  make(map[string]*convLock),
	}

	if raw, err := os.ReadFile(filepath.Join(root, activeFile)); err == nil {
		var st ActiveState
		if err := json.Unmarshal(raw, &st); err == nil {
			s.active = st
		}
	}
	return s, nil
}

// Root returns the store root (<cacheRoot>/app_server).
func (s *Store) Root() string {
	return s.root
}

// ConversationDir returns the directory for one conversation.
func (s *Store) ConversationDir(id string) string {
	return filepath.Join(s.root, conversationsDir, id)
}

// AgentPTYDir returns the PTY artifact directory for one conversation.
func (s *Store) AgentPTYDir(id string) string {
	return filepath.Join(s.ConversationDir(id), "agent_pty")
}

func (s *Store) lockFor(id string) *convLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &convLock{}
		s.locks[id] = l
	}
	return l
}

// CreateConversation allocates a new conversation directory with draft
// meta and an empty transcript, returning its id.
func (s *Store) CreateConversation() (string, error) {
	id := uuid.New().String()
	dir := s.ConversationDir(id)
	if err := os.MkdirAll(filepath.Join(dir, "agent_pty"), 0o755); err != nil {
		return "", fmt.Errorf("failed to create conversation dir: %w", err)
	}

	meta := Meta{
		ConversationID: id,
		Settings:       Settings{},
		CreatedAt:      time.Now().UnixMilli(),
		Status:         StatusDraft,
	}
	if err := s.writeMeta(id, &meta); err != nil {
		return "", err
	}
	if f, err := os.OpenFile(filepath.Join(dir, transcriptFile), os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
		_ = f.Close()
	}

	s.logger.Info("created conversation", zap.String("conversation_id", id))
	return id, nil
}

// ListConversations scans the conversation directory and returns metas
// ordered by created_at descending.
func (s *Store) ListConversations() ([]Meta, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, conversationsDir))
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversations: %w", err)
	}
	metas := make([]Meta, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.LoadMeta(e.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable conversation",
				zap.String("conversation_id", e.Name()), zap.Error(err))
			continue
		}
		metas = append(metas, *meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt > metas[j].CreatedAt })
	return metas, nil
}

// LoadMeta reads one conversation's SSOT meta.
func (s *Store) LoadMeta(id string) (*Meta, error) {
	raw, err := os.ReadFile(filepath.Join(s.ConversationDir(id), metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse meta: %w", err)
	}
	return &meta, nil
}

// SaveMeta atomically persists the meta after validating invariants:
// conversation_id is immutable and thread_id is write-once.
func (s *Store) SaveMeta(id string, meta *Meta) error {
	l := s.lockFor(id)
	l.meta.Lock()
	defer l.meta.Unlock()

	current, err := s.LoadMeta(id)
	if err != nil {
		return err
	}
	if meta.ConversationID == "" {
		meta.ConversationID = current.ConversationID
	}
	if meta.ConversationID != current.ConversationID {
		return fmt.Errorf("conversation_id is immutable")
	}
	if current.ThreadID != "" && meta.ThreadID != current.ThreadID {
		return ErrImmutableThreadID
	}
	if meta.CreatedAt == 0 {
		meta.CreatedAt = current.CreatedAt
	}
	return s.writeMeta(id, meta)
}

// MutateMeta loads, applies fn under the meta lock, and saves. Invariants
// are enforced by the same path as SaveMeta.
func (s *Store) MutateMeta(id string, fn func(*Meta) error) (*Meta, error) {
	l := s.lockFor(id)
	l.meta.Lock()
	defer l.meta.Unlock()

	current, err := s.LoadMeta(id)
	if err != nil {
		return nil, err
	}
	prevThread := current.ThreadID
	if err := fn(current); err != nil {
		return nil, err
	}
	if prevThread != "" && current.ThreadID != prevThread {
		return nil, ErrImmutableThreadID
	}
	if err := s.writeMeta(id, current); err != nil {
		return nil, err
	}
	return current, nil
}

// writeMeta performs the crash-safe temp+rename write.
func (s *Store) writeMeta(id string, meta *Meta) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}
	path := filepath.Join(s.ConversationDir(id), metaFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write meta: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit meta: %w", err)
	}
	return nil
}

// Select updates and persists the process-wide active pointer. At most one
// conversation is active at a time.
func (s *Store) Select(id, view string) error {
	if id != "" {
		if _, err := s.LoadMeta(id); err != nil {
			return err
		}
	}
	s.activeMu.Lock()
	s.active = ActiveState{ActiveConversationID: id, ActiveView: view}
	state := s.active
	s.activeMu.Unlock()

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.root, activeFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write active state: %w", err)
	}
	return os.Rename(tmp, path)
}

// Active returns the current active pointer.
func (s *Store) Active() ActiveState {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return s.active
}

// Delete removes a conversation directory. The active pointer must be
// cleared (or pointing elsewhere) first.
func (s *Store) Delete(id string) error {
	if s.Active().ActiveConversationID == id {
		return ErrActiveConversation
	}
	if _, err := s.LoadMeta(id); err != nil {
		return err
	}
	if err := os.RemoveAll(s.ConversationDir(id)); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
	s.logger.Info("deleted conversation", zap.String("conversation_id", id))
	return nil
}
