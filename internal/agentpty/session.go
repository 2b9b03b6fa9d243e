// Package agentpty drives one interactive shell per conversation through a
// pseudo-terminal, segmenting its output into command blocks via shell
// integration markers. The normalized (marker-free, LF-only) stream lands
// in an awaitable spool; the raw bytes feed a terminal-screen model and a
// byte-exact log.
package agentpty

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/framework-shells/appserver/internal/common/logger"
	"github.com/framework-shells/appserver/internal/events"
	"github.com/framework-shells/appserver/internal/shellrt"
)

// Session modes. Exec calls are rejected while a block runs; exec_block is
// additionally rejected while interactive.
type Mode string

const (
	ModeIdle         Mode = "idle"
	ModeBlockRunning Mode = "block_running"
	ModeInteractive  Mode = "interactive"
)

// execSettleTimeout bounds how long an exec call waits for the shell to
// acknowledge the command with a BEGIN marker.
const execSettleTimeout = 10 * time.Second

// blockEndPreviewCap bounds how much block output is re-read for the
// block-end callback.
const blockEndPreviewCap = 16 * 1024

// SessionConfig describes one conversation's PTY session.
type SessionConfig struct {
	ConversationID string
	Dir            string // per-conversation agent_pty directory
	Shell          []string
	Cwd            string
	Cols           int
	Rows           int
	Scrollback     int
}

// BlockEndInfo is handed to the block-end callback when a user command
// finishes; Output is a bounded tail of the block's output.
type BlockEndInfo struct {
	BlockID  string
	Cmd      string
	Cwd      string
	ExitCode int
	Ts       int64
	Output   string
}

// SessionStatus is the status surface of one session.
type SessionStatus struct {
	ConversationID string `json:"conversation_id"`
	ShellID        string `json:"shell_id"`
	Alive          bool   `json:"alive"`
	Mode           Mode   `json:"mode"`
	CurrentBlock   string `json:"current_block,omitempty"`
	SpoolSize      int64  `json:"spool_size"`
	AltScreen      bool   `json:"alt_screen"`
}

// Session supervises one shell: it owns the line assembler that parses and
// strips markers, the spool, the block store, and the screen model.
type Session struct {
	cfg    SessionConfig
	rt     *shellrt.Runtime
	logger *logger.Logger

	emit       func(events.Event)
	onBlockEnd func(BlockEndInfo)

	spool  *Spool
	raw    *os.File
	blocks *BlockStore
	screen *Screen

	// writeMu serializes PTY input. ExpectSend holds it across the wait so
	// nothing interleaves between the match and the send.
	writeMu sync.Mutex

	mu                 sync.Mutex
	shellID            string
	cancelSub          func()
	mode               Mode
	currentBlock       string
	currentCmd         string
	currentCwd         string
	partial            []byte
	partialFlushed     int
	pendingExec        chan string
	pendingInteractive bool
	closed             bool
	done               chan struct{}
}

// NewSession opens the session's files, writes the managed rcfile, spawns
// the shell, and starts the supervisor loops.
func NewSession(rt *shellrt.Runtime, cfg SessionConfig, log *logger.Logger, emit func(events.Event), onBlockEnd func(BlockEndInfo)) (*Session, error) {
	if cfg.ConversationID == "" || cfg.Dir == "" {
		return nil, fmt.Errorf("%w: conversation id and dir are required", ErrValidation)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if len(cfg.Shell) == 0 {
		cfg.Shell = []string{"bash"}
	}

	sp, err := OpenSpool(filepath.Join(cfg.Dir, "output.spool"))
	if err != nil {
		return nil, err
	}
	raw, err := os.OpenFile(filepath.Join(cfg.Dir, "output.raw"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = sp.Close()
		return nil, err
	}
	blocks, err := NewBlockStore(cfg.Dir, cfg.ConversationID)
	if err != nil {
		_ = sp.Close()
		_ = raw.Close()
		return nil, err
	}

	s := &Session{
		cfg:        cfg,
		rt:         rt,
		logger:     log.WithFields(zap.String("component", "agent-pty"), zap.String("conversation_id", cfg.ConversationID)),
		emit:       emit,
		onBlockEnd: onBlockEnd,
		spool:      sp,
		raw:        raw,
		blocks:     blocks,
		mode:       ModeIdle,
	}

	screen, err := NewScreen(cfg.Dir, cfg.Cols, cfg.Rows, cfg.Scrollback, s.emitScreenDelta)
	if err != nil {
		_ = sp.Close()
		_ = raw.Close()
		_ = blocks.Close()
		return nil, err
	}
	s.screen = screen

	if err := s.spawn(); err != nil {
		_ = sp.Close()
		_ = raw.Close()
		_ = blocks.Close()
		_ = screen.Close()
		return nil, err
	}
	return s, nil
}

// spawn starts (or restarts) the shell and wires the reader loop. Caller
// must not hold s.mu.
func (s *Session) spawn() error {
	rc, err := WriteRcfile(s.cfg.Dir)
	if err != nil {
		return err
	}

	argv := append(append([]string{}, s.cfg.Shell...), "--rcfile", rc, "-i")
	shellID, err := s.rt.Spawn(shellrt.Spec{
		Argv:    argv,
		Cwd:     s.cfg.Cwd,
		Backend: shellrt.BackendPTY,
		Cols:    s.cfg.Cols,
		Rows:    s.cfg.Rows,
		Labels:  map[string]string{"conversation_id": s.cfg.ConversationID, "role": "agent-pty"},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to spawn session shell: %w", err)
	}

	ch, cancel, err := s.rt.Subscribe(shellID)
	if err != nil {
		_ = s.rt.Terminate(shellID, true)
		return err
	}

	if err := os.WriteFile(filepath.Join(s.cfg.Dir, "shell_id.txt"), []byte(shellID+"\n"), 0o644); err != nil {
		s.logger.Warn("failed to persist shell id", zap.Error(err))
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.shellID = shellID
	s.cancelSub = cancel
	s.done = done
	s.mode = ModeIdle
	s.partial = s.partial[:0]
	s.partialFlushed = 0
	s.mu.Unlock()

	go s.readLoop(ch, done)
	go s.flushLoop(done)
	return nil
}

func (s *Session) readLoop(ch <-chan []byte, done chan struct{}) {
	for chunk := range ch {
		s.ingest(chunk)
	}
	s.handleShellExit()
	close(done)
}

// flushLoop drives the screen delta/snapshot cadence.
func (s *Session) flushLoop(done chan struct{}) {
	ticker := time.NewTicker(minDeltaInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.screen.Flush(false)
		case <-done:
			return
		}
	}
}

func (s *Session) emitScreenDelta(d ScreenDelta) {
	if s.emit == nil {
		return
	}
	s.emit(events.Event{
		Type:           events.TypeScreenDelta,
		ConversationID: s.cfg.ConversationID,
		Rows:           d.Rows,
	})
}

// ingest processes one raw chunk: the raw log and the screen see every
// byte; the spool sees normalized marker-free text. A trailing partial
// line is flushed early unless it could still turn into a marker, so
// interactive prompts with no newline stay awaitable.
func (s *Session) ingest(chunk []byte) {
	_, _ = s.raw.Write(chunk)
	s.screen.Write(chunk)

	norm := NormalizeNewlines(chunk)

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(norm) > 0 {
		idx := bytes.IndexByte(norm, '\n')
		if idx < 0 {
			s.partial = append(s.partial, norm...)
			break
		}
		s.partial = append(s.partial, norm[:idx]...)
		s.completeLineLocked(string(s.partial))
		s.partial = s.partial[:0]
		s.partialFlushed = 0
		norm = norm[idx+1:]
	}

	if len(s.partial) > s.partialFlushed && !couldBeMarkerPrefix(s.partial) {
		s.forwardLocked(s.partial[s.partialFlushed:])
		s.partialFlushed = len(s.partial)
	}
}

// couldBeMarkerPrefix reports whether a partial line might still complete
// into a marker, in which case it is withheld from the spool.
func couldBeMarkerPrefix(partial []byte) bool {
	p := string(partial)
	for _, m := range []string{MarkerBlockBegin, MarkerBlockEnd, MarkerPrompt} {
		if strings.HasPrefix(p, m) || strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}

// forwardLocked writes normalized output to the spool and, when a block is
// open, to the block's output file.
func (s *Session) forwardLocked(data []byte) {
	if len(data) == 0 {
		return
	}
	if _, err := s.spool.Append(data); err != nil {
		s.logger.Error("spool append failed", zap.Error(err))
	}
	if s.currentBlock != "" {
		if err := s.blocks.AppendOutput(s.currentBlock, time.Now().UnixMilli(), data); err != nil {
			s.logger.Error("block output append failed", zap.Error(err))
		}
	}
}

func (s *Session) completeLineLocked(line string) {
	if IsMarkerLine(line) {
		if m, err := ParseMarker(line); err == nil {
			s.handleMarkerLocked(m)
			return
		}
	}

	s.forwardLocked([]byte(line[s.partialFlushed:] + "\n"))
	s.screen.PushScrollback(line)

	if s.emit != nil && s.currentBlock != "" {
		s.emit(events.Event{
			Type:           events.TypeShellDelta,
			ConversationID: s.cfg.ConversationID,
			BlockID:        s.currentBlock,
			Text:           line,
		})
	}
}

func (s *Session) handleMarkerLocked(m *Marker) {
	switch m.Kind {
	case MarkerBlockBegin:
		if s.currentBlock != "" {
			// BEGIN while a block is open: the previous END was lost.
			s.finalizeBlockLocked(nil, StatusCancelled)
		}
		blockID := uuid.New().String()
		interactive := s.pendingInteractive
		if err := s.blocks.Begin(blockID, m.Cmd, m.Cwd, m.Ts, interactive); err != nil {
			s.logger.Error("failed to open block", zap.Error(err))
			return
		}
		s.currentBlock = blockID
		s.currentCmd = m.Cmd
		s.currentCwd = m.Cwd
		if interactive {
			s.mode = ModeInteractive
		} else {
			s.mode = ModeBlockRunning
		}
		s.pendingInteractive = false
		if s.pendingExec != nil {
			s.pendingExec <- blockID
			s.pendingExec = nil
		}
		if s.emit != nil {
			s.emit(events.Event{
				Type:           events.TypeShellBegin,
				ConversationID: s.cfg.ConversationID,
				BlockID:        blockID,
				Cmd:            m.Cmd,
				Cwd:            m.Cwd,
			})
		}

	case MarkerBlockEnd:
		if s.currentBlock == "" {
			return
		}
		s.finalizeBlockLocked(m.Exit, "")
		if s.mode == ModeBlockRunning {
			s.mode = ModeIdle
		}

	case MarkerPrompt:
		// The prompt sentinel is the authority: it finalizes any block the
		// END marker missed, exits interactive mode, and is a no-op when
		// already idle.
		if s.currentBlock != "" {
			s.finalizeBlockLocked(m.Exit, "")
		}
		s.mode = ModeIdle
		s.spool.MarkPrompt()
		s.screen.Flush(true)
	}
}

func (s *Session) finalizeBlockLocked(exit *int, status string) {
	blockID := s.currentBlock
	cmd, cwd := s.currentCmd, s.currentCwd
	s.currentBlock = ""
	s.currentCmd = ""
	s.currentCwd = ""

	ts := time.Now().UnixMilli()
	blk, err := s.blocks.End(blockID, ts, exit, status)
	if err != nil {
		s.logger.Error("failed to finalize block", zap.String("block_id", blockID), zap.Error(err))
		return
	}

	if s.emit != nil {
		s.emit(events.Event{
			Type:           events.TypeShellEnd,
			ConversationID: s.cfg.ConversationID,
			BlockID:        blockID,
			Cmd:            cmd,
			Cwd:            cwd,
			ExitCode:       blk.ExitCode,
		})
	}

	if s.onBlockEnd != nil && blk.Status != StatusCancelled {
		rc := 0
		if blk.ExitCode != nil {
			rc = *blk.ExitCode
		}
		s.onBlockEnd(BlockEndInfo{
			BlockID:  blockID,
			Cmd:      cmd,
			Cwd:      cwd,
			ExitCode: rc,
			Ts:       ts,
			Output:   s.blockOutputTail(blockID),
		})
	}
}

func (s *Session) blockOutputTail(blockID string) string {
	raw, err := os.ReadFile(filepath.Join(s.cfg.Dir, "blocks", blockID+".out"))
	if err != nil {
		return ""
	}
	if len(raw) > blockEndPreviewCap {
		raw = raw[len(raw)-blockEndPreviewCap:]
	}
	return string(raw)
}

// handleShellExit runs when the PTY reader drains: any open block is
// cancelled, the spool is terminated, and a final snapshot is forced.
func (s *Session) handleShellExit() {
	s.mu.Lock()
	if s.currentBlock != "" {
		s.finalizeBlockLocked(nil, StatusCancelled)
	}
	s.mode = ModeIdle
	s.mu.Unlock()

	s.spool.MarkEOF()
	s.screen.Flush(true)
	s.logger.Info("session shell exited")

	if s.emit != nil {
		s.emit(events.Event{
			Type:           events.TypeStatus,
			ConversationID: s.cfg.ConversationID,
			Text:           "pty_exited",
		})
	}
}

// exec writes a command line to the shell and waits for the BEGIN marker
// that acknowledges it.
func (s *Session) exec(ctx context.Context, cmd string, interactive bool) (string, error) {
	if strings.TrimSpace(cmd) == "" {
		return "", fmt.Errorf("%w: empty command", ErrValidation)
	}
	if strings.ContainsAny(cmd, "\n\r") {
		return "", fmt.Errorf("%w: command must be a single line", ErrValidation)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionGone
	}
	switch s.mode {
	case ModeBlockRunning:
		s.mu.Unlock()
		return "", ErrBusy
	case ModeInteractive:
		s.mu.Unlock()
		if !interactive {
			return "", ErrModeInteractive
		}
		return "", ErrBusy
	}
	ack := make(chan string, 1)
	s.pendingExec = ack
	s.pendingInteractive = interactive
	shellID := s.shellID
	s.mu.Unlock()

	clearPending := func() {
		s.mu.Lock()
		if s.pendingExec == ack {
			s.pendingExec = nil
			s.pendingInteractive = false
		}
		s.mu.Unlock()
	}

	s.writeMu.Lock()
	err := s.rt.Write(shellID, []byte(cmd+"\r"))
	s.writeMu.Unlock()
	if err != nil {
		clearPending()
		if shellGone(err) {
			return "", ErrSessionGone
		}
		return "", err
	}

	select {
	case blockID := <-ack:
		return blockID, nil
	case <-time.After(execSettleTimeout):
		clearPending()
		return "", fmt.Errorf("%w: shell did not acknowledge command", ErrTimeout)
	case <-ctx.Done():
		clearPending()
		return "", ctx.Err()
	}
}

// ExecBlock runs one command as a bounded block. Rejected while a block is
// running (busy) or while interactive (mode_interactive).
func (s *Session) ExecBlock(ctx context.Context, cmd string) (string, error) {
	return s.exec(ctx, cmd, false)
}

// ExecInteractive starts a full-screen or REPL-style command. The session
// stays interactive until the next prompt sentinel.
func (s *Session) ExecInteractive(ctx context.Context, cmd string) (string, error) {
	return s.exec(ctx, cmd, true)
}

// Send writes raw keystrokes to the PTY.
func (s *Session) Send(data string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionGone
	}
	shellID := s.shellID
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.rt.Write(shellID, []byte(data)); err != nil {
		if shellGone(err) {
			return ErrSessionGone
		}
		return err
	}
	return nil
}

// WaitFor blocks until the spool matches past fromCursor.
func (s *Session) WaitFor(ctx context.Context, spec MatchSpec, fromCursor int64, timeout time.Duration, maxBytes int64) (*WaitResult, error) {
	return WaitFor(ctx, s.spool, spec, fromCursor, timeout, maxBytes)
}

// ExpectSend waits for the match and, on a hit, sends the keystrokes with
// no other writer able to interleave.
func (s *Session) ExpectSend(ctx context.Context, spec MatchSpec, fromCursor int64, timeout time.Duration, send string) (*WaitResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := WaitFor(ctx, s.spool, spec, fromCursor, timeout, 0)
	if err != nil {
		return res, err
	}
	if !res.Matched {
		return res, nil
	}

	s.mu.Lock()
	shellID := s.shellID
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return res, ErrSessionGone
	}
	if err := s.rt.Write(shellID, []byte(send)); err != nil {
		if shellGone(err) {
			return res, ErrSessionGone
		}
		return res, err
	}
	return res, nil
}

// Resize resizes both the PTY and the screen model.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	shellID := s.shellID
	s.mu.Unlock()
	if err := s.rt.Resize(shellID, uint16(cols), uint16(rows)); err != nil {
		return err
	}
	s.screen.Resize(cols, rows)
	return nil
}

// EndSession interrupts any foreground command, asks the shell to exit,
// and falls back to termination when it lingers.
func (s *Session) EndSession(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	shellID := s.shellID
	done := s.done
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = s.rt.Write(shellID, []byte{0x03})
	time.Sleep(100 * time.Millisecond)
	_ = s.rt.Write(shellID, []byte("exit\r"))
	s.writeMu.Unlock()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		_ = s.rt.Terminate(shellID, true)
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Reset terminates the current shell and spawns a fresh one. The spool,
// block history, and screen files persist across resets.
func (s *Session) Reset() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionGone
	}
	shellID := s.shellID
	cancel := s.cancelSub
	done := s.done
	s.mu.Unlock()

	_ = s.rt.Terminate(shellID, true)
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	return s.spawn()
}

// Status reports the session's current mode and liveness.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	shellID := s.shellID
	mode := s.mode
	block := s.currentBlock
	s.mu.Unlock()

	alive := false
	if st, err := s.rt.Status(shellID); err == nil {
		alive = st.Alive
	}
	return SessionStatus{
		ConversationID: s.cfg.ConversationID,
		ShellID:        shellID,
		Alive:          alive,
		Mode:           mode,
		CurrentBlock:   block,
		SpoolSize:      s.spool.Size(),
		AltScreen:      s.screen.AltScreen(),
	}
}

// ReadSpool returns up to max normalized bytes starting at from.
func (s *Session) ReadSpool(from, max int64) ([]byte, error) {
	return s.spool.ReadAt(from, max)
}

// ReadRaw returns up to max raw bytes (markers and control sequences
// included) starting at from.
func (s *Session) ReadRaw(from, max int64) ([]byte, error) {
	f, err := os.Open(filepath.Join(s.cfg.Dir, "output.raw"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	if from >= info.Size() {
		return []byte{}, nil
	}
	length := info.Size() - from
	if max > 0 && length > max {
		length = max
	}
	buf := make([]byte, length)
	n, _ := f.ReadAt(buf, from)
	return buf[:n], nil
}

// Blocks exposes the session's block store for queries.
func (s *Session) Blocks() *BlockStore {
	return s.blocks
}

// Screen exposes the screen model for snapshot queries.
func (s *Session) Screen() *Screen {
	return s.screen
}

// Subscribe attaches a raw output tap alongside the session's own reader.
// Used by the bidirectional PTY stream.
func (s *Session) Subscribe() (<-chan []byte, func(), error) {
	s.mu.Lock()
	shellID := s.shellID
	s.mu.Unlock()
	return s.rt.Subscribe(shellID)
}

// ShellID returns the current backing shell id.
func (s *Session) ShellID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shellID
}

// Close ends the shell and releases the session's files.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	shellID := s.shellID
	cancel := s.cancelSub
	done := s.done
	s.mu.Unlock()

	_ = s.rt.Terminate(shellID, true)
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}

	_ = s.screen.Close()
	_ = s.blocks.Close()
	_ = s.raw.Close()
	return s.spool.Close()
}

func shellGone(err error) bool {
	return errors.Is(err, shellrt.ErrShellGone)
}
