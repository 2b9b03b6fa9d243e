package agentpty

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framework-shells/appserver/internal/common/logger"
)

// newIngestSession builds a session around real files but no shell, so
// tests can drive the line assembler directly with synthetic byte streams.
func newIngestSession(t *testing.T) *Session {
	t.Helper()
	dir := t.TempDir()

	sp, err := OpenSpool(filepath.Join(dir, "output.spool"))
	require.NoError(t, err)
	raw, err := os.OpenFile(filepath.Join(dir, "output.raw"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	blocks, err := NewBlockStore(dir, "conv-1")
	require.NoError(t, err)
	screen, err := NewScreen(dir, 80, 24, 100, nil)
	require.NoError(t, err)

	s := &Session{
		cfg:    SessionConfig{ConversationID: "conv-1", Dir: dir},
		logger: logger.Default(),
		spool:  sp,
		raw:    raw,
		blocks: blocks,
		screen: screen,
		mode:   ModeIdle,
	}
	t.Cleanup(func() {
		_ = screen.Close()
		_ = blocks.Close()
		_ = raw.Close()
		_ = sp.Close()
	})
	return s
}

func modeOf(s *Session) Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func spoolContent(t *testing.T, s *Session) string {
	t.Helper()
	data, err := s.spool.ReadAt(0, 0)
	require.NoError(t, err)
	return string(data)
}

func TestIngestStripsMarkersFromSpool(t *testing.T) {
	s := newIngestSession(t)

	s.ingest([]byte(FormatBegin(1, 1000, "/work", "echo hi") + "\r\n"))
	assert.Equal(t, ModeBlockRunning, modeOf(s))

	s.ingest([]byte("hi\r\n"))
	s.ingest([]byte(FormatEnd(1, 1001, 0) + "\r\n"))
	assert.Equal(t, ModeIdle, modeOf(s))

	exit := 0
	s.ingest([]byte(FormatPrompt(1002, "/work", &exit) + "\r\n"))

	out := spoolContent(t, s)
	assert.Equal(t, "hi\n", out)
	assert.NotContains(t, out, "__FWS_")
	assert.Equal(t, int64(len(out)), s.spool.PromptSince(0))

	blocks, _, err := s.blocks.Since(0)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "echo hi", blocks[0].Cmd)
	assert.Equal(t, "/work", blocks[0].Cwd)
	assert.Equal(t, StatusCompleted, blocks[0].Status)
	require.NotNil(t, blocks[0].ExitCode)
	assert.Equal(t, 0, *blocks[0].ExitCode)

	lines, err := s.blocks.ReadOutput(blocks[0].BlockID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, lines)

	// The raw log keeps every byte, markers included.
	raw, err := os.ReadFile(filepath.Join(s.cfg.Dir, "output.raw"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), MarkerBlockBegin)
	assert.Contains(t, string(raw), MarkerPrompt)
}

func TestIngestMarkersSplitAcrossChunks(t *testing.T) {
	s := newIngestSession(t)

	stream := FormatBegin(1, 1, "/w", "ls") + "\n" +
		"file-a\nfile-b\n" +
		FormatEnd(1, 2, 0) + "\n" +
		FormatPrompt(3, "/w", nil) + "\n"

	for i := 0; i < len(stream); i += 7 {
		end := i + 7
		if end > len(stream) {
			end = len(stream)
		}
		s.ingest([]byte(stream[i:end]))
	}

	assert.Equal(t, "file-a\nfile-b\n", spoolContent(t, s))
	assert.Equal(t, ModeIdle, modeOf(s))

	blocks, _, err := s.blocks.Since(0)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, StatusCompleted, blocks[0].Status)
}

func TestIngestWithholdsPartialMarkerPrefix(t *testing.T) {
	s := newIngestSession(t)

	// A partial line that may still complete into a marker stays out of
	// the spool.
	s.ingest([]byte("__FWS_PRO"))
	assert.Empty(t, spoolContent(t, s))

	// It completes into a prompt sentinel: stripped, prompt marked.
	s.ingest([]byte("MPT__ ts=5 cwd_b64=\n"))
	assert.Empty(t, spoolContent(t, s))
	assert.Equal(t, int64(0), s.spool.PromptSince(0))
}

func TestIngestFlushesNonMarkerPartial(t *testing.T) {
	s := newIngestSession(t)

	// Interactive prompts without a newline must be awaitable right away.
	s.ingest([]byte("password: "))
	assert.Equal(t, "password: ", spoolContent(t, s))

	s.ingest([]byte("\n"))
	assert.Equal(t, "password: \n", spoolContent(t, s))

	// A line that only resembles a marker is forwarded, not swallowed.
	s.ingest([]byte("__FWS_NOT_A_MARKER\n"))
	assert.Equal(t, "password: \n__FWS_NOT_A_MARKER\n", spoolContent(t, s))
}

func TestIngestInteractiveUntilPrompt(t *testing.T) {
	s := newIngestSession(t)

	s.mu.Lock()
	s.pendingInteractive = true
	s.mu.Unlock()

	s.ingest([]byte(FormatBegin(1, 1, "/w", "vim notes.txt") + "\r\n"))
	assert.Equal(t, ModeInteractive, modeOf(s))

	// END alone does not leave interactive mode; the prompt sentinel does.
	s.ingest([]byte(FormatEnd(1, 2, 0) + "\r\n"))
	assert.Equal(t, ModeInteractive, modeOf(s))

	s.ingest([]byte(FormatPrompt(3, "/w", nil) + "\r\n"))
	assert.Equal(t, ModeIdle, modeOf(s))
}

func TestIngestPromptFinalizesLostBlock(t *testing.T) {
	s := newIngestSession(t)

	s.ingest([]byte(FormatBegin(1, 1, "/w", "make") + "\r\nbuilding\r\n"))
	assert.Equal(t, ModeBlockRunning, modeOf(s))

	// No END marker arrives; the prompt sentinel closes the block.
	exit := 2
	s.ingest([]byte(FormatPrompt(2, "/w", &exit) + "\r\n"))
	assert.Equal(t, ModeIdle, modeOf(s))

	blocks, _, err := s.blocks.Since(0)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, StatusFailed, blocks[0].Status)
	require.NotNil(t, blocks[0].ExitCode)
	assert.Equal(t, 2, *blocks[0].ExitCode)
}

func TestIngestBeginWhileOpenCancelsPrevious(t *testing.T) {
	s := newIngestSession(t)

	s.ingest([]byte(FormatBegin(1, 1, "/w", "first") + "\r\n"))
	s.ingest([]byte(FormatBegin(2, 2, "/w", "second") + "\r\n"))

	blocks, _, err := s.blocks.Since(0)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "first", blocks[0].Cmd)
	assert.Equal(t, StatusCancelled, blocks[0].Status)
	assert.Equal(t, ModeBlockRunning, modeOf(s))
}

func TestExecRejectedWhileBlockRunning(t *testing.T) {
	s := newIngestSession(t)
	s.ingest([]byte(FormatBegin(1, 1, "/w", "sleep 60") + "\r\n"))

	_, err := s.ExecBlock(context.Background(), "ls")
	assert.ErrorIs(t, err, ErrBusy)

	_, err = s.ExecInteractive(context.Background(), "vim")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestExecBlockRejectedWhileInteractive(t *testing.T) {
	s := newIngestSession(t)
	s.mu.Lock()
	s.pendingInteractive = true
	s.mu.Unlock()
	s.ingest([]byte(FormatBegin(1, 1, "/w", "vim") + "\r\n"))

	_, err := s.ExecBlock(context.Background(), "ls")
	assert.ErrorIs(t, err, ErrModeInteractive)

	_, err = s.ExecInteractive(context.Background(), "htop")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestExecValidatesCommandLine(t *testing.T) {
	s := newIngestSession(t)

	_, err := s.ExecBlock(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = s.ExecBlock(context.Background(), "echo a\necho b")
	assert.ErrorIs(t, err, ErrValidation)
}
