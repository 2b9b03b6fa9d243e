package agentpty

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBlockStore(t *testing.T) (*BlockStore, string) {
	t.Helper()
	dir := t.TempDir()
	bs, err := NewBlockStore(dir, "conv-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })
	return bs, dir
}

func intp(n int) *int { return &n }

func TestBlockLifecycle(t *testing.T) {
	bs, _ := newTestBlockStore(t)

	require.NoError(t, bs.Begin("b1", "ls -la", "/tmp", 100, false))
	blk, open := bs.OpenBlock("b1")
	require.True(t, open)
	assert.Equal(t, StatusRunning, blk.Status)

	require.NoError(t, bs.AppendOutput("b1", 101, []byte("total 0\n")))
	require.NoError(t, bs.AppendOutput("b1", 102, []byte("drwxr-xr-x .\n")))

	done, err := bs.End("b1", 103, intp(0), "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.TsEnd)
	assert.Equal(t, int64(103), *done.TsEnd)

	_, open = bs.OpenBlock("b1")
	assert.False(t, open)

	lines, err := bs.ReadOutput("b1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"total 0", "drwxr-xr-x ."}, lines)
}

func TestBlockEndStatusDefaults(t *testing.T) {
	bs, _ := newTestBlockStore(t)

	require.NoError(t, bs.Begin("fail", "false", "/", 1, false))
	done, err := bs.End("fail", 2, intp(1), "")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)

	require.NoError(t, bs.Begin("cancel", "sleep 100", "/", 3, false))
	done, err = bs.End("cancel", 4, nil, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.Nil(t, done.ExitCode)
}

func TestBlockEndUnknown(t *testing.T) {
	bs, _ := newTestBlockStore(t)
	_, err := bs.End("ghost", 1, intp(0), "")
	assert.ErrorIs(t, err, ErrUnknownBlock)
}

func TestBlockBeginTwice(t *testing.T) {
	bs, _ := newTestBlockStore(t)
	require.NoError(t, bs.Begin("dup", "ls", "/", 1, false))
	assert.Error(t, bs.Begin("dup", "ls", "/", 2, false))
}

func TestBlocksSincePaging(t *testing.T) {
	bs, _ := newTestBlockStore(t)

	require.NoError(t, bs.Begin("a", "echo a", "/", 1, false))
	_, err := bs.End("a", 2, intp(0), "")
	require.NoError(t, err)

	all, cursor, err := bs.Since(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a", all[0].BlockID)

	// Nothing new past the cursor.
	next, cursor2, err := bs.Since(cursor)
	require.NoError(t, err)
	assert.Empty(t, next)
	assert.Equal(t, cursor, cursor2)

	require.NoError(t, bs.Begin("b", "echo b", "/", 3, false))
	_, err = bs.End("b", 4, intp(0), "")
	require.NoError(t, err)

	next, cursor3, err := bs.Since(cursor)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "b", next[0].BlockID)
	assert.Greater(t, cursor3, cursor)
}

func TestBlockGetFinalizedAndRunning(t *testing.T) {
	bs, _ := newTestBlockStore(t)

	require.NoError(t, bs.Begin("done", "true", "/", 1, false))
	_, err := bs.End("done", 2, intp(0), "")
	require.NoError(t, err)
	require.NoError(t, bs.Begin("live", "top", "/", 3, true))

	blk, err := bs.Get("done")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, blk.Status)

	blk, err = bs.Get("live")
	require.NoError(t, err)
	assert.Equal(t, StatusInteractive, blk.Status)

	_, err = bs.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownBlock)
}

func TestBlockSearch(t *testing.T) {
	bs, _ := newTestBlockStore(t)

	require.NoError(t, bs.Begin("s1", "grep demo", "/", 1, false))
	require.NoError(t, bs.AppendOutput("s1", 2, []byte("alpha\nneedle here\nomega\n")))
	_, err := bs.End("s1", 3, intp(0), "")
	require.NoError(t, err)

	hits, err := bs.Search("", "needle")
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "s1", hits[0].BlockID)
	assert.Equal(t, 1, hits[0].Line)

	_, err = bs.Search("", "")
	assert.ErrorIs(t, err, ErrValidation)
}

// Replay over the recorded event stream must reproduce blocks.jsonl
// byte for byte; that is the recovery path for a lost index.
func TestReplayReproducesBlocksLog(t *testing.T) {
	bs, dir := newTestBlockStore(t)

	require.NoError(t, bs.Begin("r1", "make", "/src", 10, false))
	require.NoError(t, bs.AppendOutput("r1", 11, []byte("building\n")))
	_, err := bs.End("r1", 12, intp(0), "")
	require.NoError(t, err)

	require.NoError(t, bs.Begin("r2", "vim notes.txt", "/src", 13, true))
	_, err = bs.End("r2", 20, nil, StatusCompleted)
	require.NoError(t, err)

	require.NoError(t, bs.Begin("r3", "false", "/src", 21, false))
	_, err = bs.End("r3", 22, intp(1), "")
	require.NoError(t, err)

	events, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(dir, "blocks.jsonl"))
	require.NoError(t, err)

	var got bytes.Buffer
	require.NoError(t, Replay(bytes.NewReader(events), &got))
	assert.Equal(t, string(want), got.String())
}

// Every block's BEGIN precedes its END in the event log.
func TestEventOrdering(t *testing.T) {
	bs, dir := newTestBlockStore(t)

	require.NoError(t, bs.Begin("o1", "a", "/", 1, false))
	require.NoError(t, bs.Begin("o2", "b", "/", 2, false))
	_, err := bs.End("o2", 3, intp(0), "")
	require.NoError(t, err)
	_, err = bs.End("o1", 4, intp(0), "")
	require.NoError(t, err)

	events, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)

	begins := map[string]int{}
	for i, line := range bytes.Split(bytes.TrimSpace(events), []byte("\n")) {
		switch {
		case bytes.Contains(line, []byte(`"type":"begin"`)):
			if bytes.Contains(line, []byte(`"o1"`)) {
				begins["o1"] = i
			} else {
				begins["o2"] = i
			}
		case bytes.Contains(line, []byte(`"type":"end"`)):
			id := "o1"
			if bytes.Contains(line, []byte(`"o2"`)) {
				id = "o2"
			}
			assert.Greater(t, i, begins[id])
		}
	}
	assert.Len(t, begins, 2)
}
