package agentpty

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	sp, err := OpenSpool(filepath.Join(t.TempDir(), "output.spool"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sp.Close() })
	return sp
}

func TestNormalizeNewlines(t *testing.T) {
	assert.Equal(t, []byte("a\nb\nc\n"), NormalizeNewlines([]byte("a\r\nb\rc\r\n")))
	assert.Equal(t, []byte("plain\n"), NormalizeNewlines([]byte("plain\n")))
	assert.Empty(t, NormalizeNewlines(nil))
}

func TestSpoolAppendAndReadAt(t *testing.T) {
	sp := newTestSpool(t)

	size, err := sp.Append([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(6), size)

	size, err = sp.Append([]byte("world\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), size)

	data, err := sp.ReadAt(0, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", string(data))

	data, err = sp.ReadAt(6, 5)
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))

	// Reads past the end are empty, not errors.
	data, err = sp.ReadAt(100, 0)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestSpoolPromptSince(t *testing.T) {
	sp := newTestSpool(t)

	_, err := sp.Append([]byte("output\n"))
	require.NoError(t, err)
	pos := sp.MarkPrompt()
	assert.Equal(t, int64(7), pos)

	assert.Equal(t, int64(7), sp.PromptSince(0))
	assert.Equal(t, int64(7), sp.PromptSince(7))
	assert.Equal(t, int64(-1), sp.PromptSince(8))
}

func TestWaitForLiteralMatch(t *testing.T) {
	sp := newTestSpool(t)
	_, err := sp.Append([]byte("$ make test\nok  \tall passed\n"))
	require.NoError(t, err)

	res, err := WaitFor(context.Background(), sp, MatchSpec{Match: "all passed"}, 0, time.Second, 0)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "all passed", res.MatchText)
	assert.Equal(t, res.MatchEnd, res.ResumeCursor)
}

func TestWaitForMatchArrivesLater(t *testing.T) {
	sp := newTestSpool(t)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = sp.Append([]byte("compiling...\n"))
		time.Sleep(50 * time.Millisecond)
		_, _ = sp.Append([]byte("BUILD SUCCESS\n"))
	}()

	res, err := WaitFor(context.Background(), sp, MatchSpec{Match: "BUILD SUCCESS"}, 0, 5*time.Second, 0)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, int64(13), res.MatchStart)
}

func TestWaitForTimeoutReturnsSpoolSize(t *testing.T) {
	sp := newTestSpool(t)
	_, err := sp.Append([]byte("nothing interesting\n"))
	require.NoError(t, err)

	res, err := WaitFor(context.Background(), sp, MatchSpec{Match: "never"}, 0, 50*time.Millisecond, 0)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, sp.Size(), res.ResumeCursor)
}

func TestWaitForCursorPastEndReturnsImmediately(t *testing.T) {
	sp := newTestSpool(t)
	_, err := sp.Append([]byte("abc\n"))
	require.NoError(t, err)

	start := time.Now()
	res, err := WaitFor(context.Background(), sp, MatchSpec{Match: "abc"}, 1000, time.Minute, 0)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, int64(4), res.ResumeCursor)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForResumeCursorMonotonic(t *testing.T) {
	sp := newTestSpool(t)
	_, err := sp.Append([]byte("one two one two\n"))
	require.NoError(t, err)

	first, err := WaitFor(context.Background(), sp, MatchSpec{Match: "two"}, 0, time.Second, 0)
	require.NoError(t, err)
	require.True(t, first.Matched)

	second, err := WaitFor(context.Background(), sp, MatchSpec{Match: "two"}, first.ResumeCursor, time.Second, 0)
	require.NoError(t, err)
	require.True(t, second.Matched)
	assert.GreaterOrEqual(t, second.ResumeCursor, first.ResumeCursor)
	assert.Greater(t, second.MatchStart, first.MatchStart)
}

func TestWaitForRegex(t *testing.T) {
	sp := newTestSpool(t)
	_, err := sp.Append([]byte("error: exit code 42\n"))
	require.NoError(t, err)

	res, err := WaitFor(context.Background(), sp, MatchSpec{Regex: `exit code (\d+)`}, 0, time.Second, 0)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, "exit code 42", res.MatchText)
}

func TestWaitForBadRegex(t *testing.T) {
	sp := newTestSpool(t)
	_, err := WaitFor(context.Background(), sp, MatchSpec{Regex: "("}, 0, time.Second, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWaitForEmptyMatch(t *testing.T) {
	sp := newTestSpool(t)
	_, err := WaitFor(context.Background(), sp, MatchSpec{}, 0, time.Second, 0)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWaitForPromptToken(t *testing.T) {
	sp := newTestSpool(t)
	_, err := sp.Append([]byte("$ ls\nfile\n"))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		sp.MarkPrompt()
	}()

	res, err := WaitFor(context.Background(), sp, MatchSpec{Match: MatchPrompt}, 0, 5*time.Second, 0)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, int64(10), res.ResumeCursor)
}

func TestWaitForPromptIgnoresEarlierPrompts(t *testing.T) {
	sp := newTestSpool(t)
	sp.MarkPrompt()
	_, err := sp.Append([]byte("output\n"))
	require.NoError(t, err)

	res, err := WaitFor(context.Background(), sp, MatchSpec{Match: MatchPrompt}, 1, 50*time.Millisecond, 0)
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestWaitForEOFToken(t *testing.T) {
	sp := newTestSpool(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		sp.MarkEOF()
	}()

	res, err := WaitFor(context.Background(), sp, MatchSpec{Match: MatchEOF}, 0, 5*time.Second, 0)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, MatchEOF, res.MatchText)
}

func TestWaitForEndsEarlyOnEOF(t *testing.T) {
	sp := newTestSpool(t)
	sp.MarkEOF()

	start := time.Now()
	res, err := WaitFor(context.Background(), sp, MatchSpec{Match: "never coming"}, 0, time.Minute, 0)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitForMaxBytesBound(t *testing.T) {
	sp := newTestSpool(t)
	_, err := sp.Append([]byte("aaaaaaaaaabbbbbbbbbb\n"))
	require.NoError(t, err)

	res, err := WaitFor(context.Background(), sp, MatchSpec{Match: "bbb"}, 0, 50*time.Millisecond, 5)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, int64(5), res.ResumeCursor)
}

func TestWaitForContextCancel(t *testing.T) {
	sp := newTestSpool(t)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := WaitFor(ctx, sp, MatchSpec{Match: "never"}, 0, time.Minute, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
