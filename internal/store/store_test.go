package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/framework-shells/appserver/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(t.TempDir(), logger.Default())
	require.NoError(t, err)
	return st
}

func TestCreateAndLoadMeta(t *testing.T) {
	st := newTestStore(t)

	id, err := st.CreateConversation()
	require.NoError(t, err)
	require.NotEmpty(t, id)

	meta, err := st.LoadMeta(id)
	require.NoError(t, err)
	assert.Equal(t, id, meta.ConversationID)
	assert.Equal(t, StatusDraft, meta.Status)
	assert.Empty(t, meta.ThreadID)
	assert.NotZero(t, meta.CreatedAt)
}

func TestLoadMetaMissing(t *testing.T) {
	st := newTestStore(t)
	_, err := st.LoadMeta("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestThreadIDWriteOnce(t *testing.T) {
	st := newTestStore(t)
	id, err := st.CreateConversation()
	require.NoError(t, err)

	// First bind succeeds.
	meta, err := st.MutateMeta(id, func(m *Meta) error {
		m.ThreadID = "thread-1"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "thread-1", meta.ThreadID)

	// Rebinding to a different id is rejected.
	_, err = st.MutateMeta(id, func(m *Meta) error {
		m.ThreadID = "thread-2"
		return nil
	})
	assert.ErrorIs(t, err, ErrImmutableThreadID)

	// SaveMeta enforces the same invariant.
	stale, err := st.LoadMeta(id)
	require.NoError(t, err)
	stale.ThreadID = "thread-3"
	assert.ErrorIs(t, st.SaveMeta(id, stale), ErrImmutableThreadID)

	// Writing the same id again is a no-op, not a violation.
	_, err = st.MutateMeta(id, func(m *Meta) error {
		m.ThreadID = "thread-1"
		return nil
	})
	assert.NoError(t, err)
}

func TestMutateMetaSettings(t *testing.T) {
	st := newTestStore(t)
	id, err := st.CreateConversation()
	require.NoError(t, err)

	_, err = st.MutateMeta(id, func(m *Meta) error {
		m.Settings.Model = "gpt-5"
		m.Settings.Cwd = "/work"
		return nil
	})
	require.NoError(t, err)

	meta, err := st.LoadMeta(id)
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", meta.Settings.Model)
	assert.Equal(t, "/work", meta.Settings.Cwd)
}

func TestActivePointerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := New(dir, logger.Default())
	require.NoError(t, err)

	id, err := st.CreateConversation()
	require.NoError(t, err)
	require.NoError(t, st.Select(id, "terminal"))

	reopened, err := New(dir, logger.Default())
	require.NoError(t, err)
	active := reopened.Active()
	assert.Equal(t, id, active.ActiveConversationID)
	assert.Equal(t, "terminal", active.ActiveView)
}

func TestSelectUnknownConversation(t *testing.T) {
	st := newTestStore(t)
	assert.ErrorIs(t, st.Select("missing", ""), ErrNotFound)
}

func TestDeleteRefusesActive(t *testing.T) {
	st := newTestStore(t)
	id, err := st.CreateConversation()
	require.NoError(t, err)
	require.NoError(t, st.Select(id, ""))

	assert.ErrorIs(t, st.Delete(id), ErrActiveConversation)

	require.NoError(t, st.Select("", ""))
	require.NoError(t, st.Delete(id))
	_, err = st.LoadMeta(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListConversationsNewestFirst(t *testing.T) {
	st := newTestStore(t)

	a, err := st.CreateConversation()
	require.NoError(t, err)
	_, err = st.MutateMeta(a, func(m *Meta) error {
		m.CreatedAt = 100
		return nil
	})
	require.NoError(t, err)

	b, err := st.CreateConversation()
	require.NoError(t, err)
	_, err = st.MutateMeta(b, func(m *Meta) error {
		m.CreatedAt = 200
		return nil
	})
	require.NoError(t, err)

	metas, err := st.ListConversations()
	require.NoError(t, err)
	require.Len(t, metas, 2)
	assert.Equal(t, b, metas[0].ConversationID)
	assert.Equal(t, a, metas[1].ConversationID)
}

func TestTranscriptSequenceDense(t *testing.T) {
	st := newTestStore(t)
	id, err := st.CreateConversation()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		seq, err := st.AppendTranscript(id, Entry{Role: RoleUser, Text: "msg"})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), seq)
	}

	entries, err := st.Range(id, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.MsgNum)
		assert.NotZero(t, e.Ts)
	}
}

func TestTranscriptSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	st, err := New(dir, logger.Default())
	require.NoError(t, err)

	id, err := st.CreateConversation()
	require.NoError(t, err)
	_, err = st.AppendTranscript(id, Entry{Role: RoleUser, Text: "one"})
	require.NoError(t, err)
	_, err = st.AppendTranscript(id, Entry{Role: RoleAssistant, Text: "two"})
	require.NoError(t, err)

	// A new store instance must continue the sequence, not restart it.
	reopened, err := New(dir, logger.Default())
	require.NoError(t, err)
	seq, err := reopened.AppendTranscript(id, Entry{Role: RoleUser, Text: "three"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestTranscriptRange(t *testing.T) {
	st := newTestStore(t)
	id, err := st.CreateConversation()
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := st.AppendTranscript(id, Entry{Role: RoleStatus, Text: "x"})
		require.NoError(t, err)
	}

	entries, err := st.Range(id, 3, 6)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(3), entries[0].MsgNum)
	assert.Equal(t, int64(5), entries[2].MsgNum)

	// Zero `to` means unbounded.
	entries, err = st.Range(id, 8, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestTailReaderResumes(t *testing.T) {
	st := newTestStore(t)
	id, err := st.CreateConversation()
	require.NoError(t, err)

	_, err = st.AppendTranscript(id, Entry{Role: RoleUser, Text: "a"})
	require.NoError(t, err)
	_, err = st.AppendTranscript(id, Entry{Role: RoleUser, Text: "b"})
	require.NoError(t, err)

	tail := st.Tail(id)
	entries, err := tail.Next()
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = tail.Next()
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = st.AppendTranscript(id, Entry{Role: RoleUser, Text: "c"})
	require.NoError(t, err)
	entries, err = tail.Next()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c", entries[0].Text)
}
