package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelworks/starhost/internal/protocol"
	"github.com/kestrelworks/starhost/internal/storage"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestBeginCompleteRoundTrip(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	sess := &protocol.Session{ID: "sess-1", RemoteAddr: "10.0.0.5:52110"}
	require.NoError(t, l.Begin(ctx, "d-1", "on_chat", sess))

	results := []Result{
		{Plugin: "chat_filter", Verdict: protocol.VerdictVeto, Elapsed: 12 * time.Millisecond},
		{Plugin: "motd", Verdict: protocol.VerdictAbstain},
	}
	require.NoError(t, l.Complete(ctx, "d-1", false, results))

	entries, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, "d-1", e.ID)
	assert.Equal(t, "on_chat", e.Command)
	assert.Equal(t, "sess-1", e.SessionID)
	assert.Equal(t, "10.0.0.5:52110", e.RemoteAddr)
	require.NotNil(t, e.Approved)
	assert.False(t, *e.Approved)
	require.NotNil(t, e.CompletedAt)

	require.Len(t, e.Results, 2)
	assert.Equal(t, "chat_filter", e.Results[0].Plugin, "results keep load order")
	assert.Equal(t, protocol.VerdictVeto, e.Results[0].Verdict)
	assert.Equal(t, 12*time.Millisecond, e.Results[0].Elapsed)
}

func TestFailRecordsErrorWithoutVerdict(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Begin(ctx, "d-2", "on_connect", nil))
	require.NoError(t, l.Fail(ctx, "d-2", "plugin spawn failed", []Result{
		{Plugin: "motd", Verdict: protocol.VerdictApprove},
	}))

	entries, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Nil(t, entries[0].Approved, "aborted broadcasts have no aggregate verdict")
	assert.Equal(t, "plugin spawn failed", entries[0].Error)
	require.Len(t, entries[0].Results, 1)
}

func TestCompleteUnknownDispatch(t *testing.T) {
	l := newTestLog(t)
	err := l.Complete(context.Background(), "ghost", true, nil)
	require.Error(t, err)
}

func TestRecentNewestFirst(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for _, id := range []string{"d-1", "d-2", "d-3"} {
		require.NoError(t, l.Begin(ctx, id, "on_tick", nil))
		require.NoError(t, l.Complete(ctx, id, true, nil))
	}

	entries, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "d-3", entries[0].ID)
	assert.Equal(t, "d-2", entries[1].ID)
}

func TestRecordLifecycle(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.RecordLifecycle(ctx, "motd", "activate", nil))
	require.NoError(t, l.RecordLifecycle(ctx, "chat_filter", "activate", assert.AnError))
}
