package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"edgerelay/pkg/batch"
	"edgerelay/pkg/config"
	"edgerelay/pkg/store/ledger"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	m     *Manager
	metas *batch.MetaStore
	db    *ledger.DB
	fails string
	now   time.Time
}

func newFixture(t *testing.T, dryRun bool) *fixture {
	t.Helper()
	root := t.TempDir()
	db, err := ledger.Open(filepath.Join(root, "ledger"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	metas := batch.NewMetaStore(filepath.Join(root, "sub_reqs"))
	fails := filepath.Join(root, "failures")
	require.NoError(t, os.MkdirAll(fails, 0o755))

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	m := New(Options{
		Config:      config.RetentionConfig{Period: config.Duration(48 * time.Hour), DryRun: dryRun},
		Metas:       metas,
		Ledger:      db,
		FailuresDir: fails,
		LockDir:     filepath.Join(root, "retention"),
	})
	m.now = func() time.Time { return now }
	m.lease.now = m.now
	return &fixture{m: m, metas: metas, db: db, fails: fails, now: now}
}

func (f *fixture) snapshot(t *testing.T, id string, state batch.State, age time.Duration) {
	t.Helper()
	ts := f.now.Add(-age).UnixMilli()
	require.NoError(t, f.metas.Save(batch.Meta{SubReqID: id, State: state, CreatedTimeMs: ts, UpdatedTimeMs: ts}))
}

func TestRunOncePrunesOldFinishedState(t *testing.T) {
	f := newFixture(t, false)
	f.snapshot(t, "old-retired", batch.StateRetired, 72*time.Hour)
	f.snapshot(t, "old-evicted", batch.StateEvicted, 72*time.Hour)
	f.snapshot(t, "old-live", batch.StatePartiallyReady, 72*time.Hour)
	f.snapshot(t, "new-retired", batch.StateRetired, time.Hour)
	f.snapshot(t, "old-pending", batch.StateRetired, 72*time.Hour)

	oldTs := f.now.Add(-72 * time.Hour).UnixMilli()
	require.NoError(t, f.db.RecordTask("t-old", ledger.TaskDone{SubReqID: "old-retired", TsMs: oldTs},
		ledger.BatchProgress{Done: 1, SubReqCount: 1, DoneRecorded: true, TsMs: oldTs}))
	require.NoError(t, f.db.SaveProgress("old-retired", ledger.BatchProgress{Done: 1, SubReqCount: 1, DoneRecorded: true, TsMs: oldTs}))
	require.NoError(t, f.db.SaveProgress("old-pending", ledger.BatchProgress{Done: 1, SubReqCount: 2, TsMs: oldTs}))

	for _, name := range []string{"failures_2026-03-01.jsonl", "failures_2026-03-09.jsonl", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(f.fails, name), []byte("{}\n"), 0o644))
	}

	res, err := f.m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 5, res.Scanned)
	assert.Equal(t, 2, res.Snapshots)
	assert.Equal(t, 2, res.Ledger)
	assert.Equal(t, 1, res.Failures)

	_, err = f.metas.Load("old-retired")
	assert.True(t, errors.Is(err, batch.ErrMetaNotFound))
	_, err = f.metas.Load("old-evicted")
	assert.True(t, errors.Is(err, batch.ErrMetaNotFound))
	for _, id := range []string{"old-live", "new-retired", "old-pending"} {
		_, err := f.metas.Load(id)
		assert.NoError(t, err, id)
	}

	_, ok, err := f.db.Task("old-retired", "t-old")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = f.db.Progress("old-pending")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoFileExists(t, filepath.Join(f.fails, "failures_2026-03-01.jsonl"))
	assert.FileExists(t, filepath.Join(f.fails, "failures_2026-03-09.jsonl"))
	assert.FileExists(t, filepath.Join(f.fails, "notes.txt"))
	assert.NoFileExists(t, f.m.lease.path)
}

func TestRunOnceDryRunKeepsEverything(t *testing.T) {
	f := newFixture(t, true)
	f.snapshot(t, "old-retired", batch.StateRetired, 72*time.Hour)
	require.NoError(t, os.WriteFile(filepath.Join(f.fails, "failures_2026-01-01.jsonl"), []byte("{}\n"), 0o644))

	res, err := f.m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.Snapshots)
	assert.Equal(t, 1, res.Failures)
	_, err = f.metas.Load("old-retired")
	assert.NoError(t, err)
	assert.FileExists(t, filepath.Join(f.fails, "failures_2026-01-01.jsonl"))
}

func TestRunOnceSkipsWhenLeaseHeld(t *testing.T) {
	f := newFixture(t, false)
	ok, err := f.m.lease.Acquire("other", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	// an expired lease is taken over
	f.m.lease.now = func() time.Time { return f.now.Add(2 * time.Hour) }
	res, err = f.m.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
}

func TestLeaseOwnership(t *testing.T) {
	l := newFileLease(t.TempDir())
	ok, err := l.Acquire("a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = l.Acquire("b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, l.Renew("b", time.Minute), errNotOwner)
	assert.NoError(t, l.Renew("a", time.Minute))
	assert.ErrorIs(t, l.Release("b"), errNotOwner)
	assert.NoError(t, l.Release("a"))

	ok, err = l.Acquire("b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStartRejectsBadCron(t *testing.T) {
	m := New(Options{Config: config.RetentionConfig{Enabled: true, Cron: "not a cron"}, LockDir: t.TempDir()})
	assert.Error(t, m.Start(context.Background()))

	m = New(Options{Config: config.RetentionConfig{Enabled: true, Cron: "*/5 * * * *"}, LockDir: t.TempDir()})
	require.NoError(t, m.Start(context.Background()))
	m.Stop()
}
