package completion

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"edgerelay/pkg/batch"
	"edgerelay/pkg/metricslog"
	"edgerelay/pkg/sensor"
	"edgerelay/pkg/store/ledger"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScheduler struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (s *fakeScheduler) TaskCompleted(taskID, clientIP, service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, taskID)
	return s.err
}

type fixedSamples struct{ s sensor.Sample }

func (f fixedSamples) Latest() sensor.Sample { return f.s }

type env struct {
	root    string
	metas   *batch.MetaStore
	db      *ledger.DB
	rows    *metricslog.Recorder
	sched   *fakeScheduler
	n       *Notifier
	taskMap string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	e := &env{root: root, sched: &fakeScheduler{}}
	e.metas = batch.NewMetaStore(filepath.Join(root, "log", "sub_reqs"))
	e.taskMap = filepath.Join(root, "log", "task_map.jsonl")
	e.open(t)
	return e
}

func (e *env) open(t *testing.T) {
	t.Helper()
	db, err := ledger.Open(filepath.Join(e.root, "state", "ledger"))
	require.NoError(t, err)
	rows, err := metricslog.Open(filepath.Join(e.root, "log", "sub_req_metrics.csv"), metricslog.Options{})
	require.NoError(t, err)
	e.db, e.rows = db, rows
	e.n = NewNotifier(e.sched, NewTaskMapIndex(e.taskMap), NewTracker(db, e.metas), e.metas, rows,
		fixedSamples{sensor.Sample{HostCPUUtil: 42, TimestampMs: 1}})
	t.Cleanup(e.close)
}

func (e *env) close() {
	_ = e.rows.Close()
	_ = e.db.Close()
}

func (e *env) appendTasks(t *testing.T, subReqID string, ids ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(e.taskMap), 0o755))
	f, err := os.OpenFile(e.taskMap, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, id := range ids {
		b, err := json.Marshal(batch.TaskRecord{TaskID: id, SubReqID: subReqID, ReqID: "r1", TaskType: "YoloV5",
			ClientIP: "10.0.0.7", BatchDir: batch.DirName(1, subReqID)})
		require.NoError(t, err)
		_, err = f.Write(append(b, '\n'))
		require.NoError(t, err)
	}
}

func (e *env) rowsOf(t *testing.T, kind string) [][]string {
	t.Helper()
	require.NoError(t, e.rows.Flush())
	f, err := os.Open(e.rows.Path())
	require.NoError(t, err)
	defer f.Close()
	all, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	var out [][]string
	for _, r := range all[1:] {
		if r[0] == kind {
			out = append(out, r)
		}
	}
	return out
}

func ack(id string) Delivery { return Delivery{TaskID: id, ClientIP: "10.0.0.7", Service: "YoloV5"} }

func ackIn(subReqID, id string) Delivery {
	d := ack(id)
	d.Batch = batch.DirName(1, subReqID)
	return d
}

func TestBatchCompletesExactlyOnce(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.metas.Save(batch.Meta{SubReqID: "abc", ReqID: "r1", Service: "YoloV5", SubReqCount: 3, StartTimeMs: 100}))
	e.appendTasks(t, "abc", "1.jpg", "2.jpg", "3.jpg")
	ctx := context.Background()

	require.NoError(t, e.n.Acknowledge(ctx, ack("1.jpg")))
	require.NoError(t, e.n.Acknowledge(ctx, ack("2.jpg")))
	assert.Empty(t, e.rowsOf(t, metricslog.RecordBatchEnd))

	require.NoError(t, e.n.Acknowledge(ctx, ack("3.jpg")))
	// a repeated acknowledgement must not count twice
	require.NoError(t, e.n.Acknowledge(ctx, ack("3.jpg")))

	ends := e.rowsOf(t, metricslog.RecordBatchEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, "abc", ends[0][3])
	assert.Equal(t, "100", ends[0][10])
	assert.Equal(t, "42", ends[0][14])

	m, err := e.metas.Load("abc")
	require.NoError(t, err)
	assert.NotZero(t, m.EndTimeMs)
	assert.Equal(t, int64(100), m.StartTimeMs)
	var endMetrics sensor.Sample
	require.NoError(t, json.Unmarshal(m.EndMetrics, &endMetrics))
	assert.Equal(t, m.EndTimeMs, endMetrics.TimestampMs)

	bp, ok, err := e.db.Progress("abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, bp.Done)
	assert.True(t, bp.DoneRecorded)
}

func TestCompletionSurvivesRestart(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.metas.Save(batch.Meta{SubReqID: "abc", Service: "YoloV5", SubReqCount: 2}))
	e.appendTasks(t, "abc", "a.jpg", "b.jpg")
	require.NoError(t, e.n.Acknowledge(context.Background(), ack("a.jpg")))
	e.close()

	e.open(t)
	require.NoError(t, e.n.Acknowledge(context.Background(), ack("a.jpg")))
	assert.Empty(t, e.rowsOf(t, metricslog.RecordBatchEnd))
	require.NoError(t, e.n.Acknowledge(context.Background(), ack("b.jpg")))
	ends := e.rowsOf(t, metricslog.RecordBatchEnd)
	require.Len(t, ends, 1)

	m, err := e.metas.Load("abc")
	require.NoError(t, err)
	assert.NotZero(t, m.StartTimeMs, "missing start time defaults to the end time")
}

func TestRecoverEmitsPendingCompletion(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.metas.Save(batch.Meta{SubReqID: "p", Service: "YoloV5", SubReqCount: 1}))
	// counted but never written, as after a crash
	require.NoError(t, e.db.RecordTask("x.jpg", ledger.TaskDone{SubReqID: "p", TsMs: 1},
		ledger.BatchProgress{Done: 1, SubReqCount: 1, TsMs: 1}))

	n, err := e.n.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = e.n.Recover()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, e.rowsOf(t, metricslog.RecordBatchEnd), 1)
}

func TestNotifyFailureDoesNotCount(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.metas.Save(batch.Meta{SubReqID: "abc", SubReqCount: 1}))
	e.appendTasks(t, "abc", "1.jpg")
	e.sched.err = errors.New("connection refused")

	err := e.n.Acknowledge(context.Background(), ack("1.jpg"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotify))
	_, ok, err := e.db.Task("abc", "1.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	e.sched.err = nil
	require.NoError(t, e.n.Acknowledge(context.Background(), ack("1.jpg")))
	assert.Len(t, e.rowsOf(t, metricslog.RecordBatchEnd), 1)
}

func TestUngroupedTaskIsIgnored(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.n.Acknowledge(context.Background(), ack("loose.jpg")))
	assert.Equal(t, []string{"loose.jpg"}, e.sched.calls)
}

func TestTaskMapIndexTailing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task_map.jsonl")
	x := NewTaskMapIndex(path)
	_, ok := x.Lookup("", "a")
	assert.False(t, ok, "missing file is an empty index")

	require.NoError(t, os.WriteFile(path, []byte(`{"task_id":"a","sub_req_id":"s1"}`+"\n"+`garbage`+"\n"+`{"task_id":"b","sub_`), 0o644))
	rec, ok := x.Lookup("", "a")
	require.True(t, ok)
	assert.Equal(t, "s1", rec.SubReqID)
	_, ok = x.Lookup("", "b")
	assert.False(t, ok, "partial line waits for its newline")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`req_id":"s2"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	rec, ok = x.Lookup("", "b")
	require.True(t, ok, "completed line is picked up on the next miss")
	assert.Equal(t, "s2", rec.SubReqID)

	// truncation restarts from the top
	require.NoError(t, os.WriteFile(path, []byte(`{"task_id":"c","sub_req_id":"s3"}`+"\n"), 0o644))
	rec, ok = x.Lookup("", "c")
	require.True(t, ok)
	assert.Equal(t, "s3", rec.SubReqID)
	assert.Equal(t, 3, x.Len())
}

func TestTaskMapIndexByBatchDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task_map.jsonl")
	lines := `{"task_id":"1.jpg","sub_req_id":"one","batch_dir":"000000000001_one"}` + "\n" +
		`{"task_id":"1.jpg","sub_req_id":"two","batch_dir":"000000000002_two"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(lines), 0o644))
	x := NewTaskMapIndex(path)

	rec, ok := x.Lookup("000000000001_one", "1.jpg")
	require.True(t, ok)
	assert.Equal(t, "one", rec.SubReqID)
	rec, ok = x.Lookup("", "1.jpg")
	require.True(t, ok)
	assert.Equal(t, "two", rec.SubReqID, "without a batch dir the latest record wins")
	_, ok = x.Lookup("000000000003_three", "1.jpg")
	assert.False(t, ok)
}

func TestCollectorStartRowsOnce(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.metas.Save(batch.Meta{SubReqID: "waiting", SubReqCount: 2}))
	require.NoError(t, e.metas.Save(batch.Meta{SubReqID: "running", SubReqCount: 2, StartTimeMs: 777}))

	c := NewCollector(e.metas, e.rows, fixedSamples{sensor.Sample{HostMemUtil: 50}}, time.Hour)
	c.CollectOnce()
	c.CollectOnce()

	starts := e.rowsOf(t, metricslog.RecordBatchStart)
	require.Len(t, starts, 1)
	assert.Equal(t, "running", starts[0][3])
	assert.Equal(t, "777", starts[0][1])
	assert.Equal(t, "", starts[0][11])
	assert.Len(t, e.rowsOf(t, metricslog.RecordPeriodic), 2)

	m, err := e.metas.Load("running")
	require.NoError(t, err)
	var start sensor.Sample
	require.NoError(t, json.Unmarshal(m.StartMetrics, &start))
	assert.Equal(t, int64(777), start.TimestampMs)

	// a fresh collector does not repeat the start row
	c2 := NewCollector(e.metas, e.rows, fixedSamples{}, time.Hour)
	c2.CollectOnce()
	assert.Len(t, e.rowsOf(t, metricslog.RecordBatchStart), 1)
}

func TestCollectorForgetsFinishedBatches(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.metas.Save(batch.Meta{SubReqID: "a", SubReqCount: 1, StartTimeMs: 10}))
	require.NoError(t, e.metas.Save(batch.Meta{SubReqID: "b", SubReqCount: 1, StartTimeMs: 20}))

	c := NewCollector(e.metas, e.rows, fixedSamples{}, time.Hour)
	c.CollectOnce()
	assert.Len(t, c.started, 2)

	_, err := e.metas.Update("a", func(m *batch.Meta) error {
		m.State = batch.StateRetired
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, e.metas.Remove("b"))

	c.CollectOnce()
	assert.Empty(t, c.started)
	assert.Len(t, e.rowsOf(t, metricslog.RecordBatchStart), 2)
}

func TestBookkeepingFailureKeepsTaskPending(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.metas.Save(batch.Meta{SubReqID: "s1", Service: "YoloV5", SubReqCount: 1}))
	e.appendTasks(t, "s1", "1.jpg")
	require.NoError(t, e.db.Close())

	err := e.n.Acknowledge(context.Background(), ack("1.jpg"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBookkeeping))
	assert.False(t, errors.Is(err, ErrNotify))

	db, err := ledger.Open(filepath.Join(e.root, "state", "ledger"))
	require.NoError(t, err)
	e.db = db
	e.n.tracker = NewTracker(db, e.metas)

	require.NoError(t, e.n.Acknowledge(context.Background(), ack("1.jpg")))
	assert.Len(t, e.rowsOf(t, metricslog.RecordBatchEnd), 1)
	m, err := e.metas.Load("s1")
	require.NoError(t, err)
	assert.NotZero(t, m.EndTimeMs)
	assert.Equal(t, []string{"1.jpg", "1.jpg"}, e.sched.calls)
}

func TestRepeatedDeliveryRetriesFailedCompletion(t *testing.T) {
	e := newEnv(t)
	e.appendTasks(t, "late", "1.jpg")
	// counted, but the snapshot is missing so the completion cannot be written
	require.NoError(t, e.db.RecordTask("1.jpg", ledger.TaskDone{SubReqID: "late", TsMs: 1},
		ledger.BatchProgress{Done: 1, SubReqCount: 1, TsMs: 1}))

	err := e.n.Acknowledge(context.Background(), ack("1.jpg"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBookkeeping))
	assert.Empty(t, e.rowsOf(t, metricslog.RecordBatchEnd))

	require.NoError(t, e.metas.Save(batch.Meta{SubReqID: "late", Service: "YoloV5", SubReqCount: 1}))
	require.NoError(t, e.n.Acknowledge(context.Background(), ack("1.jpg")))
	require.NoError(t, e.n.Acknowledge(context.Background(), ack("1.jpg")))
	assert.Len(t, e.rowsOf(t, metricslog.RecordBatchEnd), 1)

	bp, _, err := e.db.Progress("late")
	require.NoError(t, err)
	assert.Equal(t, 1, bp.Done)
	assert.True(t, bp.DoneRecorded)
}

func TestSameFileNameInLaterBatchCounts(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.metas.Save(batch.Meta{SubReqID: "one", Service: "YoloV5", SubReqCount: 1}))
	e.appendTasks(t, "one", "1.jpg")
	require.NoError(t, e.n.Acknowledge(context.Background(), ackIn("one", "1.jpg")))

	require.NoError(t, e.metas.Save(batch.Meta{SubReqID: "two", Service: "YoloV5", SubReqCount: 1}))
	e.appendTasks(t, "two", "1.jpg")
	require.NoError(t, e.n.Acknowledge(context.Background(), ackIn("two", "1.jpg")))

	ends := e.rowsOf(t, metricslog.RecordBatchEnd)
	require.Len(t, ends, 2)
	assert.Equal(t, "two", ends[1][3])
}
