// Package completion turns delivered result files into scheduler
// acknowledgements and per-batch completion records.
package completion

import (
	"context"
	"encoding/json"
	"time"

	"edgerelay/pkg/batch"
	"edgerelay/pkg/metricslog"
	"edgerelay/pkg/sensor"
	"edgerelay/pkg/state/logger"
	"edgerelay/pkg/telemetry"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotify marks a failed task_completed callback. The result file must
	// stay in place for the next pass.
	ErrNotify = errors.New("scheduler notification failed")
	// ErrBookkeeping marks a task the scheduler accepted but that could not
	// be counted. Delivering the file again is safe: the repeated callback is
	// absorbed by the ledger.
	ErrBookkeeping = errors.New("completion bookkeeping failed")
)

type Scheduler interface {
	TaskCompleted(taskID, clientIP, service string) error
}

type SampleSource interface {
	Latest() sensor.Sample
}

// Delivery identifies a result file that reached its origin. Batch is the
// batch directory the result was found under, empty for ungrouped units.
type Delivery struct {
	TaskID   string
	ClientIP string
	Service  string
	Batch    string
}

type Notifier struct {
	sched   Scheduler
	index   *TaskMapIndex
	tracker *Tracker
	metas   *batch.MetaStore
	rows    *metricslog.Recorder
	samples SampleSource
	now     func() time.Time
}

func NewNotifier(sched Scheduler, index *TaskMapIndex, tracker *Tracker, metas *batch.MetaStore,
	rows *metricslog.Recorder, samples SampleSource) *Notifier {
	return &Notifier{
		sched:   sched,
		index:   index,
		tracker: tracker,
		metas:   metas,
		rows:    rows,
		samples: samples,
		now:     time.Now,
	}
}

// Acknowledge reports a delivered task to the scheduler and, once that
// succeeded, counts it toward its batch. Any error means the result file
// has to stay for the next pass.
func (n *Notifier) Acknowledge(ctx context.Context, d Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.sched.TaskCompleted(d.TaskID, d.ClientIP, d.Service); err != nil {
		return errors.Mark(errors.Wrapf(err, "task_completed %s", d.TaskID), ErrNotify)
	}
	if err := n.markDone(d.Batch, d.TaskID); err != nil {
		logger.Error("task_done_bookkeeping_failed", "task_id", d.TaskID, "error", err)
		return errors.Mark(errors.Wrapf(err, "count %s", d.TaskID), ErrBookkeeping)
	}
	return nil
}

func (n *Notifier) markDone(batchDir, taskID string) error {
	rec, ok := n.index.Lookup(batchDir, taskID)
	if !ok {
		// ungrouped unit
		logger.Debug("task_map_miss", "task_id", taskID)
		return nil
	}
	p, err := n.tracker.MarkDone(taskID, rec.SubReqID, n.now())
	if err != nil {
		return err
	}
	if p.Duplicate {
		logger.Debug("task_done_duplicate", "task_id", taskID, "sub_req_id", rec.SubReqID, "retry_complete", p.Complete)
	} else {
		logger.Debug("task_done", "task_id", taskID, "sub_req_id", rec.SubReqID, "done", p.Done, "count", p.Count)
	}
	if !p.Complete {
		return nil
	}
	return n.complete(rec.SubReqID)
}

// complete freezes the end metrics into the snapshot and appends the
// batch_end row.
func (n *Notifier) complete(subReqID string) error {
	now := n.now()
	end := n.samples.Latest()
	end.TimestampMs = now.UnixMilli()
	raw, err := json.Marshal(end)
	if err != nil {
		n.tracker.Abandon(subReqID)
		return errors.Wrap(err, "encode end metrics")
	}
	meta, err := n.metas.Update(subReqID, func(m *batch.Meta) error {
		if m.StartTimeMs == 0 {
			m.StartTimeMs = now.UnixMilli()
		}
		m.EndTimeMs = now.UnixMilli()
		m.EndMetrics = raw
		m.UpdatedTimeMs = now.UnixMilli()
		return nil
	})
	if err != nil {
		n.tracker.Abandon(subReqID)
		return errors.Wrapf(err, "update snapshot %s", subReqID)
	}
	if err := n.rows.Record(metricslog.BatchEnd(meta, end)); err != nil {
		n.tracker.Abandon(subReqID)
		return errors.Wrap(err, "record batch_end")
	}
	if err := n.tracker.Finish(subReqID, now); err != nil {
		return err
	}
	telemetry.BatchesCompleted.Inc()
	logger.Info("batch_completed", "sub_req_id", subReqID, "service", meta.Service,
		"sub_req_count", meta.SubReqCount, "duration_ms", meta.EndTimeMs-meta.StartTimeMs)
	logger.AuditEvent("batch_completed", "sub_req_id", subReqID, "req_id", meta.ReqID,
		"start_time_ms", meta.StartTimeMs, "end_time_ms", meta.EndTimeMs)
	return nil
}

// Recover emits completion records that a previous run counted but never
// wrote.
func (n *Notifier) Recover() (int, error) {
	ids, err := n.tracker.Pending()
	if err != nil {
		return 0, err
	}
	done := 0
	for _, id := range ids {
		if err := n.complete(id); err != nil {
			logger.Warn("batch_complete_recover_failed", "sub_req_id", id, "error", err)
			continue
		}
		done++
	}
	if done > 0 {
		logger.Info("batch_completions_recovered", "count", done)
	}
	return done, nil
}
