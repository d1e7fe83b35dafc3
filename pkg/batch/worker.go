package batch

import (
	"os"
	"path/filepath"
	"time"

	"edgerelay/pkg/state/logger"
	"edgerelay/pkg/telemetry"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// worker drives the head of one service queue. It wakes on its ticker or
// when a write lands, and only ever looks at the current head.
type worker struct {
	r       *Registry
	service string
	wakeCh  chan struct{}
	errLog  rate.Sometimes
}

func newWorker(r *Registry, service string) *worker {
	return &worker{
		r:       r,
		service: service,
		wakeCh:  make(chan struct{}, 1),
		errLog:  rate.Sometimes{Interval: 10 * time.Second},
	}
}

func (w *worker) signal() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

func (w *worker) run(stop <-chan struct{}) {
	ticker := time.NewTicker(w.r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			logger.Info("promotion_worker_stopped", "service", w.service)
			return
		case <-ticker.C:
		case <-w.wakeCh:
		}
		for w.step() {
		}
	}
}

// step advances the head batch by at most one transition and reports
// whether anything changed.
func (w *worker) step() bool {
	e, b, ok := w.r.head(w.service)
	if !ok {
		return false
	}
	switch {
	case !b.Promoted && b.Received >= 1:
		return w.promote(e)
	case b.Promoted && b.Received >= b.Expected:
		return w.retire(b.ID, StateRetired)
	case w.r.stall > 0 && w.r.now().Sub(b.LastWrite) >= w.r.stall:
		return w.evict(e, b)
	}
	return false
}

// promote renames the staging dir to the ready dir while no write is in
// flight, then repoints the batch target.
func (w *worker) promote(e *entry) bool {
	e.io.Lock()
	defer e.io.Unlock()

	w.r.mu.Lock()
	staging, ready, promoted := e.b.StagingPath, e.b.ReadyPath, e.b.Promoted
	w.r.mu.Unlock()
	if promoted {
		return false
	}

	already, err := promoteDir(staging, ready)
	if err != nil {
		w.errLog.Do(func() {
			logger.Warn("batch_promote_failed", "service", w.service, "sub_req_id", e.b.ID, "error", err)
		})
		return false
	}

	now := w.r.now()
	w.r.mu.Lock()
	e.b.Promoted = true
	e.b.Target = ready
	if e.b.StartTime.IsZero() {
		e.b.StartTime = now
	}
	e.b.State = StatePartiallyReady
	if e.b.Received >= e.b.Expected {
		e.b.State = StateComplete
	}
	b := e.b
	w.r.mu.Unlock()

	_, err = w.r.metas.Update(b.ID, func(m *Meta) error {
		m.Promoted = true
		m.ReadyPath = b.ReadyPath
		m.State = b.State
		if m.StartTimeMs == 0 {
			m.StartTimeMs = b.StartTime.UnixMilli()
		}
		if b.Received > m.ReceivedCount {
			m.ReceivedCount = b.Received
		}
		m.UpdatedTimeMs = now.UnixMilli()
		return nil
	})
	if err != nil {
		logger.Warn("batch_snapshot_failed", "sub_req_id", b.ID, "error", err)
	}

	telemetry.BatchTransitions.WithLabelValues(w.service, "promoted").Inc()
	logger.Info("batch_promoted", "service", w.service, "sub_req_id", b.ID,
		"sequence", b.Sequence, "received", b.Received, "expected", b.Expected, "already_ready", already)
	logger.AuditEvent("batch_promoted", "sub_req_id", b.ID, "service", w.service, "ready_path", b.ReadyPath)
	return true
}

// retire records the final state of the head, then pops it. The snapshot
// is written first so a batch gone from the registry is never seen live
// on disk.
func (w *worker) retire(id string, final State) bool {
	cur, ok := w.r.Get(id)
	if !ok {
		return false
	}
	_, err := w.r.metas.Update(id, func(m *Meta) error {
		m.State = final
		m.Promoted = cur.Promoted
		if cur.Received > m.ReceivedCount {
			m.ReceivedCount = cur.Received
		}
		m.UpdatedTimeMs = w.r.now().UnixMilli()
		return nil
	})
	if err != nil {
		logger.Warn("batch_snapshot_failed", "sub_req_id", id, "error", err)
	}
	b, ok := w.r.pop(w.service, id, final)
	if !ok {
		return false
	}
	telemetry.BatchTransitions.WithLabelValues(w.service, string(final)).Inc()
	logger.Info("batch_"+string(final), "service", w.service, "sub_req_id", b.ID,
		"sequence", b.Sequence, "received", b.Received, "expected", b.Expected)
	logger.AuditEvent("batch_"+string(final), "sub_req_id", b.ID, "service", w.service)
	return true
}

// evict releases a stalled head so later batches of the service can move.
// Files it already holds are still handed to the backend.
func (w *worker) evict(e *entry, b Batch) bool {
	logger.Warn("batch_head_evicted", "service", w.service, "sub_req_id", b.ID,
		"received", b.Received, "expected", b.Expected, "idle", w.r.now().Sub(b.LastWrite).String())
	if !w.retire(b.ID, StateEvicted) {
		return false
	}
	if b.Promoted {
		return true
	}
	// no file arrived; drop the empty staging dir once in-flight writes end
	e.io.Lock()
	defer e.io.Unlock()
	if err := os.Remove(b.StagingPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("batch_staging_remove_failed", "sub_req_id", b.ID, "error", err)
	}
	return true
}

// promoteDir renames staging to ready. An existing ready dir counts as
// already promoted; any leftovers in staging are moved into it.
func promoteDir(staging, ready string) (bool, error) {
	if pathExists(ready) {
		return true, mergeInto(staging, ready)
	}
	if err := os.MkdirAll(filepath.Dir(ready), 0o755); err != nil {
		return false, errors.Wrap(err, "create ready root")
	}
	if err := os.Rename(staging, ready); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// staging vanished; expose an empty ready dir so writers have a target
			return false, os.MkdirAll(ready, 0o755)
		}
		if pathExists(ready) {
			return true, mergeInto(staging, ready)
		}
		return false, errors.Wrapf(err, "rename %s", staging)
	}
	return false, nil
}

func mergeInto(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, ent := range entries {
		from := filepath.Join(src, ent.Name())
		to := filepath.Join(dst, ent.Name())
		if ent.IsDir() && pathExists(to) {
			if err := mergeInto(from, to); err != nil {
				return err
			}
			continue
		}
		if err := os.Rename(from, to); err != nil {
			return errors.Wrapf(err, "move %s", from)
		}
	}
	return os.Remove(src)
}
