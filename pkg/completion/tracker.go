package completion

import (
	"encoding/json"
	"sync"
	"time"

	"edgerelay/pkg/batch"
	"edgerelay/pkg/store/ledger"

	"github.com/cockroachdb/errors"
)

// Progress is the outcome of one MarkDone call.
type Progress struct {
	Duplicate bool
	Done      int
	Count     int
	// Complete is set exactly once per batch, on the call that brings Done
	// up to Count.
	Complete bool
}

// Tracker counts acknowledged tasks per batch in the ledger.
type Tracker struct {
	db    *ledger.DB
	metas *batch.MetaStore

	mu         sync.Mutex
	completing map[string]bool
}

func NewTracker(db *ledger.DB, metas *batch.MetaStore) *Tracker {
	return &Tracker{db: db, metas: metas, completing: make(map[string]bool)}
}

// MarkDone records taskID against subReqID. Repeated task ids do not count
// again, but a repeat may still claim a completion that an earlier attempt
// failed to emit. The expected count comes from the batch snapshot and is
// re-read while it is still unknown.
func (t *Tracker) MarkDone(taskID, subReqID string, now time.Time) (Progress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, seen, err := t.db.Task(subReqID, taskID)
	if err != nil {
		return Progress{}, err
	}
	bp, _, err := t.db.Progress(subReqID)
	if err != nil {
		return Progress{}, err
	}
	if seen {
		return Progress{Duplicate: true, Done: bp.Done, Count: bp.SubReqCount, Complete: t.claim(subReqID, bp)}, nil
	}
	if bp.SubReqCount <= 0 {
		m, err := t.metas.Load(subReqID)
		if err != nil && !errors.Is(err, batch.ErrMetaNotFound) {
			return Progress{}, err
		}
		bp.SubReqCount = m.SubReqCount
	}
	bp.Done++
	bp.TsMs = now.UnixMilli()
	if err := t.db.RecordTask(taskID, ledger.TaskDone{SubReqID: subReqID, TsMs: bp.TsMs}, bp); err != nil {
		return Progress{}, err
	}
	p := Progress{Done: bp.Done, Count: bp.SubReqCount}
	if t.claim(subReqID, bp) {
		p.Complete = true
	}
	return p, nil
}

// claim reports whether the caller is the one to complete subReqID.
func (t *Tracker) claim(subReqID string, bp ledger.BatchProgress) bool {
	if bp.SubReqCount <= 0 || bp.Done < bp.SubReqCount || bp.DoneRecorded {
		return false
	}
	if t.completing[subReqID] {
		return false
	}
	t.completing[subReqID] = true
	return true
}

// Finish persists that the completion record of subReqID was emitted.
func (t *Tracker) Finish(subReqID string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	bp, ok, err := t.db.Progress(subReqID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Newf("no progress recorded for %s", subReqID)
	}
	bp.DoneRecorded = true
	bp.TsMs = now.UnixMilli()
	if err := t.db.SaveProgress(subReqID, bp); err != nil {
		return err
	}
	delete(t.completing, subReqID)
	return nil
}

// Abandon releases a claim whose completion could not be emitted, so a
// later Pending sweep picks the batch up again.
func (t *Tracker) Abandon(subReqID string) {
	t.mu.Lock()
	delete(t.completing, subReqID)
	t.mu.Unlock()
}

// Pending claims batches whose tasks are all acknowledged but whose
// completion was never recorded, typically after a crash in between.
func (t *Tracker) Pending() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	err := t.db.Scan(ledger.BatchDonePrefix, func(key string, value []byte) error {
		var bp ledger.BatchProgress
		if json.Unmarshal(value, &bp) != nil {
			return nil
		}
		id := key[len(ledger.BatchDonePrefix):]
		if t.claim(id, bp) {
			out = append(out, id)
		}
		return nil
	})
	return out, err
}
