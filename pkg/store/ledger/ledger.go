package ledger

import (
	"encoding/json"
	"time"

	"edgerelay/pkg/state/logger"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

var errNotOpen = errors.New("ledger not opened")

// TaskDone marks one acknowledged task.
type TaskDone struct {
	SubReqID string `json:"sub_req_id"`
	TsMs     int64  `json:"ts"`
}

// BatchProgress counts acknowledged tasks of one sub-request.
type BatchProgress struct {
	Done         int   `json:"done"`
	SubReqCount  int   `json:"sub_req_count"`
	DoneRecorded bool  `json:"done_recorded"`
	TsMs         int64 `json:"ts"`
}

// DB is the completion ledger. It survives restarts so a batch completes
// exactly once even when acknowledgements straddle a crash.
type DB struct {
	client *pebble.DB
	path   string
}

func Open(path string) (*DB, error) {
	client, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("ledger_open_failed", "path", path, "error", err)
		return nil, errors.Wrapf(err, "open ledger %s", path)
	}
	return &DB{client: client, path: path}, nil
}

func (d *DB) Close() error {
	if d == nil || d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

func (d *DB) Path() string { return d.path }

func IsNotFound(err error) bool {
	return errors.Is(err, pebble.ErrNotFound)
}

func (d *DB) GetKey(key string) ([]byte, error) {
	if d == nil || d.client == nil {
		return nil, errNotOpen
	}
	v, closer, err := d.client.Get([]byte(key))
	if err != nil {
		if !IsNotFound(err) {
			logger.Error("ledger_get_failed", "key", key, "error", err)
		}
		return nil, err
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (d *DB) SaveKey(key string, value []byte) error {
	if d == nil || d.client == nil {
		return errNotOpen
	}
	if err := d.client.Set([]byte(key), value, pebble.Sync); err != nil {
		logger.Error("ledger_save_failed", "key", key, "error", err)
		return err
	}
	return nil
}

func (d *DB) DeleteKey(key string) error {
	if d == nil || d.client == nil {
		return errNotOpen
	}
	if err := d.client.Delete([]byte(key), pebble.Sync); err != nil {
		logger.Error("ledger_delete_failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Scan calls fn for every key with prefix, in key order. Returning an error
// from fn stops the scan.
func (d *DB) Scan(prefix string, fn func(key string, value []byte) error) error {
	if d == nil || d.client == nil {
		return errNotOpen
	}
	it, err := d.client.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		if err := fn(string(it.Key()), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// Task returns the acknowledgement record of taskID within subReqID.
func (d *DB) Task(subReqID, taskID string) (TaskDone, bool, error) {
	var td TaskDone
	ok, err := d.getJSON(TaskKey(subReqID, taskID), &td)
	return td, ok, err
}

// Progress returns the progress record of subReqID.
func (d *DB) Progress(subReqID string) (BatchProgress, bool, error) {
	var bp BatchProgress
	ok, err := d.getJSON(BatchKey(subReqID), &bp)
	return bp, ok, err
}

// RecordTask stores a task acknowledgement together with the updated
// progress of its batch in one synced write.
func (d *DB) RecordTask(taskID string, td TaskDone, bp BatchProgress) error {
	if d == nil || d.client == nil {
		return errNotOpen
	}
	tv, err := json.Marshal(td)
	if err != nil {
		return errors.Wrap(err, "marshal task record")
	}
	bv, err := json.Marshal(bp)
	if err != nil {
		return errors.Wrap(err, "marshal batch progress")
	}
	b := d.client.NewBatch()
	defer b.Close()
	if err := b.Set([]byte(TaskKey(td.SubReqID, taskID)), tv, nil); err != nil {
		return err
	}
	if err := b.Set([]byte(BatchKey(td.SubReqID)), bv, nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		logger.Error("ledger_commit_failed", "task_id", taskID, "error", err)
		return errors.Wrap(err, "commit task record")
	}
	return nil
}

// SaveProgress overwrites the progress record of subReqID.
func (d *DB) SaveProgress(subReqID string, bp BatchProgress) error {
	v, err := json.Marshal(bp)
	if err != nil {
		return errors.Wrap(err, "marshal batch progress")
	}
	return d.SaveKey(BatchKey(subReqID), v)
}

// Prune removes task records and finished batch records last touched
// before cutoff. Progress of batches still waiting for tasks is kept. With
// dryRun set nothing is deleted and the would-be count is returned.
func (d *DB) Prune(cutoff time.Time, dryRun bool) (int, error) {
	if d == nil || d.client == nil {
		return 0, errNotOpen
	}
	limit := cutoff.UnixMilli()
	var stale []string
	err := d.Scan(TaskDonePrefix, func(key string, value []byte) error {
		var td TaskDone
		if json.Unmarshal(value, &td) == nil && td.TsMs < limit {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	err = d.Scan(BatchDonePrefix, func(key string, value []byte) error {
		var bp BatchProgress
		if json.Unmarshal(value, &bp) == nil && bp.DoneRecorded && bp.TsMs < limit {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if dryRun || len(stale) == 0 {
		return len(stale), nil
	}
	b := d.client.NewBatch()
	defer b.Close()
	for _, k := range stale {
		if err := b.Delete([]byte(k), nil); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, errors.Wrap(err, "commit prune")
	}
	logger.Info("ledger_pruned", "keys", len(stale), "cutoff", cutoff.Format(time.RFC3339))
	return len(stale), nil
}

func (d *DB) getJSON(key string, out any) (bool, error) {
	v, err := d.GetKey(key)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(v, out); err != nil {
		return false, errors.Wrapf(err, "decode %s", key)
	}
	return true, nil
}
