package retention

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"edgerelay/pkg/batch"
	"edgerelay/pkg/state/logger"
	"edgerelay/pkg/store/ledger"

	"github.com/cockroachdb/errors"
)

// Result summarises one pruning run.
type Result struct {
	RunID     string    `json:"run_id"`
	Cutoff    time.Time `json:"cutoff"`
	DryRun    bool      `json:"dry_run"`
	Skipped   bool      `json:"skipped,omitempty"`
	Scanned   int       `json:"snapshots_scanned"`
	Snapshots int       `json:"snapshots_pruned"`
	Ledger    int       `json:"ledger_keys_pruned"`
	Failures  int       `json:"failure_files_pruned"`
}

// pruneSnapshots removes snapshots of finished batches untouched since
// cutoff. A snapshot is kept while the ledger still expects its
// completion event.
func pruneSnapshots(metas *batch.MetaStore, db *ledger.DB, cutoff time.Time, res *Result) error {
	all, err := metas.List()
	if err != nil {
		return errors.Wrap(err, "list snapshots")
	}
	limit := cutoff.UnixMilli()
	for _, m := range all {
		res.Scanned++
		if m.Live() || lastTouched(m) >= limit {
			continue
		}
		if db != nil {
			bp, ok, err := db.Progress(m.SubReqID)
			if err != nil {
				logger.Warn("retention_progress_lookup_failed", "sub_req_id", m.SubReqID, "error", err)
				continue
			}
			if ok && !bp.DoneRecorded {
				continue
			}
		}
		logger.AuditEvent("retention_item", "run_id", res.RunID, "item_type", "snapshot",
			"sub_req_id", m.SubReqID, "state", string(m.State), "dry_run", res.DryRun)
		if res.DryRun {
			res.Snapshots++
			continue
		}
		if err := metas.Remove(m.SubReqID); err != nil {
			logger.Error("retention_snapshot_remove_failed", "sub_req_id", m.SubReqID, "error", err)
			continue
		}
		res.Snapshots++
	}
	return nil
}

func lastTouched(m batch.Meta) int64 {
	ts := m.UpdatedTimeMs
	for _, v := range []int64{m.EndTimeMs, m.StartTimeMs, m.CreatedTimeMs} {
		if v > ts {
			ts = v
		}
	}
	return ts
}

// pruneFailures removes daily failure files whose day ended before cutoff.
func pruneFailures(dir string, cutoff time.Time, res *Result) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return errors.Wrap(err, "read failures dir")
	}
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, "failures_") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		day, err := time.ParseInLocation("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(name, "failures_"), ".jsonl"), cutoff.Location())
		if err != nil || !day.AddDate(0, 0, 1).Before(cutoff) {
			continue
		}
		logger.AuditEvent("retention_item", "run_id", res.RunID, "item_type", "failures", "file", name, "dry_run", res.DryRun)
		if !res.DryRun {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				logger.Error("retention_failures_remove_failed", "file", name, "error", err)
				continue
			}
		}
		res.Failures++
	}
	return nil
}
