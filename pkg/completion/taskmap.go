package completion

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sync"

	"edgerelay/pkg/batch"
	"edgerelay/pkg/state/logger"

	"github.com/cockroachdb/errors"
)

// TaskMapIndex resolves task ids to their batch by tailing the task map
// written by the ingest side. The file is only re-read on a miss, from the
// offset reached last time.
type TaskMapIndex struct {
	path string

	mu    sync.Mutex
	pos   int64
	byID  map[string]batch.TaskRecord // latest record per file name
	byDir map[string]batch.TaskRecord // <batch_dir>/<task_id>
}

func NewTaskMapIndex(path string) *TaskMapIndex {
	return &TaskMapIndex{
		path:  path,
		byID:  make(map[string]batch.TaskRecord),
		byDir: make(map[string]batch.TaskRecord),
	}
}

// Lookup returns the record of taskID, refreshing the index once when it is
// not known yet. With batchDir set only that batch's record matches, since
// file names repeat across batches; otherwise the latest record wins.
func (x *TaskMapIndex) Lookup(batchDir, taskID string) (batch.TaskRecord, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if rec, ok := x.find(batchDir, taskID); ok {
		return rec, true
	}
	if err := x.refresh(); err != nil {
		logger.Debug("task_map_refresh_failed", "path", x.path, "error", err)
	}
	return x.find(batchDir, taskID)
}

func (x *TaskMapIndex) find(batchDir, taskID string) (batch.TaskRecord, bool) {
	if batchDir != "" {
		rec, ok := x.byDir[batchDir+"/"+taskID]
		return rec, ok
	}
	rec, ok := x.byID[taskID]
	return rec, ok
}

// Len is the number of indexed tasks.
func (x *TaskMapIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.byID)
}

// refresh reads whole lines past pos. A trailing line without its newline
// is left for the next call; a file shorter than pos was truncated and is
// read again from the start.
func (x *TaskMapIndex) refresh() error {
	f, err := os.Open(x.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() < x.pos {
		logger.Info("task_map_truncated", "path", x.path, "size", fi.Size(), "offset", x.pos)
		x.pos = 0
	}
	if _, err := f.Seek(x.pos, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		x.pos += int64(len(line))
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec batch.TaskRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.TaskID == "" || rec.SubReqID == "" {
			continue
		}
		x.byID[rec.TaskID] = rec
		if rec.BatchDir != "" {
			x.byDir[rec.BatchDir+"/"+rec.TaskID] = rec
		}
	}
}
