package ingest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"edgerelay/pkg/batch"

	"github.com/cockroachdb/errors"
)

// TaskLog appends task map records. One writer per process; lines are
// written with a single O_APPEND write so readers in other processes only
// ever see whole records or a partial tail.
type TaskLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func OpenTaskLog(path string) (*TaskLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create task map dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open task map %s", path)
	}
	return &TaskLog{path: path, f: f}, nil
}

func (l *TaskLog) Append(rec batch.TaskRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return errors.New("task map closed")
	}
	_, err = l.f.Write(b)
	return err
}

func (l *TaskLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
