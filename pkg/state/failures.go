package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"edgerelay/pkg/state/logger"
)

// Failure is one failed delivery step kept for offline inspection. The
// artefact itself stays on disk and is retried by the next pass.
type Failure struct {
	Timestamp time.Time         `json:"timestamp"`
	Stage     string            `json:"stage"` // upload | notify | delete
	Service   string            `json:"service"`
	TaskID    string            `json:"task_id"`
	Origin    string            `json:"origin"`
	Path      string            `json:"path"`
	Error     string            `json:"error"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// FailureWriter appends failures to failures_<date>.jsonl files.
type FailureWriter struct {
	mu          sync.Mutex
	basePath    string
	current     *os.File
	currentDate string
	now         func() time.Time
}

func NewFailureWriter(basePath string) *FailureWriter {
	return &FailureWriter{basePath: basePath, now: time.Now}
}

func (fw *FailureWriter) Write(f Failure, cause error) error {
	if fw == nil {
		return nil
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if err := os.MkdirAll(fw.basePath, 0o755); err != nil {
		return errors.Wrap(err, "create failures directory")
	}

	now := fw.now()
	date := now.Format("2006-01-02")
	if fw.currentDate != date || fw.current == nil {
		if fw.current != nil {
			fw.current.Close()
		}
		name := filepath.Join(fw.basePath, fmt.Sprintf("failures_%s.jsonl", date))
		file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "open failures file")
		}
		fw.current = file
		fw.currentDate = date
	}

	f.Timestamp = now
	if cause != nil {
		f.Error = cause.Error()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "marshal failure")
	}
	if _, err := fw.current.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "write failure")
	}
	logger.Debug("delivery_failure_recorded", "stage", f.Stage, "task_id", f.TaskID, "error", f.Error)
	return nil
}

func (fw *FailureWriter) Close() error {
	if fw == nil {
		return nil
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.current != nil {
		err := fw.current.Close()
		fw.current = nil
		return err
	}
	return nil
}
