package queue

import (
	"os"
	"path/filepath"

	"edgerelay/pkg/telemetry"

	"github.com/cockroachdb/errors"
)

// Start launches n workers draining the queue until Close.
func (q *WriteQueue) Start(n int) {
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		q.workersWg.Add(1)
		go func() {
			defer q.workersWg.Done()
			RunWorker(q, WriteFileAtomic)
		}()
	}
}

// RunWorker consumes QueueItems one-by-one until the queue is closed.
func RunWorker(q *WriteQueue, handler func(path string, data []byte) (int, error)) {
	for it := range q.ch {
		tr := telemetry.Track("ingest.write")
		n, err := handler(it.Op.Path, it.Op.Buf.B)
		tr.Mark("write")
		tr.Finish()
		if err != nil {
			q.failed.Add(1)
		} else {
			q.written.Add(1)
			q.bytes.Add(uint64(n))
			telemetry.BytesWritten.Add(float64(n))
		}
		it.finish(n, err)
	}
}

// WriteFileAtomic writes data to path+".part" and renames it into place so
// readers never observe a partial file.
func WriteFileAtomic(path string, data []byte) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, errors.Wrap(err, "create target dir")
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return 0, errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, errors.Wrapf(err, "rename %s", tmp)
	}
	return len(data), nil
}
