package metricslog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"edgerelay/pkg/state/logger"

	"github.com/cockroachdb/errors"
)

var ErrClosed = errors.New("metrics log closed")

type Options struct {
	// MaxSize rotates the file once it grows past this many bytes (0 never).
	MaxSize       int64
	FlushInterval time.Duration
	Buffer        int
}

type request struct {
	fields []string
	done   chan error // set for flush requests
}

// Recorder appends rows to the metrics csv from a single goroutine. Rows
// are buffered and flushed on a ticker, on Flush and on Close.
type Recorder struct {
	path string
	opts Options
	ch   chan request

	closeMu  sync.RWMutex
	closed   bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	// owned by the writer goroutine
	f    *os.File
	w    *csv.Writer
	size int64
	now  func() time.Time
}

// Open prepares the csv at path, writing the header when the file is new
// or empty, and starts the writer.
func Open(path string, opts Options) (*Recorder, error) {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	r := &Recorder{path: path, opts: opts, ch: make(chan request, opts.Buffer), now: time.Now}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	r.wg.Add(1)
	go r.loop()
	return r, nil
}

// Record queues a row. It blocks while the buffer is full.
func (r *Recorder) Record(row Row) error {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	r.ch <- request{fields: row.Fields()}
	return nil
}

// Flush waits until every row queued before the call is on disk.
func (r *Recorder) Flush() error {
	r.closeMu.RLock()
	if r.closed {
		r.closeMu.RUnlock()
		return ErrClosed
	}
	done := make(chan error, 1)
	r.ch <- request{done: done}
	r.closeMu.RUnlock()
	return <-done
}

func (r *Recorder) Close() error {
	r.stopOnce.Do(func() {
		r.closeMu.Lock()
		r.closed = true
		close(r.ch)
		r.closeMu.Unlock()
	})
	r.wg.Wait()
	return nil
}

func (r *Recorder) Path() string { return r.path }

func (r *Recorder) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()
	defer r.closeFile()
	for {
		select {
		case req, ok := <-r.ch:
			if !ok {
				return
			}
			if req.done != nil {
				req.done <- r.flush()
				continue
			}
			if err := r.write(req.fields); err != nil {
				logger.Error("metrics_row_write_failed", "path", r.path, "error", err)
			}
		case <-ticker.C:
			if err := r.flush(); err != nil {
				logger.Warn("metrics_flush_failed", "path", r.path, "error", err)
			}
		}
	}
}

func (r *Recorder) write(fields []string) error {
	if r.w == nil {
		if err := r.openFile(); err != nil {
			return err
		}
	}
	if err := r.w.Write(fields); err != nil {
		return err
	}
	r.size += int64(rowSize(fields))
	if r.opts.MaxSize > 0 && r.size >= r.opts.MaxSize {
		return r.rotate()
	}
	return nil
}

func (r *Recorder) flush() error {
	if r.w == nil {
		return nil
	}
	r.w.Flush()
	return r.w.Error()
}

func (r *Recorder) openFile() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return errors.Wrap(err, "create metrics log dir")
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open metrics log")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrap(err, "stat metrics log")
	}
	r.f = f
	r.w = csv.NewWriter(f)
	r.size = fi.Size()
	if r.size == 0 {
		if err := r.w.Write(Header); err != nil {
			return err
		}
		r.w.Flush()
		r.size = int64(rowSize(Header))
		return r.w.Error()
	}
	return nil
}

// rotate moves the full file aside under a timestamped name and starts a
// fresh one with its own header.
func (r *Recorder) rotate() error {
	if err := r.flush(); err != nil {
		return err
	}
	r.closeFile()
	rotated := fmt.Sprintf("%s.%s", r.path, r.now().Format("20060102T150405.000"))
	if err := os.Rename(r.path, rotated); err != nil {
		return errors.Wrap(err, "rotate metrics log")
	}
	logger.Info("metrics_log_rotated", "path", r.path, "rotated", rotated)
	return r.openFile()
}

func (r *Recorder) closeFile() {
	if r.f == nil {
		return
	}
	if r.w != nil {
		r.w.Flush()
	}
	_ = r.f.Close()
	r.f = nil
	r.w = nil
}

func rowSize(fields []string) int {
	n := len(fields) // separators and newline
	for _, f := range fields {
		n += len(f)
	}
	return n
}
