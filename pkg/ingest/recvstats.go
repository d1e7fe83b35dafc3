package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RecvCounter counts received units and appends a timestamp line to the
// receive stats log every `every` units.
type RecvCounter struct {
	mu    sync.Mutex
	n     uint64
	every uint64
	path  string
	now   func() time.Time
}

func NewRecvCounter(path string, every int) *RecvCounter {
	if every <= 0 {
		every = 500
	}
	return &RecvCounter{every: uint64(every), path: path, now: time.Now}
}

// Bump increments the counter and returns the new total.
func (c *RecvCounter) Bump() uint64 {
	c.mu.Lock()
	c.n++
	n := c.n
	c.mu.Unlock()
	if n%c.every == 0 {
		c.record(n)
	}
	return n
}

func (c *RecvCounter) Total() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func (c *RecvCounter) record(n uint64) {
	ts := c.now()
	line := fmt.Sprintf("%d\t%s\trecv_total=%d\n", ts.Unix(), ts.Format("2006-01-02 15:04:05"), n)
	_ = os.MkdirAll(filepath.Dir(c.path), 0o755)
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line)
}
