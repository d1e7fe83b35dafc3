package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestWriteLandsAtomically(t *testing.T) {
	q := NewWriteQueue(2)
	q.Start(2)
	defer q.Close()

	dir := t.TempDir()
	p := filepath.Join(dir, "10.0.0.1", "a.jpg")
	n, err := q.Write(context.Background(), p, []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 bytes, got %d", n)
	}
	b, err := os.ReadFile(p)
	if err != nil || string(b) != "hello" {
		t.Fatalf("file content mismatch: %q %v", b, err)
	}
	if _, err := os.Stat(p + ".part"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind")
	}
	if st := q.Stats(); st.Written != 1 || st.Bytes != 5 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestConcurrentWriters(t *testing.T) {
	q := NewWriteQueue(4)
	q.Start(3)
	defer q.Close()

	dir := t.TempDir()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := filepath.Join(dir, "u", fmt.Sprintf("%02d.png", i))
			if _, err := q.Write(context.Background(), p, []byte{byte(i)}); err != nil {
				t.Errorf("write %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if st := q.Stats(); st.Written != 32 || st.InFlight != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestWriteWaitsForSlotUntilContextDone(t *testing.T) {
	// no workers: the single slot fills and the next writer must give up
	q := NewWriteQueue(1)
	dir := t.TempDir()

	go func() { _, _ = q.Write(context.Background(), filepath.Join(dir, "first.jpg"), []byte("x")) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := q.Write(ctx, filepath.Join(dir, "second.jpg"), []byte("y")); err == nil {
		t.Fatalf("expected context error")
	}

	q.Start(1)
	q.Close()
	if _, err := os.Stat(filepath.Join(dir, "first.jpg")); err != nil {
		t.Fatalf("queued write was not drained: %v", err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	q := NewWriteQueue(1)
	q.Start(1)
	q.Close()
	if _, err := q.Write(context.Background(), filepath.Join(t.TempDir(), "x.jpg"), nil); err != ErrQueueClosed {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	// second close is a no-op
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
