package queue

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/valyala/bytebufferpool"
)

// Queue errors
var (
	ErrQueueClosed = errors.New("write queue closed")
)

// Write copies payload into a pooled buffer, queues it and waits for a
// worker to persist it. It returns the number of bytes written. ctx only
// bounds the wait for a free slot; once a worker holds the op the call
// waits for the outcome so the caller always knows whether the file landed.
func (q *WriteQueue) Write(ctx context.Context, path string, payload []byte) (int, error) {
	if atomic.LoadInt32(&q.closed) == 1 {
		return 0, ErrQueueClosed
	}

	q.enqWg.Add(1)
	if atomic.LoadInt32(&q.closed) == 1 {
		q.enqWg.Done()
		return 0, ErrQueueClosed
	}

	bb := bytebufferpool.Get()
	_, _ = bb.Write(payload)
	it := &QueueItem{
		Op: &WriteOp{
			Path:    path,
			Buf:     bb,
			EnqSeq:  atomic.AddUint64(&q.enqSeq, 1),
			EnqTime: time.Now(),
		},
		res: make(chan result, 1),
		Q:   q,
	}

	select {
	case q.ch <- it:
		q.inFlight.Add(1)
		q.enqWg.Done()
	case <-ctx.Done():
		q.enqWg.Done()
		bytebufferpool.Put(bb)
		return 0, errors.Wrap(ctx.Err(), "wait for write slot")
	}

	r := <-it.res
	return r.n, r.err
}

// Close stops accepting writes, lets the workers drain what is queued and
// waits for them.
func (q *WriteQueue) Close() error {
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		return nil
	}
	q.enqWg.Wait()
	q.closeOnce.Do(func() {
		close(q.ch)
	})
	q.workersWg.Wait()
	return nil
}
