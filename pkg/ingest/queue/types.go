package queue

import (
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"
)

// WriteOp is one file to persist: Buf is written to Path+".part" and then
// renamed to Path.
type WriteOp struct {
	Path    string
	Buf     *bytebufferpool.ByteBuffer
	EnqSeq  uint64
	EnqTime time.Time
}

// QueueItem carries an op to a worker and the result back to the caller.
type QueueItem struct {
	Op   *WriteOp
	once sync.Once
	res  chan result
	Q    *WriteQueue
}

type result struct {
	n   int
	err error
}

// finish hands the outcome back and returns the buffer to the pool.
func (it *QueueItem) finish(n int, err error) {
	it.once.Do(func() {
		if it.Op.Buf != nil {
			bytebufferpool.Put(it.Op.Buf)
			it.Op.Buf = nil
		}
		if it.Q != nil {
			it.Q.inFlight.Add(-1)
		}
		it.res <- result{n: n, err: err}
	})
}

// WriteQueue is the bounded disk write pool used by ingestion. Callers
// block until a worker has taken and finished their write.
type WriteQueue struct {
	ch       chan *QueueItem
	capacity int
	closed   int32

	enqWg     sync.WaitGroup
	closeOnce sync.Once
	workersWg sync.WaitGroup

	enqSeq   uint64
	inFlight atomicInt64
	written  atomicUint64
	failed   atomicUint64
	bytes    atomicUint64
}
