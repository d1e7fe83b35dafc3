package queue

import (
	"sync/atomic"

	"edgerelay/pkg/config"
)

type (
	atomicInt64  = atomic.Int64
	atomicUint64 = atomic.Uint64
)

// NewWriteQueue creates a bounded WriteQueue of given capacity (>0).
func NewWriteQueue(capacity int) *WriteQueue {
	if capacity <= 0 {
		panic("queue.NewWriteQueue: capacity must be > 0; ensure config.ValidateConfig() applied defaults")
	}
	return &WriteQueue{ch: make(chan *QueueItem, capacity), capacity: capacity}
}

// NewWriteQueueFromConfig sizes the queue from the ingest section and
// starts its workers.
func NewWriteQueueFromConfig(ic config.IngestConfig) *WriteQueue {
	q := NewWriteQueue(ic.WriteQueue)
	q.Start(ic.WriteWorkers)
	return q
}
