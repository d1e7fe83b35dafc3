package queue

// Stats is a snapshot of the write pool counters.
type Stats struct {
	Queued   int    `json:"queued"`
	Capacity int    `json:"capacity"`
	InFlight int64  `json:"in_flight"`
	Written  uint64 `json:"written"`
	Failed   uint64 `json:"failed"`
	Bytes    uint64 `json:"bytes"`
}

func (q *WriteQueue) Len() int        { return len(q.ch) }
func (q *WriteQueue) Cap() int        { return q.capacity }
func (q *WriteQueue) InFlight() int64 { return q.inFlight.Load() }

func (q *WriteQueue) Stats() Stats {
	return Stats{
		Queued:   len(q.ch),
		Capacity: q.capacity,
		InFlight: q.inFlight.Load(),
		Written:  q.written.Load(),
		Failed:   q.failed.Load(),
		Bytes:    q.bytes.Load(),
	}
}
