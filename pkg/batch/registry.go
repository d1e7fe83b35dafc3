package batch

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"edgerelay/pkg/state/logger"
	"edgerelay/pkg/telemetry"

	"github.com/cockroachdb/errors"
)

type Options struct {
	Layout Layout
	Metas  *MetaStore

	// PollInterval is the worker tick; StallTimeout bounds how long a head
	// batch may go without a write before it is evicted (0 disables).
	PollInterval time.Duration
	StallTimeout time.Duration
}

type entry struct {
	// held shared by in-flight writes, exclusively by promotion
	io sync.RWMutex
	b  Batch
}

// Registry is the authoritative state of every in-flight batch. It owns
// the per-service FIFO queues and the promotion workers.
type Registry struct {
	layout Layout
	metas  *MetaStore
	poll   time.Duration
	stall  time.Duration
	now    func() time.Time

	// batches and queues
	mu      sync.Mutex
	batches map[string]*entry
	queues  map[string][]string

	seqMu sync.Mutex
	seqs  map[string]uint64

	workersMu sync.Mutex
	workers   map[string]*worker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewRegistry(opts Options) *Registry {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	return &Registry{
		layout:  opts.Layout,
		metas:   opts.Metas,
		poll:    poll,
		stall:   opts.StallTimeout,
		now:     time.Now,
		batches: make(map[string]*entry),
		queues:  make(map[string][]string),
		seqs:    make(map[string]uint64),
		workers: make(map[string]*worker),
		stopCh:  make(chan struct{}),
	}
}

// Register creates the staging directory of a new batch, appends it to the
// service queue and starts the service worker. Registering a live id again
// returns the existing batch unchanged.
func (r *Registry) Register(spec Spec) (Batch, error) {
	if err := spec.validate(); err != nil {
		return Batch{}, err
	}
	if !r.layout.Known(spec.Service) {
		return Batch{}, errors.Wrapf(ErrUnknownService, "%q", spec.Service)
	}
	select {
	case <-r.stopCh:
		return Batch{}, ErrStopped
	default:
	}

	r.mu.Lock()
	if e, ok := r.batches[spec.ID]; ok {
		b := e.b
		r.mu.Unlock()
		logger.Debug("batch_register_duplicate", "sub_req_id", spec.ID, "sequence", b.Sequence)
		return b, nil
	}
	seq := r.nextSeq(spec.Service)
	dir := DirName(seq, spec.ID)
	staging := filepath.Join(r.layout.StagingRoot(spec.Service), dir)
	if err := os.MkdirAll(staging, 0o755); err != nil {
		r.mu.Unlock()
		return Batch{}, errors.Wrapf(err, "create staging dir for %s", spec.ID)
	}
	now := r.now()
	b := Batch{
		ID:                spec.ID,
		RequestID:         spec.RequestID,
		Service:           spec.Service,
		TaskType:          spec.TaskType,
		Origin:            spec.ClientIP,
		DstDeviceID:       spec.DstDeviceID,
		DstDeviceIP:       spec.DstDeviceIP,
		Expected:          spec.Expected,
		Sequence:          seq,
		StagingPath:       staging,
		ReadyPath:         filepath.Join(r.layout.ReadyRoot(spec.Service), dir),
		Target:            staging,
		State:             StateStaging,
		CreatedAt:         now,
		LastWrite:         now,
		EnqueueTimeMs:     spec.EnqueueTimeMs,
		ExpectedEndTimeMs: spec.ExpectedEndTimeMs,
		QueueLenAtStart:   spec.QueueLenAtStart,
	}
	r.batches[spec.ID] = &entry{b: b}
	r.queues[spec.Service] = append(r.queues[spec.Service], spec.ID)
	depth := len(r.queues[spec.Service])
	r.mu.Unlock()

	if err := r.metas.Save(b.meta()); err != nil {
		logger.Warn("batch_snapshot_failed", "sub_req_id", b.ID, "error", err)
	}
	telemetry.BatchTransitions.WithLabelValues(b.Service, string(StateStaging)).Inc()
	logger.Info("batch_registered", "sub_req_id", b.ID, "service", b.Service,
		"sequence", seq, "expected", b.Expected, "queue_depth", depth)
	logger.AuditEvent("batch_registered", "sub_req_id", b.ID, "req_id", b.RequestID,
		"service", b.Service, "sequence", seq, "expected", b.Expected)

	r.ensureWorker(spec.Service)
	return b, nil
}

func (r *Registry) nextSeq(service string) uint64 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	r.seqs[service]++
	return r.seqs[service]
}

// Lease pins the write target of a batch for the duration of one file write.
// Promotion waits for outstanding leases, so a target handed out here stays
// valid until Release.
type Lease struct {
	BatchID   string
	RequestID string
	Service   string
	Target    string

	r    *Registry
	e    *entry
	once sync.Once
}

// Resolve returns a lease on the current target of a known batch. ok is
// false when the id is not live; callers then fall back to the plain input
// root of the service.
func (r *Registry) Resolve(id string) (*Lease, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.Lock()
	e, ok := r.batches[id]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.io.RLock()
	r.mu.Lock()
	l := &Lease{BatchID: id, RequestID: e.b.RequestID, Service: e.b.Service, Target: e.b.Target, r: r, e: e}
	r.mu.Unlock()
	return l, true
}

// Release ends the lease. A successful write counts toward the batch and
// wakes the service worker.
func (l *Lease) Release(written bool) {
	if l == nil {
		return
	}
	l.once.Do(func() {
		if !written {
			l.e.io.RUnlock()
			return
		}
		r := l.r
		r.mu.Lock()
		l.e.b.Received++
		l.e.b.LastWrite = r.now()
		if l.e.b.Promoted && l.e.b.Received >= l.e.b.Expected {
			l.e.b.State = StateComplete
		}
		received := l.e.b.Received
		r.mu.Unlock()
		l.e.io.RUnlock()

		_, err := r.metas.Update(l.BatchID, func(m *Meta) error {
			if m.ReceivedCount >= received {
				return ErrSkipWrite
			}
			m.ReceivedCount = received
			m.UpdatedTimeMs = time.Now().UnixMilli()
			return nil
		})
		if err != nil {
			logger.Debug("batch_snapshot_failed", "sub_req_id", l.BatchID, "error", err)
		}
		r.wake(l.Service)
	})
}

// Get returns a copy of a live batch.
func (r *Registry) Get(id string) (Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.batches[id]
	if !ok {
		return Batch{}, false
	}
	return e.b, true
}

// Snapshot reports queue depth per configured service.
func (r *Registry) Snapshot() Stats {
	services := make([]string, 0, len(r.layout.InputRoots))
	for name := range r.layout.InputRoots {
		services = append(services, name)
	}
	sort.Strings(services)

	r.workersMu.Lock()
	running := make(map[string]bool, len(r.workers))
	for name := range r.workers {
		running[name] = true
	}
	r.workersMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Live: len(r.batches)}
	for _, name := range services {
		q := r.queues[name]
		ss := ServiceStats{Service: name, Depth: len(q), Worker: running[name]}
		if len(q) > 0 {
			ss.Head = q[0]
		}
		st.Services = append(st.Services, ss)
	}
	return st
}

// Recover reloads live batches from their snapshots, restores the
// sequence counters and queue order, and restarts workers.
func (r *Registry) Recover() (int, error) {
	metas, err := r.metas.List()
	if err != nil {
		return 0, err
	}
	restored := 0
	r.mu.Lock()
	for _, m := range metas {
		r.seqMu.Lock()
		if m.Sequence > r.seqs[m.Service] {
			r.seqs[m.Service] = m.Sequence
		}
		r.seqMu.Unlock()

		if !m.Live() {
			continue
		}
		if !r.layout.Known(m.Service) {
			logger.Warn("batch_recover_unknown_service", "sub_req_id", m.SubReqID, "service", m.Service)
			continue
		}
		if _, ok := r.batches[m.SubReqID]; ok {
			continue
		}
		b := fromMeta(m)
		if !b.Promoted && pathExists(b.ReadyPath) {
			b.Promoted = true
			b.Target = b.ReadyPath
		}
		if !b.Promoted {
			if err := os.MkdirAll(b.StagingPath, 0o755); err != nil {
				logger.Warn("batch_recover_staging_failed", "sub_req_id", b.ID, "error", err)
				continue
			}
		}
		b.LastWrite = r.now()
		r.batches[b.ID] = &entry{b: b}
		r.queues[b.Service] = append(r.queues[b.Service], b.ID)
		restored++
	}
	services := make([]string, 0, len(r.queues))
	for name, q := range r.queues {
		if len(q) > 0 {
			services = append(services, name)
		}
	}
	r.mu.Unlock()

	for _, name := range services {
		r.ensureWorker(name)
	}
	if restored > 0 {
		logger.Info("batches_recovered", "count", restored)
	}
	return restored, nil
}

// Stop halts all workers and waits for them to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) ensureWorker(service string) {
	r.workersMu.Lock()
	defer r.workersMu.Unlock()
	if _, ok := r.workers[service]; ok {
		return
	}
	select {
	case <-r.stopCh:
		return
	default:
	}
	w := newWorker(r, service)
	r.workers[service] = w
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		w.run(r.stopCh)
	}()
	logger.Info("promotion_worker_started", "service", service)
}

func (r *Registry) wake(service string) {
	r.workersMu.Lock()
	w := r.workers[service]
	r.workersMu.Unlock()
	if w != nil {
		w.signal()
	}
}

// head returns the entry at the front of the service queue.
func (r *Registry) head(service string) (*entry, Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[service]
	for len(q) > 0 {
		if e, ok := r.batches[q[0]]; ok {
			return e, e.b, true
		}
		q = q[1:]
	}
	r.queues[service] = q
	return nil, Batch{}, false
}

// pop removes id from the head of its queue and from the batch map.
func (r *Registry) pop(service, id string, final State) (Batch, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.queues[service]
	if len(q) == 0 || q[0] != id {
		return Batch{}, false
	}
	e := r.batches[id]
	r.queues[service] = q[1:]
	delete(r.batches, id)
	if e == nil {
		return Batch{}, false
	}
	e.b.State = final
	return e.b, true
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
