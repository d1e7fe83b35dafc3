package ingest

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"edgerelay/pkg/batch"
	"edgerelay/pkg/ingest/queue"
	"edgerelay/pkg/state/logger"
	"edgerelay/pkg/telemetry"

	"github.com/cockroachdb/errors"
)

type Options struct {
	DefaultService string
	Layout         batch.Layout
	// Managed lists services whose backend must be ensured before a write.
	Managed       map[string]bool
	EnsureTimeout time.Duration
}

// Endpoint accepts task units and batch registrations.
type Endpoint struct {
	opts     Options
	registry *batch.Registry
	pool     *queue.WriteQueue
	gateway  Gateway
	tasks    *TaskLog
	recv     *RecvCounter
	now      func() time.Time
}

func New(opts Options, reg *batch.Registry, pool *queue.WriteQueue, gw Gateway, tasks *TaskLog, recv *RecvCounter) *Endpoint {
	if opts.EnsureTimeout <= 0 {
		opts.EnsureTimeout = 3 * time.Second
	}
	return &Endpoint{
		opts:     opts,
		registry: reg,
		pool:     pool,
		gateway:  gw,
		tasks:    tasks,
		recv:     recv,
		now:      time.Now,
	}
}

// ResolveService maps a hint onto a configured service; an empty hint
// selects the default service.
func (e *Endpoint) ResolveService(hint string) (string, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return e.opts.DefaultService, nil
	}
	if !e.opts.Layout.Known(hint) {
		return "", errors.Wrapf(ErrUnknownService, "%q", hint)
	}
	return hint, nil
}

// RegisterBatch declares a sub-request and queues it behind earlier batches
// of the same service.
func (e *Endpoint) RegisterBatch(ctx context.Context, spec BatchSpec) (batch.Batch, error) {
	if err := ValidateBatchSpec(spec); err != nil {
		return batch.Batch{}, err
	}
	service, err := e.ResolveService(spec.TaskType)
	if err != nil {
		return batch.Batch{}, err
	}
	b, err := e.registry.Register(batch.Spec{
		ID:                spec.SubReqID,
		RequestID:         spec.ReqID,
		Service:           service,
		TaskType:          service,
		ClientIP:          spec.ClientIP,
		DstDeviceID:       spec.DstDeviceID,
		DstDeviceIP:       spec.DstDeviceIP,
		Expected:          spec.SubReqCount,
		EnqueueTimeMs:     spec.EnqueueTimeMs,
		ExpectedEndTimeMs: spec.ExpectedEndTimeMs,
		QueueLenAtStart:   spec.QueueLenAtStart,
	})
	switch {
	case errors.Is(err, batch.ErrInvalidSpec):
		return b, errors.Mark(err, ErrInvalid)
	case errors.Is(err, batch.ErrUnknownService):
		return b, errors.Mark(err, ErrUnknownService)
	}
	return b, err
}

// SubmitTaskUnit persists one unit under the current target of its batch,
// or under the plain input root when it has no live batch.
func (e *Endpoint) SubmitTaskUnit(ctx context.Context, u TaskUnit) (Saved, error) {
	tr := telemetry.Track("ingest.submit")
	defer tr.Finish()

	if err := ValidateTaskUnit(&u); err != nil {
		return Saved{}, err
	}
	service, err := e.ResolveService(u.Service)
	if err != nil {
		return Saved{}, err
	}

	if e.opts.Managed[service] && e.gateway != nil {
		ectx, cancel := context.WithTimeout(ctx, e.opts.EnsureTimeout)
		err := e.gateway.EnsureRunning(ectx, service)
		cancel()
		tr.Mark("ensure_running")
		if err != nil {
			logger.Warn("backend_unavailable", "service", service, "error", err)
			return Saved{}, errors.Mark(errors.Wrapf(err, "ensure %s", service), ErrBackendUnavailable)
		}
	}

	lease, grouped := e.registry.Resolve(u.BatchID)
	root := e.opts.Layout.InputRoot(service)
	if grouped {
		root = lease.Target
		service = lease.Service
	}
	path := filepath.Join(root, OriginDir(u.Origin), u.FileName)

	n, err := e.pool.Write(ctx, path, u.Data)
	tr.Mark("write")
	if err == nil && grouped {
		// the record must exist before the unit counts toward promotion; a
		// unit without one could never be matched at completion
		if err = e.appendTask(u, lease, service); err != nil {
			if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				logger.Warn("task_unit_remove_failed", "path", path, "error", rerr)
			}
		}
	}
	lease.Release(err == nil)
	e.recv.Bump()
	if err != nil {
		logger.Error("task_unit_write_failed", "service", service, "path", path, "error", err)
		if errors.Is(err, queue.ErrQueueClosed) {
			return Saved{}, err
		}
		return Saved{}, errors.Wrap(err, "persist task unit")
	}

	telemetry.UnitsReceived.WithLabelValues(service, strconv.FormatBool(grouped)).Inc()
	saved := Saved{Path: path, Origin: u.Origin, SizeBytes: n, Service: service}
	if grouped {
		saved.BatchID = u.BatchID
	}
	logger.Debug("task_unit_saved", "service", service, "path", path, "bytes", n, "sub_req_id", u.BatchID)
	return saved, nil
}

func (e *Endpoint) appendTask(u TaskUnit, lease *batch.Lease, service string) error {
	rec := batch.TaskRecord{
		TaskID:     u.FileName,
		SubReqID:   u.BatchID,
		ReqID:      u.RequestID,
		TaskType:   service,
		ClientIP:   u.Origin,
		RecvTimeMs: e.now().UnixMilli(),
		BatchDir:   filepath.Base(lease.Target),
	}
	if rec.ReqID == "" {
		rec.ReqID = lease.RequestID
	}
	if err := e.tasks.Append(rec); err != nil {
		return errors.Wrapf(err, "record task %s", rec.TaskID)
	}
	return nil
}

// Received is the process-wide receive count.
func (e *Endpoint) Received() uint64 { return e.recv.Total() }

// OriginDir is the per-origin directory name. Addresses are used as is so
// the backend mirrors them into result directories the harvester can route;
// anything else is reduced to a safe name.
func OriginDir(origin string) string {
	if strings.EqualFold(origin, "localhost") || (net.ParseIP(origin) != nil && !strings.Contains(origin, ":")) {
		return origin
	}
	return batch.SafeName(origin)
}
