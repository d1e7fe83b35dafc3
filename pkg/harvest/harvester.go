// Package harvest ships inference results back to the node that sent the
// input, oldest origin directory first.
package harvest

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"edgerelay/pkg/completion"
	"edgerelay/pkg/state"
	"edgerelay/pkg/state/logger"
	"edgerelay/pkg/telemetry"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Acknowledger reports a delivered file; see completion.Notifier.
type Acknowledger interface {
	Acknowledge(ctx context.Context, d completion.Delivery) error
}

// ReadyNotifier receives the best-effort task_result_ready callback.
type ReadyNotifier interface {
	TaskResultReady(taskID string) error
}

type Options struct {
	Roots    []Root
	Interval time.Duration
	Watch    bool
}

type Stats struct {
	Passes    uint64 `json:"passes"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

// Harvester runs a single sequential delivery loop.
type Harvester struct {
	opts     Options
	up       *Uploader
	ready    ReadyNotifier
	acks     Acknowledger
	failures *state.FailureWriter
	idleLog  rate.Sometimes

	passes    atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

func New(opts Options, up *Uploader, ready ReadyNotifier, acks Acknowledger, failures *state.FailureWriter) *Harvester {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	return &Harvester{
		opts:     opts,
		up:       up,
		ready:    ready,
		acks:     acks,
		failures: failures,
		idleLog:  rate.Sometimes{Interval: time.Minute},
	}
}

// Run loops until ctx is cancelled. Without a candidate, or after a pass
// that delivered nothing, it waits for the interval or a file event.
func (h *Harvester) Run(ctx context.Context) error {
	var wake <-chan struct{}
	if h.opts.Watch {
		w, err := newWatcher(h.opts.Roots)
		if err != nil {
			logger.Warn("result_watch_unavailable", "error", err)
		} else {
			defer w.Close()
			wake = w.wake
		}
	}
	logger.Info("harvester_started", "roots", len(h.opts.Roots), "interval", h.opts.Interval.String(), "watch", wake != nil)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("harvester_stopped", "delivered", h.delivered.Load(), "failed", h.failed.Load())
			return nil
		case <-timer.C:
		case <-wake:
		}
		for {
			found, delivered := h.ProcessNext(ctx)
			if !found {
				h.idleLog.Do(func() {
					logger.Debug("harvest_idle", "wait", h.opts.Interval.String())
				})
				break
			}
			if delivered == 0 || ctx.Err() != nil {
				break
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(h.opts.Interval)
	}
}

// ProcessNext delivers every file of the oldest candidate directory. It
// reports whether a candidate existed and how many files were delivered.
func (h *Harvester) ProcessNext(ctx context.Context) (bool, int) {
	c, ok := NextCandidate(h.opts.Roots)
	if !ok {
		return false, 0
	}
	h.passes.Add(1)
	pass := uuid.NewString()
	logger.Debug("harvest_pass", "pass", pass, "service", c.Service, "origin", c.Origin, "files", len(c.Files))

	delivered := 0
	for _, name := range c.Files {
		if ctx.Err() != nil {
			break
		}
		if h.deliver(ctx, c, name) {
			delivered++
		}
	}
	logger.Info("harvest_pass_done", "pass", pass, "service", c.Service, "origin", c.Origin,
		"delivered", delivered, "files", len(c.Files))
	return true, delivered
}

// deliver runs one file through ready, upload, acknowledge and delete. The
// file is removed only after the acknowledgement went through.
func (h *Harvester) deliver(ctx context.Context, c Candidate, name string) bool {
	path := filepath.Join(c.Path, name)
	if h.ready != nil {
		if err := h.ready.TaskResultReady(name); err != nil {
			logger.Debug("task_result_ready_failed", "task_id", name, "error", err)
		}
	}
	if err := h.up.Upload(c.Origin, c.Service, path); err != nil {
		h.fail("upload", c, name, err)
		return false
	}
	if err := h.acks.Acknowledge(ctx, completion.Delivery{TaskID: name, ClientIP: c.Origin, Service: c.Service, Batch: c.Batch}); err != nil {
		stage := "notify"
		if errors.Is(err, completion.ErrBookkeeping) {
			stage = "bookkeeping"
		}
		h.fail(stage, c, name, err)
		return false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		h.fail("delete", c, name, err)
		return false
	}
	h.delivered.Add(1)
	telemetry.ResultsDelivered.WithLabelValues(c.Service).Inc()
	logger.Info("result_delivered", "service", c.Service, "origin", c.Origin, "task_id", name)
	return true
}

func (h *Harvester) fail(stage string, c Candidate, name string, err error) {
	h.failed.Add(1)
	telemetry.DeliveryFailures.WithLabelValues(stage).Inc()
	logger.Warn("result_delivery_failed", "stage", stage, "service", c.Service, "origin", c.Origin,
		"task_id", name, "error", err)
	_ = h.failures.Write(state.Failure{
		Stage:   stage,
		Service: c.Service,
		TaskID:  name,
		Origin:  c.Origin,
		Path:    filepath.Join(c.Path, name),
	}, err)
}

func (h *Harvester) Stats() Stats {
	return Stats{Passes: h.passes.Load(), Delivered: h.delivered.Load(), Failed: h.failed.Load()}
}
