package app

import (
	"context"
	"time"

	"edgerelay/pkg/batch"
	"edgerelay/pkg/ingest"
	"edgerelay/pkg/ingest/queue"
	"edgerelay/pkg/lifecycle"
	"edgerelay/pkg/state/logger"
	"edgerelay/pkg/telemetry"

	"github.com/cockroachdb/errors"
)

func init() {
	telemetry.RegisterGauge("write_queue_depth", "Task unit writes waiting for a worker.", func() float64 {
		if a := live.Load(); a != nil && a.pool != nil {
			return float64(a.pool.Len())
		}
		return 0
	})
	telemetry.RegisterGauge("live_batches", "Batches held by the registry.", func() float64 {
		if a := live.Load(); a != nil && a.registry != nil {
			return float64(a.registry.Snapshot().Live)
		}
		return 0
	})
}

func (a *App) layout() batch.Layout {
	roots := make(map[string]string, len(a.cfg.Services))
	for name, svc := range a.cfg.Services {
		roots[name] = svc.InputDir
	}
	return batch.Layout{InputRoots: roots}
}

func (a *App) buildIngest() error {
	cfg := a.cfg
	layout := a.layout()
	a.registry = batch.NewRegistry(batch.Options{
		Layout:       layout,
		Metas:        a.metas,
		PollInterval: cfg.Batch.PollInterval.Duration(),
		StallTimeout: cfg.Batch.StallTimeoutDuration(),
	})

	tasks, err := ingest.OpenTaskLog(a.paths.TaskMap)
	if err != nil {
		return errors.Wrap(err, "open task map")
	}
	a.tasks = tasks

	managed := make(map[string]bool)
	for name, svc := range cfg.Services {
		if svc.Managed() {
			managed[name] = true
		}
	}
	switch {
	case cfg.Lifecycle.GatewayAddr != "":
		a.gateway = lifecycle.NewRemote(cfg.Lifecycle.GatewayAddr, cfg.Lifecycle.Timeout.Duration())
	case len(managed) > 0:
		a.supervisor = lifecycle.NewSupervisor(cfg.Services, a.paths.Backends, cfg.Lifecycle.StartGrace.Duration())
		a.gateway = a.supervisor
	default:
		a.gateway = lifecycle.Noop{}
	}

	a.pool = queue.NewWriteQueueFromConfig(cfg.Ingest)
	a.endpoint = ingest.New(ingest.Options{
		DefaultService: cfg.Ingest.DefaultService,
		Layout:         layout,
		Managed:        managed,
		EnsureTimeout:  cfg.Lifecycle.Timeout.Duration(),
	}, a.registry, a.pool, a.gateway, a.tasks, ingest.NewRecvCounter(a.paths.RecvStats, cfg.Ingest.RecvStatsEvery))
	return nil
}

func (a *App) startIngest(ctx context.Context) error {
	n, err := a.registry.Recover()
	if err != nil {
		return errors.Wrap(err, "recover batches")
	}
	logger.Info("ingest_ready", "recovered_batches", n, "write_workers", a.cfg.Ingest.WriteWorkers,
		"default_service", a.cfg.Ingest.DefaultService)

	// the harvest role refreshes the disk watch through its sampler
	if !a.role.Harvest() {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.watchDisk(ctx, a.cfg.Metrics.SampleInterval.Duration())
		}()
	}
	return nil
}

func (a *App) watchDisk(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	a.disk.Check(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			a.disk.Check(now)
		}
	}
}

func (a *App) stopIngest(timeout time.Duration) {
	if a.registry != nil {
		a.registry.Stop()
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			logger.Warn("write_queue_close_failed", "error", err)
		}
	}
	if a.tasks != nil {
		if err := a.tasks.Close(); err != nil {
			logger.Warn("task_map_close_failed", "error", err)
		}
	}
	if a.supervisor != nil {
		a.supervisor.Stop(timeout)
	}
}
