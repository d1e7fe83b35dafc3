package app

import (
	"context"

	"edgerelay/internal/retention"
	"edgerelay/pkg/completion"
	"edgerelay/pkg/harvest"
	"edgerelay/pkg/metricslog"
	"edgerelay/pkg/scheduler"
	"edgerelay/pkg/sensor"
	"edgerelay/pkg/state"
	"edgerelay/pkg/state/logger"
	"edgerelay/pkg/store/ledger"

	"github.com/cockroachdb/errors"
)

func (a *App) buildHarvest() error {
	cfg := a.cfg
	m := cfg.Metrics

	a.sched = scheduler.New(cfg.Scheduler.Addr, cfg.Scheduler.DeviceID, cfg.Scheduler.Timeout.Duration())
	a.sampler = sensor.NewSampler(sensor.Config{
		Interval:     m.SampleInterval.Duration(),
		NPUCommand:   m.NPUCommand,
		NPUTimeout:   m.NPUTimeout.Duration(),
		ProbeAddr:    cfg.Scheduler.Addr,
		ProbeTimeout: m.ProbeTimeout.Duration(),
		LoadSimPath:  a.paths.LoadSim,
		Disk:         a.disk,
	})

	rows, err := metricslog.Open(a.paths.Metrics, metricslog.Options{MaxSize: m.CSVMaxSize.Int64()})
	if err != nil {
		return errors.Wrap(err, "open metrics log")
	}
	a.rows = rows

	db, err := ledger.Open(a.paths.Ledger)
	if err != nil {
		return errors.Wrapf(err, "open ledger at %s", a.paths.Ledger)
	}
	a.ledger = db

	index := completion.NewTaskMapIndex(a.paths.TaskMap)
	tracker := completion.NewTracker(db, a.metas)
	a.notifier = completion.NewNotifier(a.sched, index, tracker, a.metas, rows, a.sampler)
	a.collector = completion.NewCollector(a.metas, rows, a.sampler, m.LogInterval.Duration())
	a.failures = state.NewFailureWriter(a.paths.Failures)

	roots := make([]harvest.Root, 0, len(cfg.Services))
	for _, name := range cfg.ServiceNames() {
		roots = append(roots, harvest.Root{Service: name, Dir: cfg.Services[name].ResultDir})
	}
	watch := cfg.Harvest.Watch == nil || *cfg.Harvest.Watch
	a.harvester = harvest.New(harvest.Options{
		Roots:    roots,
		Interval: cfg.Harvest.Interval.Duration(),
		Watch:    watch,
	}, harvest.NewUploader(cfg.Harvest.TargetPort, cfg.Harvest.UploadTimeout.Duration()), a.sched, a.notifier, a.failures)

	a.retention = retention.New(retention.Options{
		Config:      cfg.Retention,
		Metas:       a.metas,
		Ledger:      db,
		FailuresDir: a.paths.Failures,
		LockDir:     a.paths.Retention,
	})
	return nil
}

func (a *App) startHarvest(ctx context.Context) error {
	a.sampler.Start()
	a.collector.Start()

	n, err := a.notifier.Recover()
	if err != nil {
		logger.Warn("completion_recover_failed", "error", err)
	} else if n > 0 {
		logger.Info("completion_recovered", "batches", n)
	}

	if err := a.retention.Start(ctx); err != nil {
		return errors.Wrap(err, "start retention")
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.harvester.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("harvester_stopped", "error", err)
		}
	}()
	logger.Info("harvest_ready", "roots", len(a.cfg.Services), "target_port", a.cfg.Harvest.TargetPort,
		"scheduler", a.cfg.Scheduler.Addr)
	return nil
}

// runRetention serves the manual retention trigger.
func (a *App) runRetention(ctx context.Context) (interface{}, error) {
	return a.retention.RunOnce(ctx)
}

func (a *App) stopHarvest() {
	if a.retention != nil {
		a.retention.Stop()
	}
	if a.collector != nil {
		a.collector.Stop()
	}
	if a.sampler != nil {
		a.sampler.Stop()
	}
}

// closeStores releases files and databases; it runs after every loop has
// stopped.
func (a *App) closeStores() {
	if a.rows != nil {
		if err := a.rows.Close(); err != nil {
			logger.Warn("metrics_log_close_failed", "error", err)
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			logger.Warn("ledger_close_failed", "error", err)
		}
	}
	if a.failures != nil {
		_ = a.failures.Close()
	}
}
