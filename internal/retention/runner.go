// Package retention prunes finished batch snapshots, completion ledger
// records and failure logs on a cron schedule.
package retention

import (
	"context"
	"sync"
	"time"

	"edgerelay/pkg/batch"
	"edgerelay/pkg/config"
	"edgerelay/pkg/state/logger"
	"edgerelay/pkg/store/ledger"

	"github.com/adhocore/gronx"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

var ErrRunning = errors.New("retention run already in progress")

const maxConsecutiveRenewFails = 3

// Options wires the stores a run prunes.
type Options struct {
	Config      config.RetentionConfig
	Metas       *batch.MetaStore
	Ledger      *ledger.DB
	FailuresDir string
	// LockDir holds the retention lease file.
	LockDir string
}

type Manager struct {
	cfg   config.RetentionConfig
	metas *batch.MetaStore
	db    *ledger.DB
	fails string
	lease *fileLease
	now   func() time.Time

	mu      sync.Mutex
	running bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Manager {
	cfg := opts.Config
	if cfg.Cron == "" {
		cfg.Cron = "0 3 * * *"
	}
	if cfg.Period.Duration() <= 0 {
		cfg.Period = config.Duration(7 * 24 * time.Hour)
	}
	if cfg.LockTTL.Duration() <= 0 {
		cfg.LockTTL = config.Duration(5 * time.Minute)
	}
	return &Manager{
		cfg:   cfg,
		metas: opts.Metas,
		db:    opts.Ledger,
		fails: opts.FailuresDir,
		lease: newFileLease(opts.LockDir),
		now:   time.Now,
	}
}

// Start runs the cron loop until ctx ends or Stop is called. A disabled
// manager still serves RunOnce.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		logger.Info("retention_disabled")
		return nil
	}
	if !gronx.New().IsValid(m.cfg.Cron) {
		return errors.Newf("invalid retention cron %q", m.cfg.Cron)
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.scheduleLoop(ctx)
	}()
	logger.Info("retention_enabled", "cron", m.cfg.Cron, "period", m.cfg.Period.Duration().String(), "dry_run", m.cfg.DryRun)
	return nil
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) scheduleLoop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(m.cfg.Cron, m.now(), false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", m.cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		wait := next.Sub(m.now())
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			if _, err := m.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunning) {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single run under the lease. A lease held elsewhere
// yields a skipped result, not an error.
func (m *Manager) RunOnce(ctx context.Context) (Result, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return Result{}, ErrRunning
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	res := Result{
		RunID:  uuid.NewString(),
		Cutoff: m.now().Add(-m.cfg.Period.Duration()),
		DryRun: m.cfg.DryRun,
	}
	ttl := m.cfg.LockTTL.Duration()
	acquired, err := m.lease.Acquire(res.RunID, ttl)
	if err != nil {
		return res, errors.Wrap(err, "acquire retention lease")
	}
	if !acquired {
		res.Skipped = true
		return res, nil
	}
	defer func() {
		if err := m.lease.Release(res.RunID); err != nil {
			logger.Warn("retention_lease_release_failed", "error", err)
		}
	}()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go m.heartbeat(runCtx, runCancel, res.RunID, ttl)

	logger.Info("retention_run_start", "run_id", res.RunID, "cutoff", res.Cutoff.Format(time.RFC3339), "dry_run", res.DryRun)
	start := m.now()

	if err := pruneSnapshots(m.metas, m.db, res.Cutoff, &res); err != nil {
		return res, err
	}
	if err := runCtx.Err(); err != nil {
		return res, errors.Wrap(err, "retention run aborted")
	}
	if m.db != nil {
		n, err := m.db.Prune(res.Cutoff, res.DryRun)
		if err != nil {
			return res, errors.Wrap(err, "prune ledger")
		}
		res.Ledger = n
	}
	if err := runCtx.Err(); err != nil {
		return res, errors.Wrap(err, "retention run aborted")
	}
	if err := pruneFailures(m.fails, res.Cutoff, &res); err != nil {
		return res, err
	}

	logger.Info("retention_run_complete", "run_id", res.RunID, "scanned", res.Scanned,
		"snapshots", res.Snapshots, "ledger_keys", res.Ledger, "failure_files", res.Failures,
		"took", m.now().Sub(start).String())
	logger.AuditEvent("retention_run", "run_id", res.RunID, "snapshots", res.Snapshots,
		"ledger_keys", res.Ledger, "failure_files", res.Failures, "dry_run", res.DryRun)
	return res, nil
}

// heartbeat renews the lease and aborts the run after repeated failures.
func (m *Manager) heartbeat(ctx context.Context, abort context.CancelFunc, owner string, ttl time.Duration) {
	t := time.NewTicker(ttl / 3)
	defer t.Stop()
	fails := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.lease.Renew(owner, ttl); err != nil {
				fails++
				logger.Error("retention_lease_renew_failed", "error", err, "count", fails)
				if fails >= maxConsecutiveRenewFails {
					abort()
					return
				}
				continue
			}
			fails = 0
		}
	}
}
