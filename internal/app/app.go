package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"edgerelay/internal/retention"
	"edgerelay/pkg/batch"
	"edgerelay/pkg/completion"
	"edgerelay/pkg/config"
	"edgerelay/pkg/config/banner"
	"edgerelay/pkg/harvest"
	"edgerelay/pkg/ingest"
	"edgerelay/pkg/ingest/queue"
	"edgerelay/pkg/lifecycle"
	"edgerelay/pkg/metricslog"
	"edgerelay/pkg/scheduler"
	"edgerelay/pkg/sensor"
	"edgerelay/pkg/state"
	"edgerelay/pkg/state/logger"
	"edgerelay/pkg/store/ledger"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"
)

// Role selects which half of the pipeline a process runs. The ingest and
// harvest halves share nothing but the workspace, so they may run as
// separate processes.
type Role string

const (
	RoleAll     Role = "all"
	RoleIngest  Role = "ingest"
	RoleHarvest Role = "harvest"
)

func (r Role) Ingest() bool  { return r == RoleAll || r == RoleIngest }
func (r Role) Harvest() bool { return r == RoleAll || r == RoleHarvest }

// ParseRole accepts all, ingest (serve) and harvest.
func ParseRole(s string) (Role, error) {
	switch s {
	case "", "all", "run":
		return RoleAll, nil
	case "ingest", "serve":
		return RoleIngest, nil
	case "harvest":
		return RoleHarvest, nil
	}
	return "", errors.Newf("unknown role %q", s)
}

// live backs the process-wide gauges.
var live atomic.Pointer[App]

// App groups the components of one process.
type App struct {
	eff     config.EffectiveConfigResult
	cfg     *config.Config
	role    Role
	version string
	paths   state.Paths
	started time.Time

	stateMu sync.Mutex
	state   string

	metas *batch.MetaStore
	disk  *sensor.DiskWatch

	// ingest role
	registry   *batch.Registry
	pool       *queue.WriteQueue
	tasks      *ingest.TaskLog
	endpoint   *ingest.Endpoint
	gateway    ingest.Gateway
	supervisor *lifecycle.Supervisor

	// harvest role
	sched     *scheduler.Client
	sampler   *sensor.Sampler
	rows      *metricslog.Recorder
	ledger    *ledger.DB
	notifier  *completion.Notifier
	collector *completion.Collector
	harvester *harvest.Harvester
	failures  *state.FailureWriter
	retention *retention.Manager

	srv       *fasthttp.Server
	cancel    context.CancelFunc
	reqCancel context.CancelFunc // ends request work once srv drained
	wg        sync.WaitGroup
}

// New builds every component of role. The workspace must already exist
// (state.Init) and eff must have passed config.ValidateConfig. Nothing is
// started until Run.
func New(eff config.EffectiveConfigResult, role Role, paths state.Paths, version string) (*App, error) {
	if eff.Config == nil {
		return nil, errors.New("effective config is nil")
	}
	a := &App{
		eff:     eff,
		cfg:     eff.Config,
		role:    role,
		version: version,
		paths:   paths,
		state:   "starting",
		metas:   batch.NewMetaStore(paths.SubReqs),
	}
	m := a.cfg.Metrics
	a.disk = sensor.NewDiskWatch(paths.Root, m.DiskHighPct, m.DiskLowPct, m.RecoveryWindow.Duration())

	if role.Ingest() {
		if err := a.buildIngest(); err != nil {
			a.release()
			return nil, err
		}
	}
	if role.Harvest() {
		if err := a.buildHarvest(); err != nil {
			a.release()
			return nil, err
		}
	}
	live.Store(a)
	return a, nil
}

// Run starts the components and blocks until ctx is cancelled or the http
// server fails.
func (a *App) Run(ctx context.Context) error {
	banner.Print(a.eff, string(a.role), a.version)

	ctx, a.cancel = context.WithCancel(ctx)
	a.started = time.Now()
	if a.role.Ingest() {
		if err := a.startIngest(ctx); err != nil {
			return err
		}
	}
	if a.role.Harvest() {
		if err := a.startHarvest(ctx); err != nil {
			return err
		}
	}

	var errCh <-chan error
	if a.role.Ingest() {
		errCh = a.startHTTP(ctx)
	}
	a.setState("running")
	logger.Info("app_running", "role", string(a.role), "addr", a.eff.Addr, "workspace", a.paths.Root)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	}
}

func (a *App) setState(s string) {
	a.stateMu.Lock()
	a.state = s
	a.stateMu.Unlock()
}

func (a *App) State() string {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

// ready gates intake: the process must be running and the workspace disk
// below its high watermark.
func (a *App) ready() error {
	if st := a.State(); st != "running" {
		return errors.Newf("state %s", st)
	}
	if a.disk.Alerting() {
		return errors.New("workspace disk usage above high watermark")
	}
	return nil
}
