package lifecycle

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"edgerelay/pkg/config"
	"edgerelay/pkg/state/logger"
	"edgerelay/pkg/telemetry"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

// Supervisor starts managed backends as child processes and restarts them
// when they have exited.
type Supervisor struct {
	services map[string]config.ServiceConfig
	logDir   string
	grace    time.Duration

	mu    sync.Mutex
	procs map[string]*proc
}

type proc struct {
	cmd     *exec.Cmd
	log     *os.File
	started time.Time
	done    chan struct{}
	err     error
}

func (p *proc) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ProcStatus describes one supervised backend.
type ProcStatus struct {
	Service string    `json:"service"`
	PID     int       `json:"pid"`
	Running bool      `json:"running"`
	Started time.Time `json:"started"`
	Error   string    `json:"error,omitempty"`
}

func NewSupervisor(services map[string]config.ServiceConfig, logDir string, grace time.Duration) *Supervisor {
	return &Supervisor{
		services: services,
		logDir:   logDir,
		grace:    grace,
		procs:    make(map[string]*proc),
	}
}

// EnsureRunning starts the backend of a managed service unless it is
// already alive. Local services are a no-op.
func (s *Supervisor) EnsureRunning(ctx context.Context, service string) error {
	svc, ok := s.services[service]
	if !ok {
		return errors.Wrapf(ErrUnknownService, "%q", service)
	}
	if !svc.Managed() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.procs[service]; p != nil {
		if p.alive() {
			return nil
		}
		logger.Warn("backend_exited", "service", service, "pid", p.cmd.Process.Pid, "error", p.err)
		delete(s.procs, service)
	}

	p, err := s.start(service, svc)
	if err != nil {
		return err
	}
	s.procs[service] = p
	telemetry.BackendStarts.WithLabelValues(service).Inc()

	// an immediate crash is reported to the caller instead of a later one
	t := time.NewTimer(s.grace)
	defer t.Stop()
	select {
	case <-p.done:
		delete(s.procs, service)
		return errors.Mark(errors.Newf("%s exited during startup: %v", service, p.err), ErrStartFailed)
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for backend startup")
	case <-t.C:
	}
	logger.Info("backend_started", "service", service, "pid", p.cmd.Process.Pid)
	return nil
}

func (s *Supervisor) start(service string, svc config.ServiceConfig) (*proc, error) {
	args, err := shellquote.Split(svc.Command)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "parse command of %s", service), ErrStartFailed)
	}
	if len(args) == 0 {
		return nil, errors.Mark(errors.Newf("service %s has no command", service), ErrStartFailed)
	}
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create backend log dir")
	}
	lf, err := os.OpenFile(filepath.Join(s.logDir, service+".log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open backend log")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = svc.Workdir
	cmd.Stdout = lf
	cmd.Stderr = lf
	cmd.Env = append(os.Environ(),
		"EDGERELAY_SERVICE="+service,
		"EDGERELAY_INPUT_DIR="+svc.InputDir,
		"EDGERELAY_RESULT_DIR="+svc.ResultDir,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		lf.Close()
		return nil, errors.Mark(errors.Wrapf(err, "start %s", service), ErrStartFailed)
	}

	p := &proc{cmd: cmd, log: lf, started: time.Now(), done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		lf.Close()
		close(p.done)
	}()
	return p, nil
}

// Status lists the supervised backends.
func (s *Supervisor) Status() []ProcStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProcStatus, 0, len(s.procs))
	for name, p := range s.procs {
		st := ProcStatus{Service: name, PID: p.cmd.Process.Pid, Running: p.alive(), Started: p.started}
		if !st.Running && p.err != nil {
			st.Error = p.err.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Stop terminates every backend, escalating to SIGKILL after timeout.
func (s *Supervisor) Stop(timeout time.Duration) {
	s.mu.Lock()
	procs := s.procs
	s.procs = make(map[string]*proc)
	s.mu.Unlock()

	for name, p := range procs {
		if !p.alive() {
			continue
		}
		pid := p.cmd.Process.Pid
		_ = syscall.Kill(-pid, syscall.SIGTERM)
		select {
		case <-p.done:
		case <-time.After(timeout):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			<-p.done
		}
		logger.Info("backend_stopped", "service", name, "pid", pid)
	}
}
