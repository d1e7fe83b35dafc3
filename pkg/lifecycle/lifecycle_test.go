package lifecycle

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"edgerelay/pkg/config"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func newSupervisor(t *testing.T, cmd string) *Supervisor {
	t.Helper()
	s := NewSupervisor(map[string]config.ServiceConfig{
		"YoloV5":  {Kind: config.KindManaged, Command: cmd},
		"Segment": {Kind: config.KindLocal},
	}, t.TempDir(), 50*time.Millisecond)
	t.Cleanup(func() { s.Stop(time.Second) })
	return s
}

func TestEnsureRunningIsIdempotent(t *testing.T) {
	s := newSupervisor(t, "sleep 30")
	ctx := context.Background()

	require.NoError(t, s.EnsureRunning(ctx, "YoloV5"))
	first := s.Status()
	require.Len(t, first, 1)
	require.True(t, first[0].Running)

	require.NoError(t, s.EnsureRunning(ctx, "YoloV5"))
	second := s.Status()
	require.Len(t, second, 1)
	assert.Equal(t, first[0].PID, second[0].PID, "second call must not spawn a new process")
}

func TestLocalAndUnknownServices(t *testing.T) {
	s := newSupervisor(t, "sleep 30")
	assert.NoError(t, s.EnsureRunning(context.Background(), "Segment"))
	assert.Empty(t, s.Status())

	err := s.EnsureRunning(context.Background(), "Bert")
	assert.True(t, errors.Is(err, ErrUnknownService))
}

func TestImmediateCrashFails(t *testing.T) {
	s := newSupervisor(t, "sh -c 'exit 3'")
	err := s.EnsureRunning(context.Background(), "YoloV5")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStartFailed))
	assert.Empty(t, s.Status())
}

func TestExitedBackendIsRestarted(t *testing.T) {
	s := newSupervisor(t, "sh -c 'sleep 0.2'")
	require.NoError(t, s.EnsureRunning(context.Background(), "YoloV5"))
	pid := s.Status()[0].PID

	require.Eventually(t, func() bool {
		st := s.Status()
		return len(st) == 1 && !st[0].Running
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, s.EnsureRunning(context.Background(), "YoloV5"))
	st := s.Status()
	require.Len(t, st, 1)
	assert.NotEqual(t, pid, st[0].PID)
}

func TestRemoteGateway(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		var req struct {
			Service string `json:"service"`
		}
		_ = json.Unmarshal(ctx.PostBody(), &req)
		if string(ctx.Path()) != "/ensure_service" || req.Service != "YoloV5" {
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			return
		}
		ctx.SetBodyString(`{"status":"ok"}`)
	}}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Shutdown()

	r := NewRemote(ln.Addr().String(), time.Second)
	assert.NoError(t, r.EnsureRunning(context.Background(), "YoloV5"))
	assert.Error(t, r.EnsureRunning(context.Background(), "Bert"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	deadline, stop := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer stop()
	assert.Error(t, r.EnsureRunning(deadline, "YoloV5"))
}
