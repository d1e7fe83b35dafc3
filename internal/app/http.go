package app

import (
	"context"
	"time"

	"edgerelay/pkg/api"
	"edgerelay/pkg/state/logger"

	"github.com/dustin/go-humanize"
	"github.com/valyala/fasthttp"
)

// startHTTP builds and starts the fasthttp server, returning a channel
// that delivers the listener error. Requests run under a context that is
// only cancelled once the server has drained.
func (a *App) startHTTP(ctx context.Context) <-chan error {
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.reqCancel = cancel
	deps := api.Deps{
		Ingest:      a.endpoint,
		Gateway:     a.gateway,
		Stats:       func() interface{} { return a.Stats() },
		Ready:       a.ready,
		BaseContext: reqCtx,
	}
	if a.retention != nil {
		deps.Retention = a.runRetention
	}

	const (
		readBufferSize       = 64 * 1024
		readTimeout          = 30 * time.Second
		writeTimeout         = 10 * time.Second
		idleTimeout          = 30 * time.Second
		maxKeepaliveDuration = 2 * time.Minute
	)
	a.srv = &fasthttp.Server{
		Name:                 "edgerelay",
		Handler:              api.Handler(deps),
		ReadBufferSize:       readBufferSize,
		MaxRequestBodySize:   int(a.cfg.Server.MaxRequestBody.Int64()),
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MaxKeepaliveDuration: maxKeepaliveDuration,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http_listening", "addr", a.eff.Addr,
			"max_request_body", humanize.IBytes(uint64(a.cfg.Server.MaxRequestBody.Int64())))
		errCh <- a.srv.ListenAndServe(a.eff.Addr)
	}()
	return errCh
}

// Stats is the /admin/stats document.
func (a *App) Stats() map[string]interface{} {
	out := map[string]interface{}{
		"role":    string(a.role),
		"state":   a.State(),
		"version": a.version,
		"disk": map[string]interface{}{
			"alerting": a.disk.Alerting(),
		},
	}
	if !a.started.IsZero() {
		out["started"] = humanize.Time(a.started)
		out["uptime_seconds"] = int64(time.Since(a.started).Seconds())
	}
	if a.endpoint != nil {
		out["received"] = a.endpoint.Received()
		out["registry"] = a.registry.Snapshot()
		out["write_queue"] = a.pool.Stats()
	}
	if a.supervisor != nil {
		out["backends"] = a.supervisor.Status()
	}
	if a.harvester != nil {
		out["harvest"] = a.harvester.Stats()
		s := a.sampler.Latest()
		out["sample"] = s
		out["disk"] = map[string]interface{}{
			"alerting": a.disk.Alerting(),
			"used_pct": s.DiskUsedPct,
		}
	}
	return out
}
