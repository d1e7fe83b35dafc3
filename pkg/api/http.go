// Package api exposes the intake, lifecycle and admin endpoints over
// fasthttp.
package api

import (
	"context"
	"net/http"
	"net/http/pprof"
	"runtime"

	"edgerelay/pkg/api/router"
	"edgerelay/pkg/ingest"
	"edgerelay/pkg/state/logger"
	"edgerelay/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

func init() {
	telemetry.RegisterGauge("heap_alloc_bytes", "Current heap allocation in bytes.", func() float64 {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		return float64(stats.HeapAlloc)
	})
	telemetry.RegisterGauge("gc_pause_total_ns", "Total GC pause time in nanoseconds.", func() float64 {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		return float64(stats.PauseTotalNs)
	})
}

// Deps carries what the handlers need. Nil members disable their routes,
// so a harvest-only process serves the admin surface alone.
type Deps struct {
	Ingest  *ingest.Endpoint
	Gateway ingest.Gateway

	// Stats returns the admin stats document.
	Stats func() interface{}
	// Ready reports whether the process accepts work.
	Ready func() error
	// Retention runs the pruning job once.
	Retention func(ctx context.Context) (interface{}, error)

	// BaseContext bounds the work a request starts. It outlives the
	// request so a drained server can finish writes; nil means Background.
	BaseContext context.Context
}

// wrapHTTPHandler wraps an http.Handler to work with fasthttp.
func wrapHTTPHandler(h http.Handler) fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(h)
}

// RegisterRoutes wires all routes onto r.
func RegisterRoutes(r *router.Router, d Deps) {
	h := &handlers{deps: d}

	// task intake
	if d.Ingest != nil {
		r.POST("/recv_task", h.recvTask)
		r.POST("/recv_sub_req_meta", h.recvSubReqMeta)
	}
	if d.Gateway != nil {
		r.POST("/ensure_service", h.ensureService)
	}

	// health
	r.GET("/healthz", h.healthz)
	r.GET("/readyz", h.readyz)

	// admin
	r.GET("/admin/stats", h.stats)
	if d.Retention != nil {
		r.POST("/admin/jobs/retention", h.runRetention)
	}

	// admin debug routes
	r.GET("/admin/debug/prometheus", wrapHTTPHandler(promhttp.Handler()))
	r.GET("/admin/debug/pprof/", wrapHTTPHandler(http.HandlerFunc(pprof.Index)))
	r.GET("/admin/debug/pprof/cmdline", wrapHTTPHandler(http.HandlerFunc(pprof.Cmdline)))
	r.GET("/admin/debug/pprof/profile", wrapHTTPHandler(http.HandlerFunc(pprof.Profile)))
	r.GET("/admin/debug/pprof/symbol", wrapHTTPHandler(http.HandlerFunc(pprof.Symbol)))
	r.GET("/admin/debug/pprof/trace", wrapHTTPHandler(http.HandlerFunc(pprof.Trace)))
	r.GET("/admin/debug/pprof/{profile}", func(ctx *fasthttp.RequestCtx) {
		wrapHTTPHandler(pprof.Handler(router.PathParam(ctx, "profile")))(ctx)
	})
}

// Handler returns the request handler with access logging.
func Handler(d Deps) fasthttp.RequestHandler {
	r := router.New()
	RegisterRoutes(r, d)
	return func(ctx *fasthttp.RequestCtx) {
		r.Handler(ctx)
		logger.LogRequestFast(ctx)
	}
}
