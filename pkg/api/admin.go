package api

import (
	"edgerelay/pkg/api/router"
	"edgerelay/pkg/state/logger"

	"github.com/valyala/fasthttp"
)

func (h *handlers) healthz(ctx *fasthttp.RequestCtx) {
	router.OK(ctx, map[string]interface{}{"service": "edgerelay"})
}

func (h *handlers) readyz(ctx *fasthttp.RequestCtx) {
	if h.deps.Ready != nil {
		if err := h.deps.Ready(); err != nil {
			router.Failed(ctx, fasthttp.StatusServiceUnavailable, err.Error())
			return
		}
	}
	router.OK(ctx, nil)
}

func (h *handlers) stats(ctx *fasthttp.RequestCtx) {
	if h.deps.Stats == nil {
		router.OK(ctx, nil)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, h.deps.Stats())
}

func (h *handlers) runRetention(ctx *fasthttp.RequestCtx) {
	res, err := h.deps.Retention(h.base())
	if err != nil {
		logger.Error("retention_manual_run_failed", "error", err)
		router.Failed(ctx, fasthttp.StatusInternalServerError, err.Error())
		return
	}
	logger.AuditEvent("retention_manual_run", "remote", ctx.RemoteIP().String())
	router.OK(ctx, map[string]interface{}{"result": res})
}
