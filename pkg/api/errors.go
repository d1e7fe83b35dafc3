package api

import (
	"edgerelay/pkg/api/router"
	"edgerelay/pkg/ingest"
	"edgerelay/pkg/ingest/queue"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"
)

// statusFor maps the intake error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ingest.ErrInvalid), errors.Is(err, ingest.ErrUnknownService):
		return fasthttp.StatusBadRequest
	case errors.Is(err, ingest.ErrBackendUnavailable), errors.Is(err, queue.ErrQueueClosed):
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

func writeIngestError(ctx *fasthttp.RequestCtx, err error) {
	router.Failed(ctx, statusFor(err), err.Error())
}
