package router

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Envelope is the response shape of the task intake endpoints.
type Envelope struct {
	Status string      `json:"status"`
	Result interface{} `json:"result"`
}

// WriteJSON writes v with the given status.
func WriteJSON(ctx *fasthttp.RequestCtx, status int, v interface{}) {
	ctx.Response.Header.Set("Content-Type", "application/json")
	ctx.SetStatusCode(status)
	_ = json.NewEncoder(ctx).Encode(v)
}

// Success writes {"status":"success","result":result} with 200.
func Success(ctx *fasthttp.RequestCtx, result interface{}) {
	WriteJSON(ctx, fasthttp.StatusOK, Envelope{Status: "success", Result: result})
}

// Failed writes {"status":"failed","result":{"error":message}}.
func Failed(ctx *fasthttp.RequestCtx, status int, message string) {
	WriteJSON(ctx, status, Envelope{Status: "failed", Result: map[string]string{"error": message}})
}

// OK writes {"status":"ok"} merged with extra fields.
func OK(ctx *fasthttp.RequestCtx, extra map[string]interface{}) {
	out := map[string]interface{}{"status": "ok"}
	for k, v := range extra {
		out[k] = v
	}
	WriteJSON(ctx, fasthttp.StatusOK, out)
}
