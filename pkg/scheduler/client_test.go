package scheduler

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func TestCallbacks(t *testing.T) {
	var mu sync.Mutex
	got := map[string][]byte{}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		mu.Lock()
		got[string(ctx.Path())] = append([]byte(nil), ctx.PostBody()...)
		mu.Unlock()
		if string(ctx.Path()) == "/task_result_ready" {
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		}
	}}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Shutdown()

	c := New(ln.Addr().String(), "edge-01", time.Second)
	require.NoError(t, c.TaskCompleted("1.jpg", "10.0.0.7", "YoloV5"))
	assert.Error(t, c.TaskResultReady("1.jpg"))

	mu.Lock()
	defer mu.Unlock()
	var body Completion
	require.NoError(t, json.Unmarshal(got["/task_completed"], &body))
	assert.Equal(t, Completion{TaskID: "1.jpg", DeviceID: "edge-01", ClientIP: "10.0.0.7", Service: "YoloV5", Status: "success"}, body)
	assert.JSONEq(t, `{"task_id":"1.jpg"}`, string(got["/task_result_ready"]))
}

func TestUnreachableScheduler(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := New(addr, "edge-01", 200*time.Millisecond)
	assert.Error(t, c.TaskCompleted("x.jpg", "10.0.0.7", "YoloV5"))
}
