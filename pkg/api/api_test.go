package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"edgerelay/pkg/batch"
	"edgerelay/pkg/ingest"
	"edgerelay/pkg/ingest/queue"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type stubGateway struct{ err error }

func (g stubGateway) EnsureRunning(ctx context.Context, service string) error { return g.err }

type testServer struct {
	base string
	root string
	hc   *fasthttp.Client
}

func startServer(t *testing.T, gw ingest.Gateway, managed bool) *testServer {
	t.Helper()
	return startServerWith(t, gw, managed, nil)
}

func startServerWith(t *testing.T, gw ingest.Gateway, managed bool, base context.Context) *testServer {
	t.Helper()
	root := t.TempDir()
	layout := batch.Layout{InputRoots: map[string]string{"YoloV5": filepath.Join(root, "input")}}
	reg := batch.NewRegistry(batch.Options{
		Layout:       layout,
		Metas:        batch.NewMetaStore(filepath.Join(root, "log", "sub_reqs")),
		PollInterval: 10 * time.Millisecond,
	})
	pool := queue.NewWriteQueue(8)
	pool.Start(2)
	tasks, err := ingest.OpenTaskLog(filepath.Join(root, "log", "task_map.jsonl"))
	require.NoError(t, err)
	ep := ingest.New(ingest.Options{
		DefaultService: "YoloV5",
		Layout:         layout,
		Managed:        map[string]bool{"YoloV5": managed},
	}, reg, pool, gw, tasks, ingest.NewRecvCounter(filepath.Join(root, "log", "receive_stats.log"), 500))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fasthttp.Server{Handler: Handler(Deps{
		Ingest:  ep,
		Gateway: gw,
		Stats:   func() interface{} { return map[string]interface{}{"received": ep.Received()} },
		Ready:   func() error { return nil },
		Retention: func(ctx context.Context) (interface{}, error) {
			return map[string]int{"pruned": 0}, nil
		},
		BaseContext: base,
	})}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		_ = srv.Shutdown()
		reg.Stop()
		_ = pool.Close()
		_ = tasks.Close()
	})
	return &testServer{base: "http://" + ln.Addr().String(), root: root, hc: &fasthttp.Client{}}
}

func (s *testServer) do(t *testing.T, method, path, contentType string, body []byte) (int, map[string]interface{}) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(s.base + path)
	req.Header.SetMethod(method)
	if contentType != "" {
		req.Header.SetContentType(contentType)
	}
	req.SetBody(body)
	require.NoError(t, s.hc.DoTimeout(req, resp, 5*time.Second))
	out := map[string]interface{}{}
	_ = json.Unmarshal(resp.Body(), &out)
	return resp.StatusCode(), out
}

func multipartBody(t *testing.T, fileField, metaField, meta string) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if metaField != "" {
		require.NoError(t, mw.WriteField(metaField, meta))
	}
	fw, err := mw.CreateFormFile(fileField, "upload.bin")
	require.NoError(t, err)
	_, err = fw.Write([]byte("jpeg-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return mw.FormDataContentType(), buf.Bytes()
}

func TestRecvTaskGroupedAndUngrouped(t *testing.T) {
	s := startServer(t, stubGateway{}, false)

	code, body := s.do(t, "POST", "/recv_sub_req_meta", "application/json",
		[]byte(`{"sub_req_id":"abc","req_id":"r1","sub_req_count":2,"tasktype":"YoloV5"}`))
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["sequence"])

	ct, payload := multipartBody(t, "pic_file", "pic_info", `{"ip":"10.0.0.7","file_name":"1.jpg","sub_req_id":"abc","tasktype":"YoloV5"}`)
	code, body = s.do(t, "POST", "/recv_task", ct, payload)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, "success", body["status"])
	result := body["result"].(map[string]interface{})
	assert.Equal(t, "10.0.0.7", result["from_ip"])
	assert.Equal(t, float64(len("jpeg-bytes")), result["size_bytes"])
	assert.Equal(t, "abc", result["sub_req_id"])
	assert.Contains(t, result["saved_path"], filepath.Join("000000000001_abc", "10.0.0.7", "1.jpg"))

	// metadata under an arbitrary field and a differently named file part
	ct, payload = multipartBody(t, "image", "whatever", `{"ip":"10.0.0.8","file_name":"2.png"}`)
	code, body = s.do(t, "POST", "/recv_task", ct, payload)
	require.Equal(t, fasthttp.StatusOK, code)
	result = body["result"].(map[string]interface{})
	assert.Equal(t, filepath.Join(s.root, "input", "10.0.0.8", "2.png"), result["saved_path"])
	assert.Nil(t, result["sub_req_id"])
}

func TestRecvTaskFailures(t *testing.T) {
	s := startServer(t, stubGateway{err: errors.New("start failed")}, true)

	code, body := s.do(t, "POST", "/recv_task", "application/json", []byte(`{}`))
	assert.Equal(t, fasthttp.StatusBadRequest, code)
	assert.Equal(t, "failed", body["status"])

	ct, payload := multipartBody(t, "pic_file", "meta", `{"ip":"10.0.0.7","file_name":"a.gif"}`)
	code, _ = s.do(t, "POST", "/recv_task", ct, payload)
	assert.Equal(t, fasthttp.StatusBadRequest, code)

	ct, payload = multipartBody(t, "pic_file", "", "")
	code, body = s.do(t, "POST", "/recv_task", ct, payload)
	assert.Equal(t, fasthttp.StatusBadRequest, code)
	assert.Contains(t, body["result"].(map[string]interface{})["error"], "missing meta json")

	ct, payload = multipartBody(t, "pic_file", "json", `{"ip":"10.0.0.7","file_name":"a.jpg"}`)
	code, _ = s.do(t, "POST", "/recv_task", ct, payload)
	assert.Equal(t, fasthttp.StatusServiceUnavailable, code)

	code, _ = s.do(t, "POST", "/recv_sub_req_meta", "application/json", []byte(`{"sub_req_id":"x","req_id":"r","sub_req_count":1,"tasktype":"Bert"}`))
	assert.Equal(t, fasthttp.StatusBadRequest, code)
}

func TestEnsureServiceAndAdmin(t *testing.T) {
	s := startServer(t, stubGateway{}, false)
	code, body := s.do(t, "POST", "/ensure_service", "application/json", []byte(`{"service":"YoloV5"}`))
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	code, _ = s.do(t, "POST", "/ensure_service", "application/json", []byte(`{}`))
	assert.Equal(t, fasthttp.StatusBadRequest, code)

	code, _ = s.do(t, "GET", "/healthz", "", nil)
	assert.Equal(t, fasthttp.StatusOK, code)
	code, _ = s.do(t, "GET", "/readyz", "", nil)
	assert.Equal(t, fasthttp.StatusOK, code)
	code, body = s.do(t, "GET", "/admin/stats", "", nil)
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Equal(t, float64(0), body["received"])
	code, _ = s.do(t, "POST", "/admin/jobs/retention", "", nil)
	assert.Equal(t, fasthttp.StatusOK, code)
	code, _ = s.do(t, "GET", "/admin/debug/prometheus", "", nil)
	assert.Equal(t, fasthttp.StatusOK, code)
}

func TestStatusMapping(t *testing.T) {
	assert.Equal(t, fasthttp.StatusBadRequest, statusFor(errors.Wrap(ingest.ErrInvalid, "x")))
	assert.Equal(t, fasthttp.StatusBadRequest, statusFor(ingest.ErrUnknownService))
	assert.Equal(t, fasthttp.StatusServiceUnavailable, statusFor(ingest.ErrBackendUnavailable))
	assert.Equal(t, fasthttp.StatusServiceUnavailable, statusFor(queue.ErrQueueClosed))
	assert.Equal(t, fasthttp.StatusInternalServerError, statusFor(errors.New("disk full")))
}

type ctxKey struct{}

// ctxGateway records the context each call received.
type ctxGateway struct {
	mu   sync.Mutex
	seen []context.Context
}

func (g *ctxGateway) EnsureRunning(ctx context.Context, service string) error {
	g.mu.Lock()
	g.seen = append(g.seen, ctx)
	g.mu.Unlock()
	return nil
}

func TestHandlersRunUnderBaseContext(t *testing.T) {
	gw := &ctxGateway{}
	base := context.WithValue(context.Background(), ctxKey{}, "app")
	s := startServerWith(t, gw, true, base)

	code, _ := s.do(t, "POST", "/ensure_service", "application/json", []byte(`{"service":"YoloV5"}`))
	require.Equal(t, fasthttp.StatusOK, code)
	ct, payload := multipartBody(t, "pic_file", "pic_info", `{"ip":"10.0.0.7","file_name":"1.jpg"}`)
	code, _ = s.do(t, "POST", "/recv_task", ct, payload)
	require.Equal(t, fasthttp.StatusOK, code)

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.seen, 2)
	for _, ctx := range gw.seen {
		_, isRequest := ctx.(*fasthttp.RequestCtx)
		assert.False(t, isRequest)
		assert.Equal(t, "app", ctx.Value(ctxKey{}))
	}
}
