package api

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"strings"

	"edgerelay/pkg/api/router"
	"edgerelay/pkg/ingest"
	"edgerelay/pkg/state/logger"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"
)

type handlers struct {
	deps Deps
}

// base is the context handed to downstream calls. The *fasthttp.RequestCtx
// itself is not used as a context.Context: it is recycled after the handler
// returns and its Done races with Server.Shutdown.
func (h *handlers) base() context.Context {
	if h.deps.BaseContext != nil {
		return h.deps.BaseContext
	}
	return context.Background()
}

// taskMeta is the JSON metadata sent with an uploaded image.
type taskMeta struct {
	IP        string `json:"ip"`
	FileName  string `json:"file_name"`
	SubReqID  string `json:"sub_req_id"`
	ReqID     string `json:"req_id"`
	TaskType  string `json:"tasktype"`
	TaskType2 string `json:"task_type"`
}

var metaFields = []string{"pic_info", "meta", "json"}

func (h *handlers) recvTask(ctx *fasthttp.RequestCtx) {
	if !strings.HasPrefix(string(ctx.Request.Header.ContentType()), "multipart/form-data") {
		router.Failed(ctx, fasthttp.StatusBadRequest, "expect multipart/form-data")
		return
	}
	form, err := ctx.MultipartForm()
	if err != nil {
		router.Failed(ctx, fasthttp.StatusBadRequest, "bad multipart body: "+err.Error())
		return
	}
	fh := pickFile(form)
	if fh == nil {
		router.Failed(ctx, fasthttp.StatusBadRequest, "missing image file part (pic_file)")
		return
	}
	meta, err := pickMeta(form)
	if err != nil {
		router.Failed(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	data, err := readPart(fh)
	if err != nil {
		router.Failed(ctx, fasthttp.StatusBadRequest, "read pic_file: "+err.Error())
		return
	}

	service := meta.TaskType
	if service == "" {
		service = meta.TaskType2
	}
	saved, err := h.deps.Ingest.SubmitTaskUnit(h.base(), ingest.TaskUnit{
		Service:   service,
		BatchID:   meta.SubReqID,
		RequestID: meta.ReqID,
		FileName:  meta.FileName,
		Origin:    meta.IP,
		Data:      data,
	})
	if err != nil {
		writeIngestError(ctx, err)
		return
	}
	router.Success(ctx, saved)
}

func (h *handlers) recvSubReqMeta(ctx *fasthttp.RequestCtx) {
	var spec ingest.BatchSpec
	if err := json.Unmarshal(ctx.PostBody(), &spec); err != nil {
		router.Failed(ctx, fasthttp.StatusBadRequest, "bad json: "+err.Error())
		return
	}
	b, err := h.deps.Ingest.RegisterBatch(h.base(), spec)
	if err != nil {
		writeIngestError(ctx, err)
		return
	}
	router.OK(ctx, map[string]interface{}{"sequence": b.Sequence, "sub_req_id": b.ID})
}

func (h *handlers) ensureService(ctx *fasthttp.RequestCtx) {
	var req struct {
		Service string `json:"service"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || strings.TrimSpace(req.Service) == "" {
		router.Failed(ctx, fasthttp.StatusBadRequest, "service is required")
		return
	}
	if err := h.deps.Gateway.EnsureRunning(h.base(), req.Service); err != nil {
		logger.Warn("ensure_service_failed", "service", req.Service, "error", err)
		router.Failed(ctx, fasthttp.StatusServiceUnavailable, err.Error())
		return
	}
	router.OK(ctx, nil)
}

// pickFile prefers pic_file and falls back to the first file part.
func pickFile(form *multipart.Form) *multipart.FileHeader {
	if fs := form.File["pic_file"]; len(fs) > 0 {
		return fs[0]
	}
	for _, fs := range form.File {
		if len(fs) > 0 {
			return fs[0]
		}
	}
	return nil
}

// pickMeta reads metadata from pic_info, meta or json, in that order, and
// otherwise from any form value holding a JSON object with ip and
// file_name.
func pickMeta(form *multipart.Form) (taskMeta, error) {
	var m taskMeta
	for _, key := range metaFields {
		if vs := form.Value[key]; len(vs) > 0 && vs[0] != "" {
			if err := json.Unmarshal([]byte(vs[0]), &m); err != nil {
				return m, errors.Newf("bad meta json: %v", err)
			}
			return m, nil
		}
	}
	for _, vs := range form.Value {
		for _, v := range vs {
			var fields map[string]json.RawMessage
			if json.Unmarshal([]byte(v), &fields) != nil {
				continue
			}
			_, hasIP := fields["ip"]
			_, hasName := fields["file_name"]
			if hasIP && hasName && json.Unmarshal([]byte(v), &m) == nil {
				return m, nil
			}
		}
	}
	return m, errors.New("missing meta json (expect fields: ip, file_name)")
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
