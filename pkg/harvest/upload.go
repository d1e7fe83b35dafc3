package harvest

import (
	"io"
	"mime/multipart"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"edgerelay/pkg/utils"

	"github.com/cockroachdb/errors"
	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
)

// Uploader ships result files to the recv_rst endpoint of their origin.
type Uploader struct {
	hc      *fasthttp.Client
	port    int
	timeout time.Duration
}

func NewUploader(port int, timeout time.Duration) *Uploader {
	c := utils.NewClientFast("edgerelay-harvest", timeout)
	c.MaxResponseBodySize = 1 << 20
	return &Uploader{hc: c, port: port, timeout: timeout}
}

// URL is the upload target for origin.
func (u *Uploader) URL(origin string) string {
	return "http://" + net.JoinHostPort(origin, strconv.Itoa(u.port)) + "/recv_rst"
}

// Upload posts path as multipart fields service and file. Only a 200
// answer counts as delivered.
func (u *Uploader) Upload(origin, service, path string) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	mw := multipart.NewWriter(buf)
	if err := mw.WriteField("service", service); err != nil {
		return errors.Wrap(err, "write service field")
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return errors.Wrap(err, "create file part")
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	_, err = io.Copy(fw, f)
	f.Close()
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if err := mw.Close(); err != nil {
		return errors.Wrap(err, "close multipart")
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	url := u.URL(origin)
	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(mw.FormDataContentType())
	req.SetBodyRaw(buf.B)

	if err := u.hc.DoTimeout(req, resp, u.timeout); err != nil {
		return errors.Wrapf(err, "post %s", url)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return errors.Mark(errors.Newf("post %s: status %d", url, code), utils.ErrStatus)
	}
	return nil
}
