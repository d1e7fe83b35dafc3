package utils

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"
)

// ErrStatus marks a peer answering with a non-2xx status.
var ErrStatus = errors.New("unexpected status")

// PostJSONFast posts v as JSON and returns the response body. Any status
// outside 2xx is an error marked with ErrStatus.
func PostJSONFast(c *fasthttp.Client, url string, v interface{}, timeout time.Duration) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBodyRaw(body)

	if err := c.DoTimeout(req, resp, timeout); err != nil {
		return nil, errors.Wrapf(err, "post %s", url)
	}
	out := append([]byte(nil), resp.Body()...)
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return out, errors.Mark(errors.Newf("post %s: status %d: %s", url, code, Truncate(string(out), 200)), ErrStatus)
	}
	return out, nil
}

// NewClientFast returns a client with the timeouts used for peer calls.
func NewClientFast(name string, timeout time.Duration) *fasthttp.Client {
	return &fasthttp.Client{
		Name:                          name,
		ReadTimeout:                   timeout,
		WriteTimeout:                  timeout,
		MaxIdleConnDuration:           30 * time.Second,
		NoDefaultUserAgentHeader:      true,
		DisableHeaderNamesNormalizing: false,
		MaxResponseBodySize:           4 << 20,
	}
}
