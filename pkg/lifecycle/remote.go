package lifecycle

import (
	"context"
	"time"

	"edgerelay/pkg/utils"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"
)

// Remote asks a lifecycle gateway over HTTP to ensure a backend.
type Remote struct {
	url     string
	timeout time.Duration
	client  *fasthttp.Client
}

func NewRemote(addr string, timeout time.Duration) *Remote {
	return &Remote{
		url:     "http://" + addr + "/ensure_service",
		timeout: timeout,
		client:  utils.NewClientFast("edgerelay-lifecycle", timeout),
	}
}

func (r *Remote) EnsureRunning(ctx context.Context, service string) error {
	timeout := r.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return errors.Wrap(context.DeadlineExceeded, "ensure_service")
	}
	_, err := utils.PostJSONFast(r.client, r.url, map[string]string{"service": service}, timeout)
	return err
}
