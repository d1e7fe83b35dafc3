// Package lifecycle keeps inference backends running on demand.
package lifecycle

import (
	"context"

	"github.com/cockroachdb/errors"
)

var (
	ErrUnknownService = errors.New("unknown service")
	ErrStartFailed    = errors.New("backend failed to start")
)

// Gateway guarantees that the backend of a service is running. Calls are
// idempotent and safe for concurrent use.
type Gateway interface {
	EnsureRunning(ctx context.Context, service string) error
}

// Noop treats every backend as always running.
type Noop struct{}

func (Noop) EnsureRunning(ctx context.Context, service string) error { return nil }
