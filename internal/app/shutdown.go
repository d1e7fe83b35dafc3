package app

import (
	"context"
	"time"

	"edgerelay/pkg/state/logger"

	"github.com/cockroachdb/errors"
)

// Shutdown stops intake first, then the background loops, then closes the
// stores. It returns ctx's error when teardown outlives the deadline.
func (a *App) Shutdown(ctx context.Context) error {
	a.setState("shutting_down")
	logger.Info("app_shutdown_start", "role", string(a.role))

	done := make(chan struct{})
	go func() {
		defer close(done)
		if a.srv != nil {
			if err := a.srv.Shutdown(); err != nil {
				logger.Warn("http_shutdown_failed", "error", err)
			}
		}
		if a.reqCancel != nil {
			a.reqCancel()
		}
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
		a.release()
	}()

	select {
	case <-done:
		a.setState("stopped")
		logger.Info("app_shutdown_complete")
		return nil
	case <-ctx.Done():
		logger.Error("app_shutdown_timeout", "error", ctx.Err())
		return errors.Wrap(ctx.Err(), "shutdown")
	}
}

// release stops every component that New built, in dependency order.
func (a *App) release() {
	grace := 5 * time.Second
	if d := a.cfg.Lifecycle.Timeout.Duration(); d > grace {
		grace = d
	}
	a.stopIngest(grace)
	a.stopHarvest()
	a.closeStores()
	live.CompareAndSwap(a, nil)
}
