package telemetry

import (
	"sync/atomic"
	"time"

	"edgerelay/pkg/state/logger"
)

type Step struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration_ms"`
}

// Trace times the steps of one operation. Finished traces slower than the
// slow threshold are logged with their step breakdown.
type Trace struct {
	Name     string
	Start    time.Time
	Steps    []Step
	TotalMS  float64
	lastMark time.Time
	done     bool
}

var slowThresholdNs atomic.Int64

func init() { slowThresholdNs.Store(int64(500 * time.Millisecond)) }

// SetSlowThreshold changes the duration above which traces are logged.
func SetSlowThreshold(d time.Duration) { slowThresholdNs.Store(int64(d)) }

// Track starts a new trace.
func Track(name string) *Trace {
	now := time.Now()
	return &Trace{Name: name, Start: now, lastMark: now}
}

// Mark records the elapsed duration since last mark.
func (tr *Trace) Mark(label string) {
	now := time.Now()
	tr.Steps = append(tr.Steps, Step{Name: label, Duration: now.Sub(tr.lastMark).Seconds() * 1000})
	tr.lastMark = now
}

// Finish finalizes the trace. Safe to call multiple times or via defer.
func (tr *Trace) Finish() {
	if tr == nil || tr.done {
		return
	}
	tr.done = true
	total := time.Since(tr.Start)
	tr.TotalMS = total.Seconds() * 1000
	if total < time.Duration(slowThresholdNs.Load()) {
		return
	}
	args := []any{"op", tr.Name, "total_ms", tr.TotalMS}
	for _, s := range tr.Steps {
		args = append(args, s.Name+"_ms", s.Duration)
	}
	logger.Warn("slow_operation", args...)
}
