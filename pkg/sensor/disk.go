package sensor

import (
	"sync"
	"time"

	"edgerelay/pkg/state/logger"

	"golang.org/x/sys/unix"
)

// DiskWatch tracks usage of the filesystem holding the workspace and logs
// one alert per excursion above the high watermark.
type DiskWatch struct {
	path     string
	highPct  int
	lowPct   int
	recovery time.Duration
	usage    func(path string) (float64, error)

	mu        sync.Mutex
	alert     bool
	lastAlert time.Time
}

func NewDiskWatch(path string, highPct, lowPct int, recovery time.Duration) *DiskWatch {
	return &DiskWatch{
		path:     path,
		highPct:  highPct,
		lowPct:   lowPct,
		recovery: recovery,
		usage:    statfsUsedPct,
	}
}

// Check samples usage and updates the alert state. The alert clears only
// once usage sits below the low watermark and the recovery window has
// passed since it was raised.
func (d *DiskWatch) Check(now time.Time) float64 {
	if d == nil {
		return 0
	}
	usedPct, err := d.usage(d.path)
	if err != nil {
		logger.Debug("disk_stat_failed", "path", d.path, "error", err)
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case usedPct > float64(d.highPct):
		if !d.alert {
			logger.Warn("disk_usage_high", "path", d.path, "used_pct", usedPct, "threshold", d.highPct)
			d.alert = true
			d.lastAlert = now
		}
	case usedPct < float64(d.lowPct) && d.alert:
		if now.Sub(d.lastAlert) >= d.recovery {
			logger.Info("disk_usage_recovered", "path", d.path, "used_pct", usedPct, "threshold", d.lowPct)
			d.alert = false
		}
	}
	return usedPct
}

// Alerting reports whether the high watermark alert is raised.
func (d *DiskWatch) Alerting() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alert
}

func statfsUsedPct(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	total := st.Blocks * uint64(st.Bsize)
	if total == 0 {
		return 0, nil
	}
	avail := st.Bavail * uint64(st.Bsize)
	return float64(total-avail) / float64(total) * 100, nil
}
