package completion

import (
	"encoding/json"
	"sync"
	"time"

	"edgerelay/pkg/batch"
	"edgerelay/pkg/metricslog"
	"edgerelay/pkg/state/logger"
)

// Collector writes a periodic_sample row every interval and a batch_start
// row the first time a snapshot shows its batch has started.
type Collector struct {
	metas    *batch.MetaStore
	rows     *metricslog.Recorder
	samples  SampleSource
	interval time.Duration

	// live batches whose start row is written; snapshots that already
	// carry start metrics are skipped across restarts
	started map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCollector(metas *batch.MetaStore, rows *metricslog.Recorder, samples SampleSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		metas:    metas,
		rows:     rows,
		samples:  samples,
		interval: interval,
		started:  make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

func (c *Collector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			c.CollectOnce()
			select {
			case <-ticker.C:
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// CollectOnce runs one collection pass.
func (c *Collector) CollectOnce() {
	metas, err := c.metas.List()
	if err != nil {
		logger.Warn("snapshot_list_failed", "dir", c.metas.Dir(), "error", err)
	}
	listed := make(map[string]bool, len(metas))
	for _, m := range metas {
		if m.Live() {
			listed[m.SubReqID] = true
		}
		if c.started[m.SubReqID] || len(m.StartMetrics) > 0 {
			continue
		}
		if m.StartTimeMs == 0 {
			continue
		}
		if err := c.logStart(m.SubReqID); err != nil {
			logger.Warn("batch_start_record_failed", "sub_req_id", m.SubReqID, "error", err)
			continue
		}
		c.started[m.SubReqID] = true
	}
	// finished or removed batches never start again
	if err == nil {
		for id := range c.started {
			if !listed[id] {
				delete(c.started, id)
			}
		}
	}
	if err := c.rows.Record(metricslog.Periodic(c.samples.Latest())); err != nil {
		logger.Debug("periodic_sample_record_failed", "error", err)
	}
}

func (c *Collector) logStart(id string) error {
	start := c.samples.Latest()
	wrote := false
	meta, err := c.metas.Update(id, func(m *batch.Meta) error {
		if len(m.StartMetrics) > 0 {
			return batch.ErrSkipWrite
		}
		start.TimestampMs = m.StartTimeMs
		raw, err := json.Marshal(start)
		if err != nil {
			return err
		}
		m.StartMetrics = raw
		wrote = true
		return nil
	})
	if err != nil || !wrote {
		return err
	}
	logger.Debug("batch_start_recorded", "sub_req_id", id, "start_time_ms", meta.StartTimeMs)
	return c.rows.Record(metricslog.BatchStart(meta, start))
}
