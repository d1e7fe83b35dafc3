package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Defaults and limits
const (
	defaultPort           = 20810
	defaultMaxRequestBody = 64 * 1024 * 1024 // 64 MiB
	defaultWorkspace      = "./workspace"
	defaultService        = "YoloV5"

	// ingest defaults
	defaultWriteWorkers   = 4
	defaultWriteQueue     = 1024
	defaultRecvStatsEvery = 500

	// batch defaults
	defaultBatchPollInterval = 50 * time.Millisecond
	defaultBatchStallTimeout = 10 * time.Minute

	// lifecycle defaults
	defaultLifecycleTimeout = 3 * time.Second
	defaultStartGrace       = 500 * time.Millisecond

	// harvest defaults
	defaultHarvestInterval = 5 * time.Second
	defaultTargetPort      = 8888
	defaultUploadTimeout   = 10 * time.Second

	// scheduler defaults
	defaultSchedulerAddr    = "127.0.0.1:6666"
	defaultSchedulerTimeout = 5 * time.Second

	// metrics defaults
	defaultSampleInterval = 3 * time.Second
	defaultLogInterval    = 5 * time.Second
	defaultNPUCommand     = "ascend-dmi -i -dt"
	defaultNPUTimeout     = 10 * time.Second
	defaultProbeTimeout   = time.Second
	defaultCSVMaxSize     = 64 * 1024 * 1024 // 64 MiB
	defaultDiskHighPct    = 90
	defaultDiskLowPct     = 80
	defaultRecoveryWindow = 30 * time.Second

	// retention defaults
	defaultRetentionCron    = "0 3 * * *" // daily at 03:00
	defaultRetentionPeriod  = 7 * 24 * time.Hour
	defaultRetentionLockTTL = 300 * time.Second
	minRetentionPeriod      = time.Hour
)

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// ServiceNames returns the configured services in sorted order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.Workspace == "" {
		c.Workspace = defaultWorkspace
	}
	c.Workspace = filepath.Clean(c.Workspace)
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.MaxRequestBody == 0 {
		c.Server.MaxRequestBody = SizeBytes(defaultMaxRequestBody)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	// services
	if len(c.Services) == 0 {
		c.Services = map[string]ServiceConfig{defaultService: {}}
	}
	for name, svc := range c.Services {
		if svc.Kind == "" {
			svc.Kind = KindLocal
		}
		if svc.InputDir == "" {
			svc.InputDir = filepath.Join(c.Workspace, "data", name, "input")
		}
		if svc.ResultDir == "" {
			svc.ResultDir = filepath.Join(c.Workspace, "data", name, "output")
		}
		c.Services[name] = svc
	}

	// ingest
	if c.Ingest.DefaultService == "" {
		if _, ok := c.Services[defaultService]; ok {
			c.Ingest.DefaultService = defaultService
		} else {
			c.Ingest.DefaultService = c.ServiceNames()[0]
		}
	}
	if c.Ingest.WriteWorkers <= 0 {
		c.Ingest.WriteWorkers = defaultWriteWorkers
	}
	if max := runtime.NumCPU() * 4; c.Ingest.WriteWorkers > max {
		c.Ingest.WriteWorkers = max
	}
	if c.Ingest.WriteQueue <= 0 {
		c.Ingest.WriteQueue = defaultWriteQueue
	}
	if c.Ingest.RecvStatsEvery <= 0 {
		c.Ingest.RecvStatsEvery = defaultRecvStatsEvery
	}

	// batch
	if c.Batch.PollInterval == 0 {
		c.Batch.PollInterval = Duration(defaultBatchPollInterval)
	}
	if c.Batch.StallTimeout == nil {
		d := Duration(defaultBatchStallTimeout)
		c.Batch.StallTimeout = &d
	}

	// lifecycle
	if c.Lifecycle.Timeout == 0 {
		c.Lifecycle.Timeout = Duration(defaultLifecycleTimeout)
	}
	if c.Lifecycle.StartGrace == 0 {
		c.Lifecycle.StartGrace = Duration(defaultStartGrace)
	}

	// harvest
	if c.Harvest.Interval == 0 {
		c.Harvest.Interval = Duration(defaultHarvestInterval)
	}
	if c.Harvest.TargetPort == 0 {
		c.Harvest.TargetPort = defaultTargetPort
	}
	if c.Harvest.UploadTimeout == 0 {
		c.Harvest.UploadTimeout = Duration(defaultUploadTimeout)
	}
	if c.Harvest.Watch == nil {
		w := true
		c.Harvest.Watch = &w
	}

	// scheduler
	if c.Scheduler.Addr == "" {
		c.Scheduler.Addr = defaultSchedulerAddr
	}
	if c.Scheduler.Timeout == 0 {
		c.Scheduler.Timeout = Duration(defaultSchedulerTimeout)
	}
	if c.Scheduler.DeviceID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Scheduler.DeviceID = host
		}
	}

	// metrics
	m := &c.Metrics
	if m.SampleInterval == 0 {
		m.SampleInterval = Duration(defaultSampleInterval)
	}
	if m.LogInterval == 0 {
		m.LogInterval = Duration(defaultLogInterval)
	}
	if m.NPUCommand == "" {
		m.NPUCommand = defaultNPUCommand
	}
	if m.NPUTimeout == 0 {
		m.NPUTimeout = Duration(defaultNPUTimeout)
	}
	if m.ProbeTimeout == 0 {
		m.ProbeTimeout = Duration(defaultProbeTimeout)
	}
	if m.CSVMaxSize == 0 {
		m.CSVMaxSize = SizeBytes(defaultCSVMaxSize)
	}
	if m.DiskHighPct == 0 {
		m.DiskHighPct = defaultDiskHighPct
	}
	if m.DiskLowPct == 0 {
		m.DiskLowPct = defaultDiskLowPct
	}
	if m.RecoveryWindow == 0 {
		m.RecoveryWindow = Duration(defaultRecoveryWindow)
	}

	// retention
	if c.Retention.Cron == "" {
		c.Retention.Cron = defaultRetentionCron
	}
	if c.Retention.Period == 0 {
		c.Retention.Period = Duration(defaultRetentionPeriod)
	}
	if c.Retention.LockTTL == 0 {
		c.Retention.LockTTL = Duration(defaultRetentionLockTTL)
	}
}

// StallTimeoutDuration returns the configured head stall bound, zero when disabled.
func (b BatchConfig) StallTimeoutDuration() time.Duration {
	if b.StallTimeout == nil {
		return 0
	}
	return b.StallTimeout.Duration()
}

// ResolveConfigPath returns the config file path, preferring flag, then env.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("EDGERELAY_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
