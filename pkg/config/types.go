package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	KindLocal   = "local"
	KindManaged = "managed"
)

// Config is the main configuration struct.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Workspace string                   `yaml:"workspace"`
	Logging   LoggingConfig            `yaml:"logging"`
	Ingest    IngestConfig             `yaml:"ingest"`
	Batch     BatchConfig              `yaml:"batch"`
	Services  map[string]ServiceConfig `yaml:"services"`
	Lifecycle LifecycleConfig          `yaml:"lifecycle"`
	Harvest   HarvestConfig            `yaml:"harvest"`
	Scheduler SchedulerConfig          `yaml:"scheduler"`
	Metrics   MetricsConfig            `yaml:"metrics"`
	Retention RetentionConfig          `yaml:"retention"`
}

// ServerConfig holds the http listener settings.
type ServerConfig struct {
	Address        string    `yaml:"address"`
	Port           int       `yaml:"port"`
	MaxRequestBody SizeBytes `yaml:"max_request_body"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// File disables the json file sink when set to false.
	File *bool `yaml:"file"`
}

// IngestConfig controls task unit intake.
type IngestConfig struct {
	DefaultService string `yaml:"default_service"`
	WriteWorkers   int    `yaml:"write_workers"`
	WriteQueue     int    `yaml:"write_queue"`
	RecvStatsEvery int    `yaml:"recv_stats_every"`
}

// BatchConfig tunes the promotion workers.
type BatchConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	// StallTimeout bounds how long a head batch may go without a write
	// before it is evicted. Zero disables eviction.
	StallTimeout *Duration `yaml:"stall_timeout"`
}

// ServiceConfig describes one inference backend.
type ServiceConfig struct {
	Kind      string `yaml:"kind"`
	InputDir  string `yaml:"input_dir"`
	ResultDir string `yaml:"result_dir"`
	Command   string `yaml:"command"`
	Workdir   string `yaml:"workdir"`
}

// Managed reports whether the backend needs a liveness guarantee before
// task units are accepted.
func (s ServiceConfig) Managed() bool { return s.Kind == KindManaged }

// LifecycleConfig configures the backend lifecycle gateway.
type LifecycleConfig struct {
	// GatewayAddr points at a remote ensure_service endpoint. Empty means
	// the in-process supervisor is used.
	GatewayAddr string   `yaml:"gateway_addr"`
	Timeout     Duration `yaml:"timeout"`
	StartGrace  Duration `yaml:"start_grace"`
}

// HarvestConfig configures the result harvester.
type HarvestConfig struct {
	Interval      Duration `yaml:"interval"`
	TargetPort    int      `yaml:"target_port"`
	UploadTimeout Duration `yaml:"upload_timeout"`
	Watch         *bool    `yaml:"watch"`
}

// SchedulerConfig points at the coordinating scheduler.
type SchedulerConfig struct {
	Addr     string   `yaml:"addr"`
	DeviceID string   `yaml:"device_id"`
	Timeout  Duration `yaml:"timeout"`
}

// MetricsConfig configures the sampler and the metrics log.
type MetricsConfig struct {
	SampleInterval Duration  `yaml:"sample_interval"`
	LogInterval    Duration  `yaml:"log_interval"`
	NPUCommand     string    `yaml:"npu_command"`
	NPUTimeout     Duration  `yaml:"npu_timeout"`
	ProbeTimeout   Duration  `yaml:"probe_timeout"`
	CSVMaxSize     SizeBytes `yaml:"csv_max_size"`
	DiskHighPct    int       `yaml:"disk_high_pct"`
	DiskLowPct     int       `yaml:"disk_low_pct"`
	RecoveryWindow Duration  `yaml:"recovery_window"`
}

// RetentionConfig holds configuration for the audit pruning runner.
type RetentionConfig struct {
	Enabled bool     `yaml:"enabled"`
	Cron    string   `yaml:"cron"`
	Period  Duration `yaml:"period"`
	DryRun  bool     `yaml:"dry_run"`
	LockTTL Duration `yaml:"lock_ttl"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "64MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := ParseSizeBytes(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) MarshalYAML() (interface{}, error) {
	return humanize.IBytes(uint64(s)), nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

// ParseSizeBytes accepts "64MB", "1GiB" or a plain byte count.
func ParseSizeBytes(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, errors.Newf("invalid size value: %q", raw)
}

// Duration wraps time.Duration for YAML values like "100ms", "7d" or plain
// numbers (seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ParseDuration accepts Go duration strings, a day suffix ("30d") or a
// number of seconds.
func ParseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if strings.HasSuffix(raw, "d") {
		if n, err := strconv.ParseFloat(strings.TrimSuffix(raw, "d"), 64); err == nil {
			return Duration(time.Duration(n * float64(24*time.Hour))), nil
		}
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, errors.Newf("invalid duration value: %q", raw)
}
