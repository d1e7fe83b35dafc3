package config

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// holds parsed command-line flag values and which were set
type Flags struct {
	Addr      string
	Workspace string
	Config    string
	Set       map[string]bool
}

// holds the results of applying environment overrides
type EnvResult struct {
	Applied []string
	EnvUsed bool
}

// holds the result of LoadEffectiveConfig
type EffectiveConfigResult struct {
	Config    *Config
	Addr      string
	Workspace string
	Source    string // "defaults", or a "+" joined list of "config", "env", "flags"
}

// loads config from file, returns config, found bool, and error. a missing
// default file is not an error; a missing explicit file is.
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfgPath := ResolveConfigPath(flags.Config, flags.Set["config"])
	if cfgPath == "" {
		return &Config{}, false, nil
	}
	cfg, err := LoadConfigFile(cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !flags.Set["config"] {
			return &Config{}, false, nil
		}
		return nil, false, errors.Wrapf(err, "load config file %s", cfgPath)
	}
	return cfg, true, nil
}

// envLookup is swapped in tests.
var envLookup = os.Getenv

// applies EDGERELAY_* environment overrides onto cfg
func ParseConfigEnvs(cfg *Config) EnvResult {
	envs := map[string]string{
		"ADDR":                    envLookup("EDGERELAY_ADDR"),
		"WORKSPACE":               envLookup("EDGERELAY_WORKSPACE"),
		"LOG_LEVEL":               envLookup("EDGERELAY_LOG_LEVEL"),
		"DEFAULT_SERVICE":         envLookup("EDGERELAY_DEFAULT_SERVICE"),
		"WRITE_WORKERS":           envLookup("EDGERELAY_WRITE_WORKERS"),
		"RECV_STATS_EVERY":        envLookup("EDGERELAY_RECV_STATS_EVERY"),
		"BATCH_POLL_INTERVAL":     envLookup("EDGERELAY_BATCH_POLL_INTERVAL"),
		"BATCH_STALL_TIMEOUT":     envLookup("EDGERELAY_BATCH_STALL_TIMEOUT"),
		"GATEWAY_ADDR":            envLookup("EDGERELAY_GATEWAY_ADDR"),
		"HARVEST_INTERVAL":        envLookup("EDGERELAY_HARVEST_INTERVAL"),
		"HARVEST_TARGET_PORT":     envLookup("EDGERELAY_HARVEST_TARGET_PORT"),
		"SCHEDULER_ADDR":          envLookup("EDGERELAY_SCHEDULER_ADDR"),
		"DEVICE_ID":               envLookup("EDGERELAY_DEVICE_ID"),
		"METRICS_SAMPLE_INTERVAL": envLookup("EDGERELAY_METRICS_SAMPLE_INTERVAL"),
		"METRICS_LOG_INTERVAL":    envLookup("EDGERELAY_METRICS_LOG_INTERVAL"),
		"NPU_COMMAND":             envLookup("EDGERELAY_NPU_COMMAND"),
		"CSV_MAX_SIZE":            envLookup("EDGERELAY_CSV_MAX_SIZE"),
		"RETENTION_ENABLED":       envLookup("EDGERELAY_RETENTION_ENABLED"),
		"RETENTION_CRON":          envLookup("EDGERELAY_RETENTION_CRON"),
		"RETENTION_PERIOD":        envLookup("EDGERELAY_RETENTION_PERIOD"),
		"RETENTION_DRY_RUN":       envLookup("EDGERELAY_RETENTION_DRY_RUN"),
	}

	var res EnvResult
	mark := func(k string) {
		res.Applied = append(res.Applied, "EDGERELAY_"+k)
		res.EnvUsed = true
	}

	// parse helpers
	parseBool := func(v string) bool {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes":
			return true
		default:
			return false
		}
	}
	parseInt := func(k string, dst *int) {
		if v := envs[k]; v != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
				mark(k)
			}
		}
	}
	parseDur := func(k string, dst *Duration) {
		if v := envs[k]; v != "" {
			if d, err := ParseDuration(v); err == nil {
				*dst = d
				mark(k)
			}
		}
	}
	parseStr := func(k string, dst *string) {
		if v := strings.TrimSpace(envs[k]); v != "" {
			*dst = v
			mark(k)
		}
	}

	if v := envs["ADDR"]; v != "" {
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
		mark("ADDR")
	}
	parseStr("WORKSPACE", &cfg.Workspace)
	parseStr("LOG_LEVEL", &cfg.Logging.Level)
	parseStr("DEFAULT_SERVICE", &cfg.Ingest.DefaultService)
	parseInt("WRITE_WORKERS", &cfg.Ingest.WriteWorkers)
	parseInt("RECV_STATS_EVERY", &cfg.Ingest.RecvStatsEvery)
	parseDur("BATCH_POLL_INTERVAL", &cfg.Batch.PollInterval)
	if v := envs["BATCH_STALL_TIMEOUT"]; v != "" {
		if d, err := ParseDuration(v); err == nil {
			cfg.Batch.StallTimeout = &d
			mark("BATCH_STALL_TIMEOUT")
		}
	}
	parseStr("GATEWAY_ADDR", &cfg.Lifecycle.GatewayAddr)
	parseDur("HARVEST_INTERVAL", &cfg.Harvest.Interval)
	parseInt("HARVEST_TARGET_PORT", &cfg.Harvest.TargetPort)
	parseStr("SCHEDULER_ADDR", &cfg.Scheduler.Addr)
	parseStr("DEVICE_ID", &cfg.Scheduler.DeviceID)
	parseDur("METRICS_SAMPLE_INTERVAL", &cfg.Metrics.SampleInterval)
	parseDur("METRICS_LOG_INTERVAL", &cfg.Metrics.LogInterval)
	parseStr("NPU_COMMAND", &cfg.Metrics.NPUCommand)
	if v := envs["CSV_MAX_SIZE"]; v != "" {
		if s, err := ParseSizeBytes(v); err == nil {
			cfg.Metrics.CSVMaxSize = s
			mark("CSV_MAX_SIZE")
		}
	}
	if v := envs["RETENTION_ENABLED"]; v != "" {
		cfg.Retention.Enabled = parseBool(v)
		mark("RETENTION_ENABLED")
	}
	parseStr("RETENTION_CRON", &cfg.Retention.Cron)
	parseDur("RETENTION_PERIOD", &cfg.Retention.Period)
	if v := envs["RETENTION_DRY_RUN"]; v != "" {
		cfg.Retention.DryRun = parseBool(v)
		mark("RETENTION_DRY_RUN")
	}
	return res
}

// layers the sources: config file first, then env overrides, then the
// explicitly set flags. defaults are applied by ValidateConfig.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool) (EffectiveConfigResult, error) {
	var res EffectiveConfigResult
	if flags.Set["config"] && !fileExists {
		return res, errors.Newf("config file %s not found", flags.Config)
	}

	cfg := &Config{}
	var sources []string
	if fileExists && fileCfg != nil {
		cfg = fileCfg
		sources = append(sources, "config")
	}

	if env := ParseConfigEnvs(cfg); env.EnvUsed {
		sources = append(sources, "env")
	}

	flagUsed := false
	if flags.Set["addr"] {
		h, _, err := net.SplitHostPort(flags.Addr)
		if err != nil {
			return res, errors.WithHint(errors.Wrapf(err, "invalid --addr %q", flags.Addr), "use host:port, for example :20810")
		}
		cfg.Server.Address = h
		cfg.Server.Port = parsePortFromAddr(flags.Addr)
		flagUsed = true
	}
	if flags.Set["workspace"] {
		cfg.Workspace = flags.Workspace
		flagUsed = true
	}
	if flagUsed {
		sources = append(sources, "flags")
	}

	res.Config = cfg
	res.Addr = cfg.Addr()
	res.Workspace = cfg.Workspace
	res.Source = "defaults"
	if len(sources) > 0 {
		res.Source = strings.Join(sources, "+")
	}
	return res, nil
}

// extracts port integer from host:port string
func parsePortFromAddr(a string) int {
	if a == "" {
		return 0
	}
	if _, p, err := net.SplitHostPort(a); err == nil {
		if pi, err := strconv.Atoi(p); err == nil {
			return pi
		}
	}
	return 0
}
