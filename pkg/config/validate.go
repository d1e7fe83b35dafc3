package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/cockroachdb/errors"
)

// set defaults, fail fast on critical errors
func ValidateConfig(eff *EffectiveConfigResult) error {
	if eff == nil || eff.Config == nil {
		return errors.New("effective config is nil")
	}
	cfg := eff.Config
	cfg.ApplyDefaults()
	eff.Addr = cfg.Addr()
	eff.Workspace = cfg.Workspace

	if strings.TrimSpace(cfg.Workspace) == "" {
		return errors.WithHint(errors.New("workspace path is empty"),
			"set --workspace, EDGERELAY_WORKSPACE, or workspace in config")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.Newf("invalid server.port %d", cfg.Server.Port)
	}

	// services
	if _, ok := cfg.Services[cfg.Ingest.DefaultService]; !ok {
		return errors.WithHint(
			errors.Newf("ingest.default_service %q is not a configured service", cfg.Ingest.DefaultService),
			fmt.Sprintf("configured services: %s", strings.Join(cfg.ServiceNames(), ", ")))
	}
	for _, name := range cfg.ServiceNames() {
		svc := cfg.Services[name]
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return errors.Newf("invalid service name %q", name)
		}
		switch svc.Kind {
		case KindLocal:
		case KindManaged:
			if strings.TrimSpace(svc.Command) == "" && cfg.Lifecycle.GatewayAddr == "" {
				return errors.WithHint(
					errors.Newf("service %q is managed but has no command", name),
					"set services."+name+".command or lifecycle.gateway_addr")
			}
		default:
			return errors.Newf("service %q has unknown kind %q (want local or managed)", name, svc.Kind)
		}
		if filepath.Clean(svc.InputDir) == filepath.Clean(svc.ResultDir) {
			return errors.Newf("service %q input_dir and result_dir must differ", name)
		}
	}

	// harvest
	if cfg.Harvest.TargetPort <= 0 || cfg.Harvest.TargetPort > 65535 {
		return errors.Newf("invalid harvest.target_port %d", cfg.Harvest.TargetPort)
	}

	// metrics
	m := cfg.Metrics
	if m.DiskLowPct >= m.DiskHighPct || m.DiskHighPct > 100 {
		return errors.Newf("metrics.disk_low_pct (%d) must be below metrics.disk_high_pct (%d) <= 100", m.DiskLowPct, m.DiskHighPct)
	}

	// retention
	ret := cfg.Retention
	if ret.Enabled {
		if !gronx.New().IsValid(ret.Cron) {
			return errors.Newf("invalid retention.cron: %q is not a valid cron expression", ret.Cron)
		}
		if ret.Period.Duration() < minRetentionPeriod {
			return errors.Newf("retention.period must be at least %s", minRetentionPeriod)
		}
	}
	return nil
}
