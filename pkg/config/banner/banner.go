package banner

import (
	"fmt"

	"edgerelay/pkg/config"

	"github.com/dustin/go-humanize"
)

const banner = `
 ___  ___   __  ___  ___  ___  _     __   _  _
| __||   \ / _|| __|| _ \| __|| |   /  \ | || |
| _| | |) | (_ | _| |   /| _| | |__| () | \_, |
|___||___/ \__||___||_|_\|___||____|\__/   |__/
`

// Print prints the startup banner with the effective configuration.
func Print(eff config.EffectiveConfigResult, role, version string) {
	cfg := eff.Config
	src := eff.Source
	if src == "" {
		src = "defaults"
	}

	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Role:       %s\n", role)
	fmt.Printf("Listen:     %s\n", eff.Addr)
	fmt.Printf("Workspace:  %s\n", eff.Workspace)
	if version != "" {
		fmt.Printf("Version:    %s\n", version)
	}
	fmt.Printf("Config:     %s\n", src)
	if cfg == nil {
		return
	}

	fmt.Println("\n== Services ===================================================")
	for _, name := range cfg.ServiceNames() {
		svc := cfg.Services[name]
		marker := ""
		if name == cfg.Ingest.DefaultService {
			marker = " (default)"
		}
		fmt.Printf("- %s%s: kind=%s input=%s results=%s\n", name, marker, svc.Kind, svc.InputDir, svc.ResultDir)
	}

	fmt.Println("\n== Runtime ====================================================")
	fmt.Printf("- Write workers:  %d (queue %s)\n", cfg.Ingest.WriteWorkers, humanize.Comma(int64(cfg.Ingest.WriteQueue)))
	if st := cfg.Batch.StallTimeoutDuration(); st > 0 {
		fmt.Printf("- Head stall:     evict after %s\n", st)
	} else {
		fmt.Println("- Head stall:     never evict")
	}
	fmt.Printf("- Scheduler:      %s (device %s)\n", cfg.Scheduler.Addr, cfg.Scheduler.DeviceID)
	fmt.Printf("- Metrics log:    rotate at %s\n", humanize.IBytes(uint64(cfg.Metrics.CSVMaxSize)))
	if cfg.Retention.Enabled {
		fmt.Printf("- Retention:      %s, keep %s\n", cfg.Retention.Cron, cfg.Retention.Period.Duration())
	} else {
		fmt.Println("- Retention:      disabled")
	}
	fmt.Println("===============================================================")
}
