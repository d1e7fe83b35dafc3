package sensor

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
)

type npuSection int

const (
	sectionNone npuSection = iota
	sectionAICore
	sectionCPU
	sectionMemory
	sectionTemperature
)

// ParseAscendDMI extracts accelerator figures from `ascend-dmi -i -dt`
// output. Unknown lines and unparsable values are ignored.
func ParseAscendDMI(out string) NPUStats {
	var st NPUStats
	section := sectionNone
	for _, raw := range strings.Split(out, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		key, value, hasValue := strings.Cut(line, ":")
		switch {
		case strings.Contains(line, "AI Core Information"):
			section = sectionAICore
		case strings.Contains(line, "CPU Information"):
			section = sectionCPU
		case strings.Contains(line, "Memory Information"):
			section = sectionMemory
		case !hasValue && strings.HasPrefix(line, "Temperature"):
			section = sectionTemperature
		}
		if !hasValue {
			continue
		}
		key = strings.TrimSpace(key)
		v, ok := parseNumber(value)
		if !ok {
			continue
		}
		switch section {
		case sectionAICore:
			if key == "AI Core Usage (%)" {
				st.AICoreUtil = v
			}
		case sectionCPU:
			switch key {
			case "AI CPU Usage (%)":
				st.AICPUUtil = v
			case "Control CPU Usage (%)":
				st.CtrlCPUUtil = v
			}
		case sectionMemory:
			switch key {
			case "Total (MB)":
				st.MemTotalMB = v
			case "Used (MB)":
				st.MemUsedMB = v
			case "Bandwidth Usage (%)":
				st.MemBWUtil = v
			}
		}
		// the temperature line sits in different sections across driver versions
		if key == "Temperature (C)" {
			st.Temp = v
		}
	}
	return st
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// collectNPU runs the telemetry command; any failure yields zero stats.
func collectNPU(ctx context.Context, command string, timeout time.Duration) (NPUStats, error) {
	args, err := shellquote.Split(command)
	if err != nil {
		return NPUStats{}, errors.Wrap(err, "parse npu command")
	}
	if len(args) == 0 {
		return NPUStats{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).Output()
	if err != nil {
		return NPUStats{}, errors.Wrapf(err, "run %s", args[0])
	}
	return ParseAscendDMI(string(out)), nil
}
