package sensor

import (
	"encoding/json"
	"os"
)

// LoadSim mirrors the flags a load simulator drops next to the logs.
type LoadSim struct {
	ActiveIO   bool `json:"active_io"`
	ActiveNet  bool `json:"active_net"`
	ActiveYolo bool `json:"active_yolo"`
}

// ReadLoadSim reads the flags; a missing or malformed file means all off.
func ReadLoadSim(path string) LoadSim {
	var ls LoadSim
	if path == "" {
		return ls
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ls
	}
	if err := json.Unmarshal(b, &ls); err != nil {
		return LoadSim{}
	}
	return ls
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
