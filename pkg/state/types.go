package state

import "path/filepath"

// Paths is the canonical workspace layout shared by the ingest and harvest
// roles. Both roles may run as separate processes on the same workspace.
type Paths struct {
	Root string

	// log holds the artefacts read by the scheduler side
	Log       string
	SubReqs   string // one snapshot per batch
	TaskMap   string // append-only task id -> batch index
	Metrics   string // csv metrics log
	RecvStats string // receive counter audit
	LoadSim   string // load simulation flags
	Backends  string // managed backend stdout/stderr

	// state is private to edgerelay
	State     string
	Ledger    string // pebble completion ledger
	Retention string
	Failures  string // daily jsonl of failed deliveries
	Crash     string
}

func PathsFor(root string) Paths {
	logPath := filepath.Join(root, "log")
	statePath := filepath.Join(root, "state")
	return Paths{
		Root: root,

		// log
		Log:       logPath,
		SubReqs:   filepath.Join(logPath, "sub_reqs"),
		TaskMap:   filepath.Join(logPath, "task_map.jsonl"),
		Metrics:   filepath.Join(logPath, "sub_req_metrics.csv"),
		RecvStats: filepath.Join(logPath, "receive_stats.log"),
		LoadSim:   filepath.Join(logPath, "load_sim_state.json"),
		Backends:  filepath.Join(logPath, "backends"),

		// state
		State:     statePath,
		Ledger:    filepath.Join(statePath, "ledger"),
		Retention: filepath.Join(statePath, "retention"),
		Failures:  filepath.Join(statePath, "failures"),
		Crash:     filepath.Join(statePath, "crash"),
	}
}

// dirs lists the directories EnsureStateDirs must create. the ledger dir is
// owned by pebble and created on open.
func (p Paths) dirs() []string {
	return []string{p.Log, p.SubReqs, p.Backends, p.State, p.Retention, p.Failures, p.Crash}
}
