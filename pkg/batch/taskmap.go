package batch

// TaskRecord is one line of the task map: it ties a delivered result file
// back to the batch its input belonged to.
type TaskRecord struct {
	TaskID     string `json:"task_id"`
	SubReqID   string `json:"sub_req_id"`
	ReqID      string `json:"req_id"`
	TaskType   string `json:"tasktype"`
	ClientIP   string `json:"client_ip"`
	RecvTimeMs int64  `json:"recv_time_ms"`
	// BatchDir is the directory name of the batch under the ready root,
	// mirrored by the backend under its result root.
	BatchDir   string `json:"batch_dir,omitempty"`
}
