package sensor

// Sample is one host and accelerator telemetry reading. Field names match
// the metrics log columns.
type Sample struct {
	TimestampMs int64 `json:"timestamp_ms"`

	HostCPUUtil  float64 `json:"host_cpu_util"`
	HostMemUtil  float64 `json:"host_mem_util"`
	HostMemUsed  float64 `json:"host_mem_used"`  // MB
	HostMemTotal float64 `json:"host_mem_total"` // MB
	NetUpKB      float64 `json:"net_up_kb"`
	NetDownKB    float64 `json:"net_down_kb"`
	NetLatency   float64 `json:"net_latency"` // ms, 0 when unreachable

	NPUStats

	ActiveIO   int `json:"active_io"`
	ActiveNet  int `json:"active_net"`
	ActiveYolo int `json:"active_yolo"`

	DiskUsedPct float64 `json:"disk_used_pct"`
}

// NPUStats is the accelerator part of a sample.
type NPUStats struct {
	AICoreUtil  float64 `json:"npu_ai_core_util"`
	AICPUUtil   float64 `json:"npu_ai_cpu_util"`
	CtrlCPUUtil float64 `json:"npu_ctrl_cpu_util"`
	MemTotalMB  float64 `json:"npu_mem_total_mb"`
	MemUsedMB   float64 `json:"npu_mem_used_mb"`
	MemBWUtil   float64 `json:"npu_mem_bw_util"`
	Temp        float64 `json:"npu_temp"`
}
