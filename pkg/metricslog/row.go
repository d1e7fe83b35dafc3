package metricslog

import (
	"strconv"

	"edgerelay/pkg/batch"
	"edgerelay/pkg/sensor"
)

// Record types.
const (
	RecordBatchStart = "batch_start"
	RecordBatchEnd   = "batch_end"
	RecordPeriodic   = "periodic_sample"
)

// Header is the fixed column order of the metrics log.
var Header = []string{
	"record_type", "timestamp_ms",
	"req_id", "sub_req_id", "tasktype", "client_ip", "service",
	"dst_device_id", "dst_device_ip", "sub_req_count",
	"start_time_ms", "end_time_ms", "expected_end_time_ms", "queue_len_at_start",
	"host_cpu_util", "host_mem_util", "host_mem_used", "host_mem_total",
	"net_up_kb", "net_down_kb", "net_latency",
	"npu_ai_core_util", "npu_ai_cpu_util", "npu_ctrl_cpu_util",
	"npu_mem_total_mb", "npu_mem_used_mb", "npu_mem_bw_util", "npu_temp",
	"active_io", "active_net", "active_yolo",
}

// Row is one metrics log line. Meta is nil for periodic samples, whose
// batch columns stay empty.
type Row struct {
	RecordType  string
	TimestampMs int64
	Meta        *batch.Meta
	Sample      sensor.Sample
}

// BatchStart builds the row written when a batch is first seen running.
func BatchStart(m batch.Meta, s sensor.Sample) Row {
	return Row{RecordType: RecordBatchStart, TimestampMs: m.StartTimeMs, Meta: &m, Sample: s}
}

// BatchEnd builds the completion row of a batch.
func BatchEnd(m batch.Meta, s sensor.Sample) Row {
	return Row{RecordType: RecordBatchEnd, TimestampMs: m.EndTimeMs, Meta: &m, Sample: s}
}

// Periodic builds a sample-only row.
func Periodic(s sensor.Sample) Row {
	return Row{RecordType: RecordPeriodic, TimestampMs: s.TimestampMs, Sample: s}
}

// Fields renders the row in Header order.
func (r Row) Fields() []string {
	out := make([]string, 0, len(Header))
	out = append(out, r.RecordType, itoa(r.TimestampMs))
	if m := r.Meta; m != nil {
		end := ""
		if r.RecordType != RecordBatchStart {
			end = itoa(m.EndTimeMs)
		}
		out = append(out,
			m.ReqID, m.SubReqID, m.TaskType, m.ClientIP, m.Service,
			m.DstDeviceID, m.DstDeviceIP, strconv.Itoa(m.SubReqCount),
			itoa(m.StartTimeMs), end, itoa(m.ExpectedEndTimeMs), strconv.Itoa(m.QueueLenAtStart),
		)
	} else {
		for i := 0; i < 12; i++ {
			out = append(out, "")
		}
	}
	s := r.Sample
	out = append(out,
		ftoa(s.HostCPUUtil), ftoa(s.HostMemUtil), ftoa(s.HostMemUsed), ftoa(s.HostMemTotal),
		ftoa(s.NetUpKB), ftoa(s.NetDownKB), ftoa(s.NetLatency),
		ftoa(s.AICoreUtil), ftoa(s.AICPUUtil), ftoa(s.CtrlCPUUtil),
		ftoa(s.MemTotalMB), ftoa(s.MemUsedMB), ftoa(s.MemBWUtil), ftoa(s.Temp),
		strconv.Itoa(s.ActiveIO), strconv.Itoa(s.ActiveNet), strconv.Itoa(s.ActiveYolo),
	)
	return out
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
