package ingest

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Error taxonomy surfaced to transports.
var (
	ErrInvalid            = errors.New("invalid request")
	ErrUnknownService     = errors.New("unknown service")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// TaskUnit is one uploaded payload with its routing metadata. It only lives
// until the bytes are on disk.
type TaskUnit struct {
	Service   string // explicit service hint (tasktype)
	BatchID   string // sub_req_id, optional
	RequestID string // req_id, optional
	FileName  string
	Origin    string // producer address
	Data      []byte
}

// Saved describes a persisted unit.
type Saved struct {
	Path      string `json:"saved_path"`
	Origin    string `json:"from_ip"`
	SizeBytes int    `json:"size_bytes"`
	BatchID   string `json:"sub_req_id,omitempty"`
	Service   string `json:"-"`
}

// BatchSpec is the registration payload of a sub-request.
type BatchSpec struct {
	SubReqID          string `json:"sub_req_id"`
	ReqID             string `json:"req_id"`
	SubReqCount       int    `json:"sub_req_count"`
	TaskType          string `json:"tasktype"`
	ClientIP          string `json:"client_ip,omitempty"`
	DstDeviceID       string `json:"dst_device_id,omitempty"`
	DstDeviceIP       string `json:"dst_device_ip,omitempty"`
	EnqueueTimeMs     int64  `json:"enqueue_time_ms,omitempty"`
	ExpectedEndTimeMs int64  `json:"expected_end_time_ms,omitempty"`
	QueueLenAtStart   int    `json:"queue_len_at_start,omitempty"`
}

// Gateway ensures the backend of a service is running.
type Gateway interface {
	EnsureRunning(ctx context.Context, service string) error
}
