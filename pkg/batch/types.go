package batch

import (
	"time"

	"github.com/cockroachdb/errors"
)

// State is the lifecycle position of a batch.
type State string

const (
	StateRegistered     State = "registered"
	StateStaging        State = "staging"
	StatePartiallyReady State = "partially_ready"
	StateComplete       State = "complete"
	StateRetired        State = "retired"
	StateEvicted        State = "evicted"
)

var (
	ErrInvalidSpec    = errors.New("invalid batch registration")
	ErrUnknownService = errors.New("unknown service")
	ErrStopped        = errors.New("batch registry stopped")
)

// Spec is what a scheduler declares when it registers a sub-request.
type Spec struct {
	ID          string
	RequestID   string
	Service     string
	TaskType    string
	ClientIP    string
	DstDeviceID string
	DstDeviceIP string
	Expected    int

	// passed through to the snapshot when supplied
	EnqueueTimeMs     int64
	ExpectedEndTimeMs int64
	QueueLenAtStart   int
}

func (s Spec) validate() error {
	switch {
	case s.ID == "":
		return errors.Wrap(ErrInvalidSpec, "sub_req_id is empty")
	case s.RequestID == "":
		return errors.Wrap(ErrInvalidSpec, "req_id is empty")
	case s.Service == "":
		return errors.Wrap(ErrInvalidSpec, "service is empty")
	case s.Expected <= 0:
		return errors.Wrapf(ErrInvalidSpec, "sub_req_count must be positive, got %d", s.Expected)
	}
	return nil
}

// Batch is a copy of one registry entry. Target is the path writers must
// use for new files; it moves from StagingPath to ReadyPath on promotion.
type Batch struct {
	ID          string
	RequestID   string
	Service     string
	TaskType    string
	Origin      string
	DstDeviceID string
	DstDeviceIP string

	Expected    int
	Received    int
	Sequence    uint64
	StagingPath string
	ReadyPath   string
	Target      string
	Promoted    bool
	State       State

	CreatedAt time.Time
	StartTime time.Time
	EndTime   time.Time
	LastWrite time.Time

	EnqueueTimeMs     int64
	ExpectedEndTimeMs int64
	QueueLenAtStart   int
}

func (b Batch) meta() Meta {
	m := Meta{
		SubReqID:          b.ID,
		ReqID:             b.RequestID,
		TaskType:          b.TaskType,
		ClientIP:          b.Origin,
		Service:           b.Service,
		DstDeviceID:       b.DstDeviceID,
		DstDeviceIP:       b.DstDeviceIP,
		SubReqCount:       b.Expected,
		ReceivedCount:     b.Received,
		Sequence:          b.Sequence,
		StagingPath:       b.StagingPath,
		ReadyPath:         b.ReadyPath,
		Promoted:          b.Promoted,
		State:             b.State,
		CreatedTimeMs:     b.CreatedAt.UnixMilli(),
		UpdatedTimeMs:     time.Now().UnixMilli(),
		EnqueueTimeMs:     b.EnqueueTimeMs,
		ExpectedEndTimeMs: b.ExpectedEndTimeMs,
		QueueLenAtStart:   b.QueueLenAtStart,
	}
	if !b.StartTime.IsZero() {
		m.StartTimeMs = b.StartTime.UnixMilli()
	}
	return m
}

func fromMeta(m Meta) Batch {
	b := Batch{
		ID:                m.SubReqID,
		RequestID:         m.ReqID,
		Service:           m.Service,
		TaskType:          m.TaskType,
		Origin:            m.ClientIP,
		DstDeviceID:       m.DstDeviceID,
		DstDeviceIP:       m.DstDeviceIP,
		Expected:          m.SubReqCount,
		Received:          m.ReceivedCount,
		Sequence:          m.Sequence,
		StagingPath:       m.StagingPath,
		ReadyPath:         m.ReadyPath,
		Promoted:          m.Promoted,
		State:             m.State,
		CreatedAt:         time.UnixMilli(m.CreatedTimeMs),
		EnqueueTimeMs:     m.EnqueueTimeMs,
		ExpectedEndTimeMs: m.ExpectedEndTimeMs,
		QueueLenAtStart:   m.QueueLenAtStart,
	}
	if m.StartTimeMs > 0 {
		b.StartTime = time.UnixMilli(m.StartTimeMs)
	}
	b.Target = b.StagingPath
	if b.Promoted {
		b.Target = b.ReadyPath
	}
	return b
}

// ServiceStats describes one service queue.
type ServiceStats struct {
	Service string `json:"service"`
	Depth   int    `json:"depth"`
	Head    string `json:"head,omitempty"`
	Worker  bool   `json:"worker"`
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Live     int            `json:"live"`
	Services []ServiceStats `json:"services"`
}
