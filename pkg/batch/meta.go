package batch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Meta is the on-disk snapshot of a batch. It outlives the in-memory entry
// and is shared with the harvest side, which adds the metric brackets.
type Meta struct {
	SubReqID          string          `json:"sub_req_id"`
	ReqID             string          `json:"req_id"`
	TaskType          string          `json:"tasktype"`
	ClientIP          string          `json:"client_ip"`
	Service           string          `json:"service"`
	DstDeviceID       string          `json:"dst_device_id"`
	DstDeviceIP       string          `json:"dst_device_ip"`
	SubReqCount       int             `json:"sub_req_count"`
	ReceivedCount     int             `json:"received_count"`
	Sequence          uint64          `json:"sequence"`
	StagingPath       string          `json:"staging_path"`
	ReadyPath         string          `json:"ready_path"`
	Promoted          bool            `json:"promoted"`
	State             State           `json:"state"`
	CreatedTimeMs     int64           `json:"created_time_ms"`
	UpdatedTimeMs     int64           `json:"updated_time_ms"`
	EnqueueTimeMs     int64           `json:"enqueue_time_ms"`
	StartTimeMs       int64           `json:"start_time_ms"`
	EndTimeMs         int64           `json:"end_time_ms"`
	ExpectedEndTimeMs int64           `json:"expected_end_time_ms"`
	QueueLenAtStart   int             `json:"queue_len_at_start"`
	StartMetrics      json.RawMessage `json:"start_metrics,omitempty"`
	EndMetrics        json.RawMessage `json:"end_metrics,omitempty"`
}

// Live reports whether the batch still belongs in a registry.
func (m Meta) Live() bool {
	return m.State != StateRetired && m.State != StateEvicted
}

var ErrMetaNotFound = errors.New("batch snapshot not found")

// MetaStore keeps one json snapshot per batch. Writes go through a .part
// file and a rename; read-modify-write cycles hold an flock on the
// directory lock file so separate processes do not lose each other's
// fields.
type MetaStore struct {
	dir string
	mu  sync.Mutex
}

func NewMetaStore(dir string) *MetaStore {
	return &MetaStore{dir: dir}
}

func (s *MetaStore) Dir() string { return s.dir }

func (s *MetaStore) Path(id string) string {
	return filepath.Join(s.dir, SafeName(id)+".json")
}

func (s *MetaStore) Load(id string) (Meta, error) {
	return readMeta(s.Path(id))
}

// Save overwrites the snapshot of m.SubReqID.
func (s *MetaStore) Save(m Meta) error {
	return s.withLock(func() error {
		return writeMeta(s.Path(m.SubReqID), m)
	})
}

// Update applies fn to the current snapshot and writes it back. fn may
// return ErrSkipWrite to leave the file untouched.
func (s *MetaStore) Update(id string, fn func(*Meta) error) (Meta, error) {
	var out Meta
	err := s.withLock(func() error {
		m, err := readMeta(s.Path(id))
		if err != nil {
			return err
		}
		if err := fn(&m); err != nil {
			return err
		}
		out = m
		return writeMeta(s.Path(id), m)
	})
	if errors.Is(err, ErrSkipWrite) {
		return out, nil
	}
	return out, err
}

// ErrSkipWrite aborts an Update without error.
var ErrSkipWrite = errors.New("skip write")

// List returns every readable snapshot ordered by sequence then id.
// Unreadable files are skipped.
func (s *MetaStore) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list snapshots")
	}
	out := make([]Meta, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		m, err := readMeta(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].SubReqID < out[j].SubReqID
	})
	return out, nil
}

// Remove deletes the snapshot of id; a missing file is not an error.
func (s *MetaStore) Remove(id string) error {
	return s.withLock(func() error {
		if err := os.Remove(s.Path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})
}

func (s *MetaStore) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrap(err, "create snapshot dir")
	}
	lf, err := os.OpenFile(filepath.Join(s.dir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "open snapshot lock")
	}
	defer lf.Close()
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX); err != nil {
		return errors.Wrap(err, "lock snapshot dir")
	}
	defer unix.Flock(int(lf.Fd()), unix.LOCK_UN)
	return fn()
}

func readMeta(path string) (Meta, error) {
	var m Meta
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, errors.Mark(errors.Wrapf(err, "read %s", path), ErrMetaNotFound)
		}
		return m, errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, errors.Wrapf(err, "decode %s", path)
	}
	return m, nil
}

func writeMeta(path string, m Meta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}
