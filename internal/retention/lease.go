package retention

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"edgerelay/pkg/state/logger"

	"github.com/cockroachdb/errors"
)

var errNotOwner = errors.New("lease not owned")

// fileLease is a lock file with an owner and an expiry, so two processes
// sharing a workspace never prune at the same time.
type fileLease struct {
	path string
	now  func() time.Time
}

type leaseFile struct {
	Owner   string `json:"owner"`
	Expires string `json:"expires"`
}

func newFileLease(dir string) *fileLease {
	return &fileLease{path: filepath.Join(dir, "retention.lock"), now: time.Now}
}

// Acquire takes the lease when it is free or expired.
func (l *fileLease) Acquire(owner string, ttl time.Duration) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, errors.Wrap(err, "create lease dir")
	}
	tmp, err := l.writeTemp(owner, ttl)
	if err != nil {
		return false, err
	}
	// link fails when the lock already exists
	if err := os.Link(tmp, l.path); err == nil {
		_ = os.Remove(tmp)
		logger.Debug("retention_lease_acquired", "path", l.path, "owner", owner)
		return true, nil
	}
	existing, err := l.read()
	if err != nil {
		_ = os.Remove(tmp)
		return false, err
	}
	exp, _ := time.Parse(time.RFC3339Nano, existing.Expires)
	if exp.After(l.now()) {
		_ = os.Remove(tmp)
		logger.Info("retention_lease_held", "path", l.path, "owner", existing.Owner)
		return false, nil
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return false, errors.Wrap(err, "replace expired lease")
	}
	logger.Info("retention_lease_taken_over", "path", l.path, "owner", owner, "previous", existing.Owner)
	return true, nil
}

// Renew pushes the expiry forward while owner still holds the lease.
func (l *fileLease) Renew(owner string, ttl time.Duration) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return errNotOwner
	}
	tmp, err := l.writeTemp(owner, ttl)
	if err != nil {
		return err
	}
	return errors.Wrap(os.Rename(tmp, l.path), "renew lease")
}

func (l *fileLease) Release(owner string) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return errNotOwner
	}
	return errors.Wrap(os.Remove(l.path), "release lease")
}

func (l *fileLease) read() (leaseFile, error) {
	var lf leaseFile
	data, err := os.ReadFile(l.path)
	if err != nil {
		return lf, errors.Wrap(err, "read lease")
	}
	if err := json.Unmarshal(data, &lf); err != nil {
		return lf, errors.Wrap(err, "decode lease")
	}
	return lf, nil
}

func (l *fileLease) writeTemp(owner string, ttl time.Duration) (string, error) {
	b, _ := json.Marshal(leaseFile{Owner: owner, Expires: l.now().Add(ttl).Format(time.RFC3339Nano)})
	tmp := l.path + "." + owner + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return "", errors.Wrap(err, "write lease")
	}
	return tmp, nil
}
