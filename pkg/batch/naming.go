package batch

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Directory names under an input root.
const (
	StagingDirName = "_sub_reqs_staging"
	ReadyDirName   = "_sub_reqs_ready"
)

// SafeName maps every character outside [A-Za-z0-9_-] to '_'.
func SafeName(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// DirName is the lexically sortable directory name of a batch.
func DirName(seq uint64, id string) string {
	return fmt.Sprintf("%012d_%s", seq, SafeName(id))
}

// IsDirName reports whether name has the shape produced by DirName.
func IsDirName(name string) bool {
	if len(name) < 14 || name[12] != '_' {
		return false
	}
	for i := 0; i < 12; i++ {
		if name[i] < '0' || name[i] > '9' {
			return false
		}
	}
	return true
}

// Layout resolves the per-service directories batches move through.
type Layout struct {
	// InputRoots maps service name to its backend input root.
	InputRoots map[string]string
}

func (l Layout) Known(service string) bool {
	_, ok := l.InputRoots[service]
	return ok
}

func (l Layout) InputRoot(service string) string { return l.InputRoots[service] }

func (l Layout) StagingRoot(service string) string {
	return filepath.Join(l.InputRoots[service], StagingDirName, service)
}

func (l Layout) ReadyRoot(service string) string {
	return filepath.Join(l.InputRoots[service], ReadyDirName, service)
}
