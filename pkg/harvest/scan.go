package harvest

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"edgerelay/pkg/batch"
)

// emptyBatchAge is how long a drained batch directory under a result root
// is left alone before it is removed.
const emptyBatchAge = 10 * time.Minute

// Root is the result directory of one service.
type Root struct {
	Service string
	Dir     string
}

// Candidate is an origin directory holding at least one result file. Batch
// is set when the directory sits under a batch directory, the way the
// backend mirrors <ready_root>/<batch>/<origin>/<file>.
type Candidate struct {
	Service string
	Batch   string
	Origin  string
	Path    string
	ModTime time.Time
	Files   []string // names, sorted
}

// NextCandidate picks the origin directory with the oldest mtime across all
// roots. Ties go to the lower service name, then the lower batch, then the
// lower origin.
func NextCandidate(roots []Root) (Candidate, bool) {
	var all []Candidate
	for _, r := range roots {
		all = append(all, scanRoot(r)...)
	}
	if len(all) == 0 {
		return Candidate{}, false
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.ModTime.Equal(b.ModTime) {
			return a.ModTime.Before(b.ModTime)
		}
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		if a.Batch != b.Batch {
			return a.Batch < b.Batch
		}
		return a.Origin < b.Origin
	})
	return all[0], true
}

// scanRoot lists origin directories directly under the root (ungrouped
// units) and under each batch directory.
func scanRoot(r Root) []Candidate {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return nil
	}
	var out []Candidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		switch {
		case ValidOrigin(e.Name()):
			out = append(out, scanOrigins(r.Service, "", r.Dir, e)...)
		case batch.IsDirName(e.Name()):
			dir := filepath.Join(r.Dir, e.Name())
			sub, err := os.ReadDir(dir)
			if err != nil {
				continue
			}
			var found []Candidate
			for _, o := range sub {
				if o.IsDir() && ValidOrigin(o.Name()) {
					found = append(found, scanOrigins(r.Service, e.Name(), dir, o)...)
				}
			}
			if len(found) == 0 {
				removeDrained(dir, sub)
			}
			out = append(out, found...)
		}
	}
	return out
}

func scanOrigins(service, batchDir, parent string, e os.DirEntry) []Candidate {
	path := filepath.Join(parent, e.Name())
	files := resultFiles(path)
	if len(files) == 0 {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	return []Candidate{{
		Service: service,
		Batch:   batchDir,
		Origin:  e.Name(),
		Path:    path,
		ModTime: fi.ModTime(),
		Files:   files,
	}}
}

// removeDrained drops a batch directory whose origin directories are all
// empty and untouched for emptyBatchAge. os.Remove refuses anything that
// is not empty, so a late result is never lost.
func removeDrained(dir string, sub []os.DirEntry) {
	fi, err := os.Stat(dir)
	if err != nil || time.Since(fi.ModTime()) < emptyBatchAge {
		return
	}
	for _, o := range sub {
		if !o.IsDir() {
			continue
		}
		p := filepath.Join(dir, o.Name())
		if oi, err := os.Stat(p); err != nil || time.Since(oi.ModTime()) < emptyBatchAge {
			return
		}
		_ = os.Remove(p)
	}
	_ = os.Remove(dir)
}

// resultFiles lists regular files that are not being written.
func resultFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || inProgress(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	return out
}

func inProgress(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") || strings.HasSuffix(name, ".tmp")
}

// ValidOrigin accepts a dotted quad with every octet in 0..255, or
// localhost in any case.
func ValidOrigin(name string) bool {
	if strings.EqualFold(name, "localhost") {
		return true
	}
	parts := strings.Split(name, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 || p[0] == '+' || p[0] == '-' {
			return false
		}
	}
	return true
}
