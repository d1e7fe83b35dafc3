package shutdown

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"

	"edgerelay/pkg/state/logger"
)

// exit is swapped in tests.
var exit = os.Exit

// Abort handles unrecoverable startup failures: it writes a crash dump under
// crashDir (when set) and exits with status 1.
func Abort(contextMsg string, err error, crashDir string) {
	logger.Error("startup_fatal", "msg", contextMsg, "error", err)
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		for _, h := range hints {
			fmt.Fprintf(os.Stderr, "hint: %s\n", h)
		}
	}
	if crashDir != "" {
		dumpPath, derr := WriteCrashDump(crashDir, contextMsg, err)
		if derr != nil {
			fmt.Fprintf(os.Stderr, "FAILED TO WRITE CRASH DUMP: %v\n", derr)
		} else {
			fmt.Fprintf(os.Stderr, "CRASH DUMP WRITTEN: %s\n", dumpPath)
		}
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", contextMsg, err)
	logger.Sync()
	exit(1)
}

// WriteCrashDump writes reason, error and goroutine stacks to a new file in
// crashDir and returns its path.
func WriteCrashDump(crashDir, reason string, err error) (string, error) {
	if e := os.MkdirAll(crashDir, 0o700); e != nil {
		return "", errors.Wrap(e, "create crash dir")
	}
	dumpPath := filepath.Join(crashDir, fmt.Sprintf("crash-%d.log", time.Now().UnixNano()))

	f, ferr := os.CreateTemp(crashDir, ".crash-*.tmp")
	if ferr != nil {
		return "", errors.Wrap(ferr, "create temp crash file")
	}
	tmpName := f.Name()
	defer func() { _ = os.Remove(tmpName) }()

	fmt.Fprintf(f, "time: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(f, "reason: %s\n", reason)
	fmt.Fprintf(f, "error: %+v\n", err)
	fmt.Fprintf(f, "\n--- goroutine stacks ---\n")
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	_, _ = f.Write(buf[:n])
	_ = f.Sync()
	f.Close()

	if err := os.Rename(tmpName, dumpPath); err != nil {
		return "", errors.Wrap(err, "move crash dump into place")
	}
	return dumpPath, nil
}
