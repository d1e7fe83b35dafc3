package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	slogmulti "github.com/samber/slog-multi"
)

var Log *slog.Logger
var Audit *slog.Logger

// rotate sinks larger than this on open
const maxSinkSize = 32 * 1024 * 1024

var (
	sinksMu sync.Mutex
	sinks   []io.Closer
)

// ParseLevel maps a config level string onto slog levels; unknown means info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init builds the global loggers. Console output is always text on stdout;
// when logDir is set a json copy goes to <logDir>/<name>.log and batch
// lifecycle events go to <logDir>/audit.log.
func Init(level, logDir, name string) {
	lvl := ParseLevel(level)
	console := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	if logDir == "" {
		Log = slog.New(console)
		Audit = nil
		return
	}

	handlers := []slog.Handler{console}
	if f, err := openSink(filepath.Join(logDir, name+".log")); err == nil {
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: lvl}))
	} else {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
	}
	Log = slog.New(slogmulti.Fanout(handlers...))
	attachAuditLogger(logDir)
}

// InitWriter points the global logger at w; tests use it to capture output.
func InitWriter(w io.Writer, level string) {
	Log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)}))
}

func attachAuditLogger(logDir string) {
	f, err := openSink(filepath.Join(logDir, "audit.log"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open audit log file: %v\n", err)
		return
	}
	Audit = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo}))
	Audit.Info("audit_sink_attached", "path", f.Name())
}

func openSink(fname string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(fname), 0o755); err != nil {
		return nil, err
	}
	if fi, err := os.Stat(fname); err == nil && fi.Size() > maxSinkSize {
		bak := fname + "." + fi.ModTime().UTC().Format("20060102T150405Z")
		_ = os.Rename(fname, bak)
	}
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	sinksMu.Lock()
	sinks = append(sinks, f)
	sinksMu.Unlock()
	return f, nil
}

// Sync closes the file sinks.
func Sync() {
	sinksMu.Lock()
	defer sinksMu.Unlock()
	for _, s := range sinks {
		_ = s.Close()
	}
	sinks = nil
}

func Debug(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Info(msg, args...)
}

func Warn(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Warn(msg, args...)
}

func Error(msg string, args ...any) {
	if Log == nil {
		return
	}
	Log.Error(msg, args...)
}

// AuditEvent records a batch lifecycle transition. The event is mirrored to
// the main logger at debug level.
func AuditEvent(event string, args ...any) {
	Debug(event, args...)
	if Audit == nil {
		return
	}
	Audit.Info(event, append(args, "ts_ms", time.Now().UnixMilli())...)
}
