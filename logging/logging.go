// Package logging provides the severity-tagged logging hook spec §6
// requires ("the core emits severity-tagged records; default sink is the
// platform log, overridable by a hook that receives (severity, format,
// args)"). The default sink is backed by go.uber.org/zap, the structured
// logger the rest of the example pack reaches for in place of bare log.Printf.
package logging

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Severity mirrors the handful of levels the core actually emits at.
type Severity int

const (
	Debug Severity = iota
	Info
	Warn
	Error
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Hook is the override signature spec §6 describes.
type Hook func(sev Severity, format string, args []interface{})

var (
	mu      sync.RWMutex
	hook    Hook
	base    *zap.SugaredLogger
	onceErr error
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		onceErr = err
		l = zap.NewNop()
	}
	base = l.Sugar()
}

// SetSink installs a hook that receives every log record instead of the
// default zap sink. Passing nil restores the default.
func SetSink(h Hook) {
	mu.Lock()
	defer mu.Unlock()
	hook = h
}

// Sync flushes the default zap sink; callers should defer this at process
// shutdown (cmd/hdht-server and cmd/hdht-client both do).
func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	if base != nil {
		return base.Sync()
	}
	return nil
}

func emit(sev Severity, format string, args []interface{}) {
	mu.RLock()
	h := hook
	mu.RUnlock()

	if h != nil {
		h(sev, format, args)
		return
	}

	msg := fmt.Sprintf(format, args...)
	switch sev {
	case Debug:
		base.Debug(msg)
	case Info:
		base.Info(msg)
	case Warn:
		base.Warn(msg)
	case Error:
		base.Error(msg)
	case Fatal:
		base.Error(msg)
	}
}

func Debugf(format string, args ...interface{}) { emit(Debug, format, args) }
func Infof(format string, args ...interface{})  { emit(Info, format, args) }
func Warnf(format string, args ...interface{})  { emit(Warn, format, args) }
func Errorf(format string, args ...interface{}) { emit(Error, format, args) }

// Fatalf logs at Fatal severity and terminates the process, mirroring the
// client state machine's "exceeding the cap logs fatal and halts the
// client's session" requirement (spec §4.7). It always exits, even when a
// custom sink is installed, since halting the session is the point.
func Fatalf(format string, args ...interface{}) {
	emit(Fatal, format, args)
	os.Exit(1)
}
