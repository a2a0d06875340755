// Package log provides the process-wide structured logger.
package log

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface used across the daemon.
type Logger interface {
	Trace(args ...interface{})
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
}

// entry is a Logger over a logrus entry; the level methods are promoted.
type entry struct {
	*logrus.Entry
}

func (e entry) WithField(key string, value interface{}) Logger {
	return entry{e.Entry.WithField(key, value)}
}

func (e entry) WithFields(fields map[string]interface{}) Logger {
	return entry{e.Entry.WithFields(fields)}
}

func (e entry) WithError(err error) Logger { return entry{e.Entry.WithError(err)} }

func (e entry) IsTraceEnabled() bool { return e.Logger.IsLevelEnabled(logrus.TraceLevel) }
func (e entry) IsDebugEnabled() bool { return e.Logger.IsLevelEnabled(logrus.DebugLevel) }

var (
	mu      sync.RWMutex
	current Logger = newDefault()
	// outputs of current, closed when Init replaces it
	closers []func() error
)

// GetLogger returns the global logger. Before Init it writes text to
// stderr at info level.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// ForPort returns the global logger scoped to a port.
func ForPort(name string) Logger {
	return GetLogger().WithField(fieldPort, name)
}

// ForLayer returns the global logger scoped to one layer of a port.
func ForLayer(port, layer string) Logger {
	return GetLogger().WithFields(map[string]interface{}{fieldPort: port, fieldLayer: layer})
}

func setLogger(l Logger, cs []func() error) {
	mu.Lock()
	old := closers
	current, closers = l, cs
	mu.Unlock()
	for _, c := range old {
		_ = c()
	}
}

func newDefault() Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&textFormatter{timeLayout: defaultTimeLayout})
	return entry{logrus.NewEntry(l)}
}
