package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jmpesp/opte/internal/config"
)

const jsonTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Init replaces the global logger according to cfg. On reload the outputs
// of the previous logger are closed once the new one is in place.
func Init(cfg config.LogConfig) error {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	fmtr, err := newFormatter(cfg.Format)
	if err != nil {
		return err
	}

	outs, closers, err := openOutputs(cfg.Outputs)
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return err
	}

	l := logrus.New()
	l.SetFormatter(fmtr)
	l.SetLevel(level)
	l.SetOutput(outs)

	setLogger(entry{logrus.NewEntry(l)}, closers)
	return nil
}

func newFormatter(format string) (logrus.Formatter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &logrus.JSONFormatter{TimestampFormat: jsonTimeLayout}, nil
	case "text":
		return &textFormatter{timeLayout: defaultTimeLayout}, nil
	}
	return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", format)
}

// openOutputs returns stdout plus every enabled output, and the closers of
// the ones that hold resources.
func openOutputs(oc config.LogOutputsConfig) (fanout, []func() error, error) {
	outs := fanout{os.Stdout}
	var closers []func() error

	if oc.File.Enabled {
		if oc.File.Path == "" {
			return nil, closers, fmt.Errorf("failed to create file output: file output requires 'path' field")
		}
		rot := oc.File.Rotation
		lj := &lumberjack.Logger{
			Filename:   oc.File.Path,
			MaxSize:    rot.MaxSizeMB,
			MaxBackups: rot.MaxBackups,
			MaxAge:     rot.MaxAgeDays,
			Compress:   rot.Compress,
		}
		outs = append(outs, lj)
		closers = append(closers, lj.Close)
	}

	if lc := oc.Loki; lc.Enabled {
		if lc.Endpoint == "" {
			return nil, closers, fmt.Errorf("failed to create loki output: loki output requires 'endpoint' field")
		}
		lw, err := NewLokiWriter(LokiConfig{
			Endpoint:      lc.Endpoint,
			Labels:        lc.Labels,
			BatchSize:     lc.BatchSize,
			FlushInterval: lc.BatchTimeout,
		})
		if err != nil {
			return nil, closers, fmt.Errorf("failed to create loki output: %w", err)
		}
		outs = append(outs, lw)
		closers = append(closers, lw.Close)
	}
	return outs, closers, nil
}

// parseLevel accepts debug, info, warn and error.
func parseLevel(s string) (logrus.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	}
	return logrus.InfoLevel, fmt.Errorf("unknown level: %s", s)
}

// fanout writes every line to all outputs. One failing output does not
// starve the others; the last error is reported.
type fanout []io.Writer

func (f fanout) Write(p []byte) (int, error) {
	var err error
	for _, w := range f {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}
