package log

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmpesp/opte/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"DEBUG", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseLevel(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "trace", "loud"} {
		_, err := parseLevel(bad)
		assert.Error(t, err, bad)
	}
}

func TestGetLoggerBeforeInit(t *testing.T) {
	assert.NotNil(t, GetLogger())
}

func TestInitErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LogConfig
		want string
	}{
		{"level", config.LogConfig{Level: "invalid", Format: "json"}, "invalid log level"},
		{"format", config.LogConfig{Level: "info", Format: "xml"}, "unsupported log format"},
		{"file path", config.LogConfig{Level: "info", Format: "json", Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{Enabled: true},
		}}, "path"},
		{"loki endpoint", config.LogConfig{Level: "info", Format: "json", Outputs: config.LogOutputsConfig{
			Loki: config.LokiOutputConfig{Enabled: true},
		}}, "endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Init(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestInitWithFileOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "opte.log")
	err := Init(config.LogConfig{
		Level:  "debug",
		Format: "json",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled:  true,
				Path:     logPath,
				Rotation: config.RotationConfig{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 7},
			},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { setLogger(newDefault(), nil) })

	GetLogger().WithField("port", "opte0").Debug("port registered")

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"port":"opte0"`)
	assert.Contains(t, string(data), "port registered")
	assert.True(t, GetLogger().IsDebugEnabled())
}

func newTestEntry(buf *bytes.Buffer, level logrus.Level) Logger {
	l := logrus.New()
	l.SetOutput(buf)
	l.SetLevel(level)
	l.SetFormatter(&textFormatter{timeLayout: time.RFC3339})
	return entry{logrus.NewEntry(l)}
}

func TestTextFormatter(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]interface{}
		want   string
	}{
		{"port and layer", map[string]interface{}{"port": "g0", "layer": "firewall", "hits": 3}, "WARN  [g0/firewall] flow denied error=boom hits=3\n"},
		{"port only", map[string]interface{}{"port": "g0"}, "WARN  [g0] flow denied error=boom\n"},
		{"no scope", map[string]interface{}{"rule_id": 7}, "WARN  flow denied error=boom rule_id=7\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			newTestEntry(&buf, logrus.InfoLevel).
				WithFields(tt.fields).
				WithError(errors.New("boom")).
				Warn("flow denied")
			assert.True(t, strings.HasSuffix(buf.String(), tt.want), buf.String())
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestEntry(&buf, logrus.WarnLevel)

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Error("error message")

	out := buf.String()
	assert.NotContains(t, out, "debug message")
	assert.NotContains(t, out, "info message")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "ERROR error message")
	assert.False(t, l.IsDebugEnabled())
	assert.False(t, l.IsTraceEnabled())
}

func TestForLayerScope(t *testing.T) {
	var buf bytes.Buffer
	setLogger(newTestEntry(&buf, logrus.InfoLevel), nil)
	t.Cleanup(func() { setLogger(newDefault(), nil) })

	ForLayer("g0", "dyn-nat").Info("nat exhausted")
	ForPort("g1").Info("port registered")

	assert.Contains(t, buf.String(), "[g0/dyn-nat] nat exhausted")
	assert.Contains(t, buf.String(), "[g1] port registered")
}

func TestFanoutKeepsWriting(t *testing.T) {
	var a, b bytes.Buffer
	out := fanout{&a, failWriter{}, &b}
	n, err := out.Write([]byte("hello"))
	assert.Equal(t, 5, n)
	assert.Error(t, err)
	assert.Equal(t, "hello", a.String())
	assert.Equal(t, "hello", b.String())
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("nope") }
