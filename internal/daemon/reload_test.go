package daemon

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmpesp/opte/internal/log"
)

func mustAddr(s string) netip.Addr { return netip.MustParseAddr(s) }

func TestDaemon_ReloadLogLevel(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, `
  log: {level: info, format: text}
  metrics: {enabled: false}
`)
	d, err := New(cfgPath, filepath.Join(dir, "opte.sock"), filepath.Join(dir, "opte.pid"))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	assert.False(t, log.GetLogger().IsDebugEnabled())

	require.NoError(t, os.WriteFile(cfgPath, []byte(`opte:
  log: {level: debug, format: json}
  metrics: {enabled: true}
`), 0644))
	require.NoError(t, d.Reload())
	assert.True(t, log.GetLogger().IsDebugEnabled())
	assert.Equal(t, "json", d.config.Log.Format)
	assert.False(t, d.config.Metrics.Enabled, "metrics change needs a restart")

	require.NoError(t, os.WriteFile(cfgPath, []byte(`opte:
  log: {level: loud}
`), 0644))
	assert.Error(t, d.Reload())
	assert.True(t, log.GetLogger().IsDebugEnabled(), "failed reload keeps the old logger")
}
