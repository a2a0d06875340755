package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerExposesCounters(t *testing.T) {
	PacketsTotal.WithLabelValues("metrics-test", "out", "pass").Inc()

	s := NewServer("127.0.0.1:0", "")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `opte_packets_total{dir="out",port="metrics-test",verdict="pass"} 1`)

	health, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestDeletePort(t *testing.T) {
	NATMappings.WithLabelValues("gone").Set(3)
	DropsTotal.WithLabelValues("gone", "in", "overlay", "vni mismatch").Inc()
	NATMappings.WithLabelValues("kept").Set(1)

	DeletePort("gone")
	assert.Equal(t, 1, testutil.CollectAndCount(NATMappings))
	assert.Equal(t, float64(1), testutil.ToFloat64(NATMappings.WithLabelValues("kept")))
}
