package metrics_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bridgevalidator/node/internal/log"
	"github.com/bridgevalidator/node/internal/metrics"
)

func TestStartServesMetrics(t *testing.T) {
	l := metrics.Start(log.DefaultLogger(), "127.0.0.1:0")
	require.NotNil(t, l)
	defer l.Close()

	metrics.SignalsObservedTotal.WithLabelValues("eth").Inc()

	resp, err := http.Get("http://" + l.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "signals_observed_total")
}
