package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bridgevalidator/node/internal/api"
	"github.com/bridgevalidator/node/internal/log"
)

type fakeChain struct {
	healthy   bool
	latencyMs int64
}

func (f fakeChain) HealthCheck() (bool, int64) { return f.healthy, f.latencyMs }

type fakePending struct{ ids []string }

func (f fakePending) Pending() []string { return f.ids }

func TestHealthReportsOverallStatus(t *testing.T) {
	srv := api.New(api.Config{
		Chains: map[string]api.ChainHealth{
			"eth": fakeChain{healthy: true, latencyMs: 12},
			"bsc": fakeChain{healthy: true, latencyMs: 8},
		},
		Log: log.DefaultLogger(),
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"healthy":true`)
}

func TestHealthReflectsUnhealthyChain(t *testing.T) {
	srv := api.New(api.Config{
		Chains: map[string]api.ChainHealth{
			"eth": fakeChain{healthy: true, latencyMs: 12},
			"bsc": fakeChain{healthy: false, latencyMs: 0},
		},
		Log: log.DefaultLogger(),
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusReportsDKGAndPending(t *testing.T) {
	srv := api.New(api.Config{
		Coordinator: fakePending{ids: []string{"req-2", "req-1"}},
		DKGStatus:   func() string { return "DONE" },
		Log:         log.DefaultLogger(),
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"dkgStatus":"DONE"`)
	require.Contains(t, rec.Body.String(), `"req-1"`)
}

func TestStartDKGAcceptsWhenIdle(t *testing.T) {
	called := false
	srv := api.New(api.Config{
		StartDKG: func(ctx context.Context) error { called = true; return nil },
		Log:      log.DefaultLogger(),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/dkg/start", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.True(t, called)
}

func TestStartDKGRejectsWhenAlreadyRunning(t *testing.T) {
	srv := api.New(api.Config{
		StartDKG: func(ctx context.Context) error { return errors.New("ceremony already in progress") },
		Log:      log.DefaultLogger(),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/dkg/start", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerStampsRequestID(t *testing.T) {
	srv := api.New(api.Config{Log: log.DefaultLogger()})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	srv := api.New(api.Config{Log: log.DefaultLogger()})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
