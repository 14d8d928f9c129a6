package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterkit/clusterkit/internal/config"
)

func portOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	p, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return p
}

func TestStatusFor_MatchesThresholds(t *testing.T) {
	assert.Equal(t, StatusHealthy, statusFor(100))
	assert.Equal(t, StatusHealthy, statusFor(80))
	assert.Equal(t, StatusWarning, statusFor(79))
	assert.Equal(t, StatusCritical, statusFor(59))
	assert.Equal(t, StatusDown, statusFor(29))
}

func TestEvaluate_HealthyWorkerScoresFullMarks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.HealthConfig{Endpoint: "/health", TimeoutSec: 1, MaxFailures: 3}
	m := NewMonitor(cfg, nil, nil, nil, nil)
	m.Track("w1", portOf(t, srv))

	report := m.Evaluate(context.Background(), "w1", portOf(t, srv))
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, 0, report.Consecutive)
}

func TestEvaluate_FailingHTTPChecksTriggerRestartRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var events []string
	sink := func(event, workerID, reason string) { events = append(events, event) }

	cfg := config.HealthConfig{Endpoint: "/health", TimeoutSec: 1, MaxFailures: 2}
	m := NewMonitor(cfg, nil, nil, sink, nil)
	port := portOf(t, srv)
	m.Track("w1", port)

	m.Evaluate(context.Background(), "w1", port)
	m.Evaluate(context.Background(), "w1", port)

	assert.Contains(t, events, "worker:restart:required")
}

func TestHistory_CapsAtMaxHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.HealthConfig{Endpoint: "/health", TimeoutSec: 1}
	m := NewMonitor(cfg, nil, nil, nil, nil)
	port := portOf(t, srv)
	m.Track("w1", port)

	for i := 0; i < maxHistory+10; i++ {
		m.Evaluate(context.Background(), "w1", port)
	}

	assert.Len(t, m.History("w1"), maxHistory)
}

func TestLoopDelayCheck_FailsAboveThreshold(t *testing.T) {
	cfg := config.HealthConfig{EventLoopDelayMsMax: 10, TimeoutSec: 1}
	probe := func(ctx context.Context, workerID string) (time.Duration, error) {
		return 50 * time.Millisecond, nil
	}
	m := NewMonitor(cfg, nil, probe, nil, nil)

	result := m.loopDelayCheck(context.Background(), "w1")
	assert.False(t, result.Passed)
}
