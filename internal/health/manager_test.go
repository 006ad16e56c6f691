package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lexrag/retrievald/internal/circuitbreaker"
)

type staticChecker struct {
	name     string
	status   CheckStatus
	critical bool
}

func (s staticChecker) Name() string           { return s.name }
func (s staticChecker) IsCritical() bool       { return s.critical }
func (s staticChecker) Timeout() time.Duration { return time.Second }
func (s staticChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{Status: s.status}
}

func TestManager_OverallHealthAggregation(t *testing.T) {
	cases := []struct {
		name     string
		checkers []staticChecker
		want     CheckStatus
	}{
		{
			name: "all healthy",
			checkers: []staticChecker{
				{"qdrant", StatusHealthy, true},
				{"redis", StatusHealthy, false},
			},
			want: StatusHealthy,
		},
		{
			name: "non-critical failure degrades",
			checkers: []staticChecker{
				{"qdrant", StatusHealthy, true},
				{"redis", StatusUnhealthy, false},
			},
			want: StatusDegraded,
		},
		{
			name: "critical failure is unhealthy",
			checkers: []staticChecker{
				{"qdrant", StatusUnhealthy, true},
				{"redis", StatusHealthy, false},
			},
			want: StatusUnhealthy,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(time.Hour, zap.NewNop())
			defer m.Stop()
			for _, c := range tc.checkers {
				require.NoError(t, m.RegisterChecker(c))
			}
			require.NoError(t, m.Start(context.Background()))

			got := m.GetOverallHealth()
			assert.Equal(t, tc.want, got.Status)
			assert.Len(t, got.Components, len(tc.checkers))
		})
	}
}

func TestManager_DuplicateCheckerRejected(t *testing.T) {
	m := NewManager(time.Hour, zap.NewNop())
	defer m.Stop()

	require.NoError(t, m.RegisterChecker(staticChecker{"redis", StatusHealthy, false}))
	assert.Error(t, m.RegisterChecker(staticChecker{"redis", StatusHealthy, false}))
}

func TestManager_ReadinessTracksCriticalChecks(t *testing.T) {
	m := NewManager(time.Hour, zap.NewNop())
	defer m.Stop()
	require.NoError(t, m.RegisterChecker(staticChecker{"qdrant", StatusUnhealthy, true}))
	require.NoError(t, m.Start(context.Background()))

	assert.False(t, m.IsReady())
	assert.True(t, m.IsLive(), "liveness is independent of dependencies")
}

func TestHTTPDependencyChecker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPDependencyChecker("provider", srv.URL, true, zap.NewNop())
	result := c.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)

	down := NewHTTPDependencyChecker("provider", "http://127.0.0.1:1", true, zap.NewNop())
	result = down.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestRedisHealthChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cli.Close()

	c := NewRedisHealthChecker(cli, circuitbreaker.NewRedisWrapper(cli, zap.NewNop()), zap.NewNop())
	assert.False(t, c.IsCritical(), "a dead second tier must not fail readiness")
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	mr.Close()
	assert.Equal(t, StatusUnhealthy, c.Check(context.Background()).Status)
}

func TestCacheChecker(t *testing.T) {
	n := 10
	c := NewCacheChecker("embedding-cache", func() int { return n }, 100)

	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)

	n = 100
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
}

func TestHTTPHandler_Endpoints(t *testing.T) {
	m := NewManager(time.Hour, zap.NewNop())
	defer m.Stop()
	require.NoError(t, m.RegisterChecker(staticChecker{"qdrant", StatusHealthy, true}))
	require.NoError(t, m.Start(context.Background()))

	mux := http.NewServeMux()
	NewHTTPHandler(m, zap.NewNop()).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for _, path := range []string{"/health", "/health/ready", "/health/live"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body), path)
		resp.Body.Close()
	}
}
