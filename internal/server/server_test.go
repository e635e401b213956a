package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/piwi3910/trafficweave/internal/config"
	"github.com/piwi3910/trafficweave/internal/dashboard"
	"github.com/piwi3910/trafficweave/internal/intersection"
	"github.com/piwi3910/trafficweave/internal/middleware"
	"github.com/piwi3910/trafficweave/internal/observability"
	"github.com/piwi3910/trafficweave/internal/server"
)

// fakeDashboard is an in-memory DashboardAPI.
type fakeDashboard struct {
	mu            sync.Mutex
	connected     bool
	intersections []intersection.State
	connectErr    error
	selectErr     error
	unsubErr      error

	lastOverrides dashboard.Overrides
	selected      []string
}

func (f *fakeDashboard) Connect(_ context.Context, o dashboard.Overrides) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOverrides = o
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeDashboard) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeDashboard) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeDashboard) Status() dashboard.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return dashboard.Status{
		Connected:     f.connected,
		URL:           "http://cse.example",
		Originator:    "Cdash1",
		RootID:        "id-in",
		DashboardID:   "dash1",
		Intersections: len(f.intersections),
	}
}

func (f *fakeDashboard) Intersections() []intersection.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]intersection.State(nil), f.intersections...)
}

func (f *fakeDashboard) SelectLight(_ context.Context, index, light int, color string) (intersection.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selectErr != nil {
		return intersection.State{}, f.selectErr
	}
	if !f.connected {
		return intersection.State{}, dashboard.ErrNotConnected
	}
	if index < 0 || index >= len(f.intersections) {
		return intersection.State{}, intersection.ErrIndexOutOfRange
	}
	f.selected = append(f.selected, color)
	state := f.intersections[index]
	if light == 1 {
		state.Light1 = intersection.Color(color)
	} else {
		state.Light2 = intersection.Color(color)
	}
	f.intersections[index] = state
	return state, nil
}

func (f *fakeDashboard) Unsubscribe(_ context.Context, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsubErr != nil {
		return f.unsubErr
	}
	if !f.connected {
		return dashboard.ErrNotConnected
	}
	if index < 0 || index >= len(f.intersections) {
		return intersection.ErrIndexOutOfRange
	}
	return nil
}

func twoIntersections() []intersection.State {
	return []intersection.State{
		{Index: 0, ID: "fc-1", Name: "intersection1", Light1: intersection.ColorGreen, Light2: intersection.ColorRed, BLE: "connected"},
		{Index: 1, ID: "fc-2", Name: "intersection2", Light1: intersection.ColorRed, Light2: intersection.ColorRed, BLE: "connected"},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvTest,
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            0,
			GinMode:         gin.TestMode,
			ShutdownTimeout: time.Second,
		},
		Validation: config.ValidationConfig{Enabled: true},
		Observability: config.ObservabilityConfig{
			Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
		},
	}
}

func newTestServer(t *testing.T, dash server.DashboardAPI, opts ...server.Option) *server.Server {
	t.Helper()
	return server.New(testConfig(), zaptest.NewLogger(t), dash, opts...)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	assert.Equal(t, w.Code, body.Code)
	return body.Error
}

func TestNew_PanicsOnMissingDependencies(t *testing.T) {
	logger := zap.NewNop()
	dash := &fakeDashboard{}

	assert.Panics(t, func() { server.New(nil, logger, dash) })
	assert.Panics(t, func() { server.New(testConfig(), nil, dash) })
	assert.Panics(t, func() { server.New(testConfig(), logger, nil) })
}

func TestHealthEndpoints(t *testing.T) {
	dash := &fakeDashboard{}
	srv := newTestServer(t, dash)
	router := srv.Router()

	w := do(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, router, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	dash.connected = true
	w = do(t, router, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ready":true`)
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, &fakeDashboard{})

	w := do(t, srv.Router(), http.MethodGet, "/api/v1/dashboard", "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestGetDashboard(t *testing.T) {
	dash := &fakeDashboard{connected: true, intersections: twoIntersections()}
	srv := newTestServer(t, dash)

	w := do(t, srv.Router(), http.MethodGet, "/api/v1/dashboard", "")
	require.Equal(t, http.StatusOK, w.Code)

	var status dashboard.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.Connected)
	assert.Equal(t, "dash1", status.DashboardID)
	assert.Equal(t, 2, status.Intersections)
}

func TestConnect(t *testing.T) {
	t.Run("without body", func(t *testing.T) {
		dash := &fakeDashboard{}
		srv := newTestServer(t, dash)

		w := do(t, srv.Router(), http.MethodPost, "/api/v1/dashboard/connect", "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.True(t, dash.Connected())
		assert.Equal(t, dashboard.Overrides{}, dash.lastOverrides)
	})

	t.Run("with overrides", func(t *testing.T) {
		dash := &fakeDashboard{}
		srv := newTestServer(t, dash)

		w := do(t, srv.Router(), http.MethodPost, "/api/v1/dashboard/connect",
			`{"url":"http://other:8081","originator":"Cdash2","base_ri":"id-mn"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, dashboard.Overrides{URL: "http://other:8081", Originator: "Cdash2", RootID: "id-mn"}, dash.lastOverrides)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		dash := &fakeDashboard{}
		srv := newTestServer(t, dash)

		w := do(t, srv.Router(), http.MethodPost, "/api/v1/dashboard/connect", `{"password":"x"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "ValidationError", decodeError(t, w))
		assert.False(t, dash.Connected())
	})

	t.Run("broker failure", func(t *testing.T) {
		dash := &fakeDashboard{connectErr: errors.New("connection refused")}
		srv := newTestServer(t, dash)

		w := do(t, srv.Router(), http.MethodPost, "/api/v1/dashboard/connect", "")
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, "ConnectFailed", decodeError(t, w))
		assert.Contains(t, w.Body.String(), "connection refused")
	})
}

func TestDisconnect(t *testing.T) {
	dash := &fakeDashboard{connected: true}
	srv := newTestServer(t, dash)

	w := do(t, srv.Router(), http.MethodPost, "/api/v1/dashboard/disconnect", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, dash.Connected())
	assert.Contains(t, w.Body.String(), `"connected":false`)
}

func TestListIntersections(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		srv := newTestServer(t, &fakeDashboard{})

		w := do(t, srv.Router(), http.MethodGet, "/api/v1/intersections", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"intersections":[],"total":0}`, w.Body.String())
	})

	t.Run("populated", func(t *testing.T) {
		srv := newTestServer(t, &fakeDashboard{connected: true, intersections: twoIntersections()})

		w := do(t, srv.Router(), http.MethodGet, "/api/v1/intersections", "")
		require.Equal(t, http.StatusOK, w.Code)

		var list server.IntersectionList
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
		assert.Equal(t, 2, list.Total)
		assert.Equal(t, "intersection2", list.Intersections[1].Name)
	})
}

func TestGetIntersection(t *testing.T) {
	srv := newTestServer(t, &fakeDashboard{connected: true, intersections: twoIntersections()})
	router := srv.Router()

	w := do(t, router, http.MethodGet, "/api/v1/intersections/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var state intersection.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, "fc-2", state.ID)

	w = do(t, router, http.MethodGet, "/api/v1/intersections/5", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", decodeError(t, w))
}

func TestSelectLight(t *testing.T) {
	tests := []struct {
		name       string
		dash       *fakeDashboard
		path       string
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "green on light one",
			dash:       &fakeDashboard{connected: true, intersections: twoIntersections()},
			path:       "/api/v1/intersections/1/lights/1",
			body:       `{"color":"green"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "unknown color",
			dash:       &fakeDashboard{connected: true, intersections: twoIntersections()},
			path:       "/api/v1/intersections/0/lights/1",
			body:       `{"color":"blue"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "ValidationError",
		},
		{
			name:       "light out of range",
			dash:       &fakeDashboard{connected: true, intersections: twoIntersections()},
			path:       "/api/v1/intersections/0/lights/3",
			body:       `{"color":"red"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "ValidationError",
		},
		{
			name:       "not connected",
			dash:       &fakeDashboard{intersections: twoIntersections()},
			path:       "/api/v1/intersections/0/lights/1",
			body:       `{"color":"red"}`,
			wantStatus: http.StatusConflict,
			wantError:  "NotConnected",
		},
		{
			name:       "index out of range",
			dash:       &fakeDashboard{connected: true, intersections: twoIntersections()},
			path:       "/api/v1/intersections/7/lights/2",
			body:       `{"color":"red"}`,
			wantStatus: http.StatusNotFound,
			wantError:  "NotFound",
		},
		{
			name:       "invalid color from dashboard",
			dash:       &fakeDashboard{connected: true, selectErr: intersection.ErrInvalidColor},
			path:       "/api/v1/intersections/0/lights/1",
			body:       `{"color":"off"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "BadRequest",
		},
		{
			name:       "broker rejects update",
			dash:       &fakeDashboard{connected: true, selectErr: errors.New("update failed: status 500")},
			path:       "/api/v1/intersections/0/lights/1",
			body:       `{"color":"red"}`,
			wantStatus: http.StatusBadGateway,
			wantError:  "BrokerError",
		},
		{
			name:       "broker timeout",
			dash:       &fakeDashboard{connected: true, selectErr: context.DeadlineExceeded},
			path:       "/api/v1/intersections/0/lights/1",
			body:       `{"color":"red"}`,
			wantStatus: http.StatusGatewayTimeout,
			wantError:  "Timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.dash)

			w := do(t, srv.Router(), http.MethodPut, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantError != "" {
				assert.Equal(t, tt.wantError, decodeError(t, w))
			}
		})
	}
}

func TestSelectLight_ReturnsUpdatedState(t *testing.T) {
	dash := &fakeDashboard{connected: true, intersections: twoIntersections()}
	srv := newTestServer(t, dash)

	w := do(t, srv.Router(), http.MethodPut, "/api/v1/intersections/1/lights/2", `{"color":"yellow"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var state intersection.State
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Equal(t, intersection.ColorYellow, state.Light2)
	assert.Equal(t, []string{"yellow"}, dash.selected)
}

func TestSelectLight_WithoutValidation(t *testing.T) {
	cfg := testConfig()
	cfg.Validation.Enabled = false
	dash := &fakeDashboard{connected: true, intersections: twoIntersections()}
	srv := server.New(cfg, zaptest.NewLogger(t), dash)

	w := do(t, srv.Router(), http.MethodPut, "/api/v1/intersections/x/lights/1", `{"color":"red"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "index must be an integer")

	w = do(t, srv.Router(), http.MethodPut, "/api/v1/intersections/0/lights/1", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BadRequest", decodeError(t, w))
}

func TestUnsubscribe(t *testing.T) {
	dash := &fakeDashboard{connected: true, intersections: twoIntersections()}
	srv := newTestServer(t, dash)
	router := srv.Router()

	w := do(t, router, http.MethodDelete, "/api/v1/intersections/0/subscription", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, router, http.MethodDelete, "/api/v1/intersections/9/subscription", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	dash.Disconnect()
	w = do(t, router, http.MethodDelete, "/api/v1/intersections/0/subscription", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestNoRoute(t *testing.T) {
	srv := newTestServer(t, &fakeDashboard{})

	w := do(t, srv.Router(), http.MethodGet, "/api/v1/nothing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", decodeError(t, w))
}

func TestRecovery(t *testing.T) {
	srv := newTestServer(t, &fakeDashboard{})
	srv.Router().GET("/panic", func(*gin.Context) { panic("boom") })

	w := do(t, srv.Router(), http.MethodGet, "/panic", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "InternalError", decodeError(t, w))
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.Security.EnableCORS = true
	cfg.Security.AllowedOrigins = []string{"http://dashboard.local"}
	cfg.Security.AllowedMethods = []string{"GET", "PUT"}
	cfg.Security.AllowedHeaders = []string{"Content-Type"}
	srv := server.New(cfg, zaptest.NewLogger(t), &fakeDashboard{})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/intersections", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://dashboard.local", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, PUT", w.Header().Get("Access-Control-Allow-Methods"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/intersections", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("trafficweave_test", reg)
	srv := newTestServer(t, &fakeDashboard{}, server.WithMetrics(metrics, reg))
	router := srv.Router()

	do(t, router, http.MethodGet, "/api/v1/intersections", "")

	w := do(t, router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "trafficweave_test_http_requests_total")
	assert.Contains(t, w.Body.String(), `path="/api/v1/intersections"`)
}

func TestMetricsEndpoint_NotRegisteredWithoutMetrics(t *testing.T) {
	srv := newTestServer(t, &fakeDashboard{})

	w := do(t, srv.Router(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDocs(t *testing.T) {
	srv := newTestServer(t, &fakeDashboard{})
	router := srv.Router()

	w := do(t, router, http.MethodGet, "/docs/openapi.yaml", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(server.OpenAPISpec()), w.Body.String())

	w = do(t, router, http.MethodGet, "/openapi.json", "")
	require.Equal(t, http.StatusOK, w.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Contains(t, doc, "paths")

	w = do(t, router, http.MethodGet, "/docs", "")
	assert.Equal(t, http.StatusMovedPermanently, w.Code)

	w = do(t, router, http.MethodGet, "/docs/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "swagger-ui")
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "unpkg.com")
}

func TestRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rl, err := middleware.NewRateLimiter(&middleware.RateLimitConfig{
		Enabled:     true,
		PerClient:   middleware.LimitConfig{RequestsPerSecond: 100, BurstSize: 100},
		RedisClient: client,
		PerEndpoint: []middleware.EndpointLimitConfig{{
			Method:      http.MethodPut,
			Path:        "/api/v1/intersections/:index/lights/:light",
			LimitConfig: middleware.LimitConfig{RequestsPerSecond: 1, BurstSize: 2},
		}},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	dash := &fakeDashboard{connected: true, intersections: twoIntersections()}
	srv := newTestServer(t, dash, server.WithRateLimiter(rl))

	limited := 0
	for range 5 {
		w := do(t, srv.Router(), http.MethodPut, "/api/v1/intersections/0/lights/1", `{"color":"red"}`)
		if w.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Positive(t, limited)

	w := do(t, srv.Router(), http.MethodGet, "/api/v1/intersections", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestShutdownWithoutStart(t *testing.T) {
	srv := newTestServer(t, &fakeDashboard{})

	assert.NoError(t, srv.Shutdown())
	assert.NoError(t, srv.Shutdown())
}
