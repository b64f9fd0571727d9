package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/quotagate/internal/gateway"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
	"github.com/AlexKimmel/quotagate/internal/routing"
)

func TestNewLogger_Level(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, newLogger(&bytes.Buffer{}, "DEBUG").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, newLogger(&bytes.Buffer{}, "loud").GetLevel())
	assert.Equal(t, zerolog.InfoLevel, newLogger(&bytes.Buffer{}, "").GetLevel())
}

func TestLogger_AccessLog(t *testing.T) {
	var buf bytes.Buffer
	h := Logger(newLogger(&buf, "info"))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	r := httptest.NewRequest(http.MethodGet, "/brew", nil)
	r.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(httptest.NewRecorder(), r)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "req", line["message"])
	assert.Equal(t, "/brew", line["path"])
	assert.Equal(t, float64(http.StatusTeapot), line["status"])
	assert.Contains(t, line, "req_id")
}

func TestMetrics_Middleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := m.Middleware(map[string]struct{}{"/health": {}})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	r := routing.WithRoute(httptest.NewRequest(http.MethodGet, "/users", nil), &routing.Route{ID: "users"})
	h.ServeHTTP(httptest.NewRecorder(), r)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("users", "GET", "429")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestsTotal))
}

func TestMetrics_Decisions(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	m.ObserveDecision(r, gateway.DecisionInfo{Limiter: "default", RouteID: "users", Decision: ratelimit.Decision{Allowed: true}})
	m.ObserveDecision(r, gateway.DecisionInfo{Limiter: "default", RouteID: "users", Decision: ratelimit.Decision{Allowed: false}})
	m.ObserveDecision(r, gateway.DecisionInfo{Limiter: "default", RouteID: "users", Decision: ratelimit.Decision{Allowed: false}})
	m.ObserveEviction("default", 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("default", "users", "allowed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Decisions.WithLabelValues("default", "users", "denied")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Evicted.WithLabelValues("default")))
}

func TestMetrics_TrackBuckets(t *testing.T) {
	promReg := prometheus.NewRegistry()
	m := NewMetrics(promReg)

	def, err := ratelimit.New("default", ratelimit.Config{Capacity: 1, RefillDuration: time.Second})
	require.NoError(t, err)
	demo, err := ratelimit.New("demo-client", ratelimit.Config{Capacity: 1, RefillDuration: time.Second})
	require.NoError(t, err)
	reg, err := ratelimit.NewRegistry("default", def, demo)
	require.NoError(t, err)

	m.TrackBuckets(reg)
	def.Decide("a")
	def.Decide("b")

	families, err := promReg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "quotagate_ratelimit_buckets" {
			continue
		}
		for _, metric := range f.GetMetric() {
			got[metric.GetLabel()[0].GetValue()] = metric.GetGauge().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{"default": 2, "demo-client": 0}, got)
}
