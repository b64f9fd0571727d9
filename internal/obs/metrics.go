package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AlexKimmel/quotagate/internal/gateway"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
	"github.com/AlexKimmel/quotagate/internal/routing"
)

type Metrics struct {
	reg prometheus.Registerer

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Decisions       *prometheus.CounterVec
	Evicted         *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_requests_total",
				Help: "Total HTTP requests processed by the gateway",
			},
			[]string{"route", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotagate_request_duration_seconds",
				Help:    "Request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_ratelimit_decisions_total",
				Help: "Rate limit decisions by limiter and result",
			},
			[]string{"limiter", "route", "result"},
		),
		Evicted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_ratelimit_evicted_total",
				Help: "Idle buckets dropped by the sweeper",
			},
			[]string{"limiter"},
		),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.Decisions, m.Evicted)
	return m
}

// ObserveDecision is a gateway.DecisionHook.
func (m *Metrics) ObserveDecision(_ *http.Request, info gateway.DecisionInfo) {
	result := "allowed"
	if !info.Decision.Allowed {
		result = "denied"
	}
	m.Decisions.WithLabelValues(info.Limiter, info.RouteID, result).Inc()
}

// ObserveEviction matches ratelimit.WithEvictHook.
func (m *Metrics) ObserveEviction(limiter string, n int) {
	m.Evicted.WithLabelValues(limiter).Add(float64(n))
}

// TrackBuckets exports the live bucket count of every limiter.
func (m *Metrics) TrackBuckets(reg *ratelimit.Registry) {
	for _, name := range reg.Names() {
		l, _ := reg.Get(name)
		m.reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "quotagate_ratelimit_buckets",
				Help:        "Keys currently tracked by a limiter",
				ConstLabels: prometheus.Labels{"limiter": name},
			},
			func() float64 { return float64(l.Buckets()) },
		))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Middleware records per-request metrics.
// It must run after gateway.RouteMatcher so the route is in the context.
func (m *Metrics) Middleware(skip map[string]struct{}) gateway.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			route := "unknown"
			if rt, ok := routing.RouteFrom(r); ok && rt.ID != "" {
				route = rt.ID
			}

			method := r.Method
			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
		})
	}
}
