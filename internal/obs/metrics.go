package obs

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type labelTuple struct {
	method, route, status, scope string
}

// Metrics records per-route request durations. Label tuples that stop
// being observed are swept out of the vectors so routes that went quiet
// do not accumulate series forever.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	mu   sync.Mutex
	seen map[labelTuple]time.Time
	now  func() time.Time
}

// NewMetrics registers the vectors. name is the histogram's metric name.
func NewMetrics(reg prometheus.Registerer, name string) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discord_proxy_requests_total",
				Help: "Total requests forwarded upstream",
			},
			[]string{"method", "route", "status", "scope"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name,
				Help:    "Request duration in seconds, permit grant to last body byte",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status", "scope"},
		),
		seen: make(map[labelTuple]time.Time),
		now:  time.Now,
	}
	reg.MustRegister(m.RequestsTotal, m.RequestDuration)
	return m
}

func (m *Metrics) Observe(method, route, status, scope string, d time.Duration) {
	m.RequestDuration.WithLabelValues(method, route, status, scope).Observe(d.Seconds())
	m.RequestsTotal.WithLabelValues(method, route, status, scope).Inc()

	m.mu.Lock()
	m.seen[labelTuple{method, route, status, scope}] = m.now()
	m.mu.Unlock()
}

// Sweep drops label tuples not observed within maxIdle.
func (m *Metrics) Sweep(maxIdle time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for t, last := range m.seen {
		if now.Sub(last) > maxIdle {
			m.RequestDuration.DeleteLabelValues(t.method, t.route, t.status, t.scope)
			m.RequestsTotal.DeleteLabelValues(t.method, t.route, t.status, t.scope)
			delete(m.seen, t)
		}
	}
}
