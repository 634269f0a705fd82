package meshportal

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks per-portal protocol-level activity. It mirrors the
// transport package's Metrics interface one layer up: instead of raw
// transaction/byte counters on a Driver, these
// count typed frames, exchanges, and timeouts on a mesh portal.
type Metrics interface {
	IncrementFramesIn()
	IncrementFramesOut()
	IncrementExchangesOpened()
	IncrementExchangesCompleted()
	IncrementExchangesTimedOut()

	GetFramesIn() int64
	GetFramesOut() int64
	GetExchangesOpened() int64
	GetExchangesCompleted() int64
	GetExchangesTimedOut() int64
}

// DefaultMetrics implements Metrics with atomic counters, the same shape
// as transport.DefaultMetrics applied to the mesh's own counters instead
// of transport byte/transaction counts.
type DefaultMetrics struct {
	framesIn            int64
	framesOut           int64
	exchangesOpened     int64
	exchangesCompleted  int64
	exchangesTimedOut   int64
}

// NewDefaultMetrics creates a new DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementFramesIn()           { atomic.AddInt64(&m.framesIn, 1) }
func (m *DefaultMetrics) IncrementFramesOut()          { atomic.AddInt64(&m.framesOut, 1) }
func (m *DefaultMetrics) IncrementExchangesOpened()    { atomic.AddInt64(&m.exchangesOpened, 1) }
func (m *DefaultMetrics) IncrementExchangesCompleted() { atomic.AddInt64(&m.exchangesCompleted, 1) }
func (m *DefaultMetrics) IncrementExchangesTimedOut()  { atomic.AddInt64(&m.exchangesTimedOut, 1) }

func (m *DefaultMetrics) GetFramesIn() int64            { return atomic.LoadInt64(&m.framesIn) }
func (m *DefaultMetrics) GetFramesOut() int64           { return atomic.LoadInt64(&m.framesOut) }
func (m *DefaultMetrics) GetExchangesOpened() int64     { return atomic.LoadInt64(&m.exchangesOpened) }
func (m *DefaultMetrics) GetExchangesCompleted() int64  { return atomic.LoadInt64(&m.exchangesCompleted) }
func (m *DefaultMetrics) GetExchangesTimedOut() int64   { return atomic.LoadInt64(&m.exchangesTimedOut) }

// PrometheusMetrics implements Metrics on top of client_golang CounterVecs
// keyed by portal key, so a muxer fronting many portals exposes per-portal
// series rather than one process-wide total. Register it once per portal
// with NewPrometheusMetrics and pass reg=nil to use the default registerer.
type PrometheusMetrics struct {
	portalKey string

	framesIn            prometheus.Counter
	framesOut           prometheus.Counter
	exchangesOpened     prometheus.Counter
	exchangesCompleted  prometheus.Counter
	exchangesTimedOut   prometheus.Counter

	framesInTotal           *prometheus.CounterVec
	framesOutTotal          *prometheus.CounterVec
	exchangesOpenedTotal    *prometheus.CounterVec
	exchangesCompletedTotal *prometheus.CounterVec
	exchangesTimedOutTotal  *prometheus.CounterVec
}

// NewPrometheusMetrics registers (or reuses, if already registered) the
// mesh's portal CounterVecs against reg and returns a view scoped to
// portalKey. reg may be nil to use prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer, portalKey string) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	framesInTotal := mustRegisterCounterVec(reg, "mesh_portal_frames_in_total", "Typed frames received by a portal.")
	framesOutTotal := mustRegisterCounterVec(reg, "mesh_portal_frames_out_total", "Typed frames sent by a portal.")
	exchangesOpenedTotal := mustRegisterCounterVec(reg, "mesh_portal_exchanges_opened_total", "Exchanges registered by a portal.")
	exchangesCompletedTotal := mustRegisterCounterVec(reg, "mesh_portal_exchanges_completed_total", "Exchanges completed with a response.")
	exchangesTimedOutTotal := mustRegisterCounterVec(reg, "mesh_portal_exchanges_timed_out_total", "Exchanges that expired waiting for a response.")

	return &PrometheusMetrics{
		portalKey:               portalKey,
		framesIn:                framesInTotal.WithLabelValues(portalKey),
		framesOut:               framesOutTotal.WithLabelValues(portalKey),
		exchangesOpened:         exchangesOpenedTotal.WithLabelValues(portalKey),
		exchangesCompleted:      exchangesCompletedTotal.WithLabelValues(portalKey),
		exchangesTimedOut:       exchangesTimedOutTotal.WithLabelValues(portalKey),
		framesInTotal:           framesInTotal,
		framesOutTotal:          framesOutTotal,
		exchangesOpenedTotal:    exchangesOpenedTotal,
		exchangesCompletedTotal: exchangesCompletedTotal,
		exchangesTimedOutTotal:  exchangesTimedOutTotal,
	}
}

func mustRegisterCounterVec(reg prometheus.Registerer, name, help string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, []string{"portal_key"})
	if err := reg.Register(cv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return cv
}

func (m *PrometheusMetrics) IncrementFramesIn()           { m.framesIn.Inc() }
func (m *PrometheusMetrics) IncrementFramesOut()          { m.framesOut.Inc() }
func (m *PrometheusMetrics) IncrementExchangesOpened()    { m.exchangesOpened.Inc() }
func (m *PrometheusMetrics) IncrementExchangesCompleted() { m.exchangesCompleted.Inc() }
func (m *PrometheusMetrics) IncrementExchangesTimedOut()  { m.exchangesTimedOut.Inc() }

// The Get* accessors satisfy Metrics for symmetry with DefaultMetrics, but
// Prometheus counters are not locally readable; callers that need the
// current value should scrape /metrics instead. These return 0.
func (m *PrometheusMetrics) GetFramesIn() int64            { return 0 }
func (m *PrometheusMetrics) GetFramesOut() int64           { return 0 }
func (m *PrometheusMetrics) GetExchangesOpened() int64     { return 0 }
func (m *PrometheusMetrics) GetExchangesCompleted() int64  { return 0 }
func (m *PrometheusMetrics) GetExchangesTimedOut() int64   { return 0 }
