package observability

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for completed requests.
const (
	OutcomeOK          = "ok"
	OutcomeRemoteError = "remote_error"
	OutcomeTimeout     = "timeout"
	OutcomeCancelled   = "cancelled"
	OutcomeConnLost    = "connection_lost"
	OutcomeWriteFailed = "write_failed"
	OutcomeRejected    = "rejected"
)

// IPCMetrics holds the collectors shared by the client and the kernel. A nil
// *IPCMetrics is valid and records nothing.
type IPCMetrics struct {
	role string

	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	pending          *prometheus.GaugeVec
	reconnects       *prometheus.CounterVec
	handlerCalls     *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	connectedClients *prometheus.GaugeVec
	adminRequests    *prometheus.CounterVec
	adminDuration    *prometheus.HistogramVec
}

// NewIPCMetrics builds the collectors and registers them with reg. role is
// "client" or "kernel" and becomes a constant label. A collector already
// registered by another instance with the same role is reused.
func NewIPCMetrics(reg prometheus.Registerer, role string) (*IPCMetrics, error) {
	m := &IPCMetrics{
		role: role,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edgeipc",
				Subsystem: "requests",
				Name:      "total",
				Help:      "Outbound requests by destination and outcome.",
			},
			[]string{"role", "destination", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "edgeipc",
				Subsystem: "requests",
				Name:      "duration_seconds",
				Help:      "Outbound request round trip in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"role", "destination"},
		),
		pending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "edgeipc",
				Subsystem: "requests",
				Name:      "pending",
				Help:      "Requests awaiting a response.",
			},
			[]string{"role"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edgeipc",
				Subsystem: "session",
				Name:      "connects_total",
				Help:      "Connection attempts by result.",
			},
			[]string{"role", "result"},
		),
		handlerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edgeipc",
				Subsystem: "handlers",
				Name:      "invocations_total",
				Help:      "Inbound request handler invocations.",
			},
			[]string{"role", "destination", "success"},
		),
		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edgeipc",
				Subsystem: "frames",
				Name:      "dropped_total",
				Help:      "Inbound frames dropped without delivery.",
			},
			[]string{"role", "reason"},
		),
		connectedClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "edgeipc",
				Subsystem: "kernel",
				Name:      "clients",
				Help:      "Authenticated clients attached to the kernel.",
			},
			[]string{"role"},
		),
		adminRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edgeipc",
				Subsystem: "admin",
				Name:      "http_requests_total",
				Help:      "Admin HTTP requests by method, route and status.",
			},
			[]string{"role", "method", "path", "status"},
		),
		adminDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "edgeipc",
				Subsystem: "admin",
				Name:      "http_request_duration_seconds",
				Help:      "Admin HTTP request latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"role", "method", "path"},
		),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	m.requests, err = register(reg, m.requests)
	if err != nil {
		return nil, err
	}
	m.requestDuration, err = register(reg, m.requestDuration)
	if err != nil {
		return nil, err
	}
	m.pending, err = register(reg, m.pending)
	if err != nil {
		return nil, err
	}
	m.reconnects, err = register(reg, m.reconnects)
	if err != nil {
		return nil, err
	}
	m.handlerCalls, err = register(reg, m.handlerCalls)
	if err != nil {
		return nil, err
	}
	m.framesDropped, err = register(reg, m.framesDropped)
	if err != nil {
		return nil, err
	}
	m.connectedClients, err = register(reg, m.connectedClients)
	if err != nil {
		return nil, err
	}
	m.adminRequests, err = register(reg, m.adminRequests)
	if err != nil {
		return nil, err
	}
	m.adminDuration, err = register(reg, m.adminDuration)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func destLabel(dest uint16) string {
	return strconv.FormatUint(uint64(dest), 10)
}

func (m *IPCMetrics) RecordRequest(dest uint16, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	label := destLabel(dest)
	m.requests.WithLabelValues(m.role, label, outcome).Inc()
	if outcome == OutcomeOK || outcome == OutcomeRemoteError {
		m.requestDuration.WithLabelValues(m.role, label).Observe(duration.Seconds())
	}
}

func (m *IPCMetrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(m.role).Set(float64(n))
}

func (m *IPCMetrics) RecordConnect(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.reconnects.WithLabelValues(m.role, result).Inc()
}

func (m *IPCMetrics) RecordHandler(dest uint16, success bool) {
	if m == nil {
		return
	}
	m.handlerCalls.WithLabelValues(m.role, destLabel(dest), strconv.FormatBool(success)).Inc()
}

func (m *IPCMetrics) RecordDroppedFrame(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(m.role, reason).Inc()
}

func (m *IPCMetrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.connectedClients.WithLabelValues(m.role).Set(float64(n))
}

func (m *IPCMetrics) RecordAdminRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.adminRequests.WithLabelValues(m.role, method, path, strconv.Itoa(status)).Inc()
	m.adminDuration.WithLabelValues(m.role, method, path).Observe(duration.Seconds())
}
