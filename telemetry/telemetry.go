// Package telemetry records poll and write metrics.
package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures events from the poll scheduler. Implementations are
// called inline from device workers and must be cheap.
type Collector interface {
	ObserveCycle(device string, d time.Duration, changed int)
	IncReadFailure(device string)
	IncWrite(device string, ok bool)
	SetAccessible(device string, accessible bool)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveCycle(string, time.Duration, int) {}
func (noopCollector) IncReadFailure(string)                   {}
func (noopCollector) IncWrite(string, bool)                   {}
func (noopCollector) SetAccessible(string, bool)              {}

// PrometheusCollector exposes the scheduler metrics via Prometheus.
type PrometheusCollector struct {
	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	changes       *prometheus.CounterVec
	readFailures  *prometheus.CounterVec
	writes        *prometheus.CounterVec
	accessible    *prometheus.GaugeVec
}

// NewPrometheusCollector registers the metrics with reg. Registering twice
// on the same registerer reuses the existing metrics.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	cycles, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filedaq_read_cycles_total",
		Help: "Number of read cycles run per device.",
	}, []string{"device"}))
	if err != nil {
		return nil, err
	}
	duration, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "filedaq_read_cycle_duration_seconds",
		Help:    "Duration of read cycles per device, connect to disconnect.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"device"}))
	if err != nil {
		return nil, err
	}
	changes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filedaq_value_changes_total",
		Help: "Number of changed variable values reported per device.",
	}, []string{"device"}))
	if err != nil {
		return nil, err
	}
	failures, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filedaq_read_failures_total",
		Help: "Number of read cycles aborted because the device was not accessible.",
	}, []string{"device"}))
	if err != nil {
		return nil, err
	}
	writes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filedaq_writes_total",
		Help: "Number of variable writes per device and result.",
	}, []string{"device", "result"}))
	if err != nil {
		return nil, err
	}
	accessible, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "filedaq_device_accessible",
		Help: "1 when the last connect to the device succeeded, 0 otherwise.",
	}, []string{"device"}))
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		cycles:        cycles,
		cycleDuration: duration,
		changes:       changes,
		readFailures:  failures,
		writes:        writes,
		accessible:    accessible,
	}, nil
}

// register adds c to reg, returning the already registered collector of the
// same type when there is one.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

// ObserveCycle records one completed read cycle.
func (p *PrometheusCollector) ObserveCycle(device string, d time.Duration, changed int) {
	if p == nil {
		return
	}
	p.cycles.WithLabelValues(device).Inc()
	p.cycleDuration.WithLabelValues(device).Observe(d.Seconds())
	if changed > 0 {
		p.changes.WithLabelValues(device).Add(float64(changed))
	}
}

// IncReadFailure records a read cycle aborted at connect.
func (p *PrometheusCollector) IncReadFailure(device string) {
	if p == nil {
		return
	}
	p.readFailures.WithLabelValues(device).Inc()
}

// IncWrite records a write attempt.
func (p *PrometheusCollector) IncWrite(device string, ok bool) {
	if p == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	p.writes.WithLabelValues(device, result).Inc()
}

// SetAccessible updates the accessibility gauge.
func (p *PrometheusCollector) SetAccessible(device string, accessible bool) {
	if p == nil {
		return
	}
	v := 0.0
	if accessible {
		v = 1
	}
	p.accessible.WithLabelValues(device).Set(v)
}
