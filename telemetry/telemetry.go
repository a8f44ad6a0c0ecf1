package telemetry

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the collector runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with polling ticks and flushes.
type Collector interface {
	IncHotReload(file string)
	ObservePoll(cohort int, ok bool)
	ObserveTick(cohort int, duration time.Duration)
	IncReconnect(outcome string)
	SetDeviceStatus(status string, count int)
	SetQueueDepth(depth int)
	IncDropped(policy string, count int)
	ObserveFlush(ok bool, rows int, duration time.Duration)
	ObserveBackfill(outcome string, samples int)
	SetActiveBackfills(active int)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                   {}
func (noopCollector) ObservePoll(int, bool)                 {}
func (noopCollector) ObserveTick(int, time.Duration)        {}
func (noopCollector) IncReconnect(string)                   {}
func (noopCollector) SetDeviceStatus(string, int)           {}
func (noopCollector) SetQueueDepth(int)                     {}
func (noopCollector) IncDropped(string, int)                {}
func (noopCollector) ObserveFlush(bool, int, time.Duration) {}
func (noopCollector) ObserveBackfill(string, int)           {}
func (noopCollector) SetActiveBackfills(int)                {}

// PrometheusCollector exposes telemetry via Prometheus.
type PrometheusCollector struct {
	hotReloads      *prometheus.CounterVec
	polls           *prometheus.CounterVec
	tickDuration    prometheus.Histogram
	reconnects      *prometheus.CounterVec
	deviceStatus    *prometheus.GaugeVec
	queueDepth      prometheus.Gauge
	dropped         *prometheus.CounterVec
	flushes         *prometheus.CounterVec
	flushRows       prometheus.Counter
	flushDuration   prometheus.Histogram
	backfills       *prometheus.CounterVec
	backfillSamples prometheus.Counter
	activeBackfills prometheus.Gauge
}

// Metrics are process-wide so a collector rebuilt on hot reload keeps
// reporting into the series that are already registered.
var (
	metricsLock sync.Mutex
	metrics     *PrometheusCollector
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metricsLock.Lock()
	defer metricsLock.Unlock()
	if metrics != nil {
		return metrics, nil
	}

	var (
		c   PrometheusCollector
		err error
	)
	if c.hotReloads, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_collector_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, []string{"file"})); err != nil {
		return nil, err
	}
	if c.polls, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_collector_polls_total",
		Help: "Device polls by cohort and result.",
	}, []string{"cohort", "result"})); err != nil {
		return nil, err
	}
	if c.tickDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_collector_tick_duration_seconds",
		Help:    "Duration of a scheduler tick including all cohort polls.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})); err != nil {
		return nil, err
	}
	if c.reconnects, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_collector_reconnects_total",
		Help: "Reconnect scheduling decisions by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if c.deviceStatus, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_collector_devices",
		Help: "Devices in the connection pool by connection status.",
	}, []string{"status"})); err != nil {
		return nil, err
	}
	if c.queueDepth, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_collector_writer_queue_depth",
		Help: "Measurements waiting in the batch writer queue.",
	})); err != nil {
		return nil, err
	}
	if c.dropped, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_collector_writer_dropped_total",
		Help: "Measurements removed from the writer queue by the overflow policy.",
	}, []string{"policy"})); err != nil {
		return nil, err
	}
	if c.flushes, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_collector_writer_flushes_total",
		Help: "Batch writer flushes by result.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if c.flushRows, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_collector_writer_rows_written_total",
		Help: "Measurements handed to storage by successful flushes.",
	})); err != nil {
		return nil, err
	}
	if c.flushDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleet_collector_writer_flush_duration_seconds",
		Help:    "Duration of batch writer flushes.",
		Buckets: prometheus.DefBuckets,
	})); err != nil {
		return nil, err
	}
	if c.backfills, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_collector_backfills_total",
		Help: "Backfill sessions by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if c.backfillSamples, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_collector_backfill_samples_total",
		Help: "Samples recovered from device logs.",
	})); err != nil {
		return nil, err
	}
	if c.activeBackfills, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_collector_backfills_active",
		Help: "Backfill sessions currently in flight.",
	})); err != nil {
		return nil, err
	}
	metrics = &c
	return metrics, nil
}

// register adds c to reg, reusing an identical collector registered earlier.
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

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

func (p *PrometheusCollector) ObservePoll(cohort int, ok bool) {
	if p == nil {
		return
	}
	p.polls.WithLabelValues(strconv.Itoa(cohort), result(ok)).Inc()
}

func (p *PrometheusCollector) ObserveTick(_ int, duration time.Duration) {
	if p == nil {
		return
	}
	p.tickDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) IncReconnect(outcome string) {
	if p == nil {
		return
	}
	p.reconnects.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) SetDeviceStatus(status string, count int) {
	if p == nil {
		return
	}
	p.deviceStatus.WithLabelValues(status).Set(float64(count))
}

func (p *PrometheusCollector) SetQueueDepth(depth int) {
	if p == nil {
		return
	}
	p.queueDepth.Set(float64(depth))
}

// IncDropped records measurements removed by an overflow policy.
func (p *PrometheusCollector) IncDropped(policy string, count int) {
	if p == nil || count <= 0 {
		return
	}
	p.dropped.WithLabelValues(policy).Add(float64(count))
}

func (p *PrometheusCollector) ObserveFlush(ok bool, rows int, duration time.Duration) {
	if p == nil {
		return
	}
	p.flushes.WithLabelValues(result(ok)).Inc()
	if ok {
		p.flushRows.Add(float64(rows))
	}
	p.flushDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) ObserveBackfill(outcome string, samples int) {
	if p == nil {
		return
	}
	p.backfills.WithLabelValues(outcome).Inc()
	if samples > 0 {
		p.backfillSamples.Add(float64(samples))
	}
}

func (p *PrometheusCollector) SetActiveBackfills(active int) {
	if p == nil {
		return
	}
	p.activeBackfills.Set(float64(active))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
