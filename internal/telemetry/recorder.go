package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/openliquid/swapflow/internal/observability"
)

// Recorder implements the internal metrics interface on OTel instruments.
// Instruments are created on first use and cached by name.
type Recorder struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

var _ observability.Metrics = (*Recorder)(nil)

// NewRecorder builds a recorder on the provider's meter.
func NewRecorder(p *Provider) *Recorder {
	return &Recorder{
		meter:      p.Meter("swapflow"),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

func (r *Recorder) IncCounter(name string, delta float64, labels map[string]string) {
	r.mu.Lock()
	counter, ok := r.counters[name]
	if !ok {
		var err error
		counter, err = r.meter.Float64Counter(name)
		if err != nil {
			r.mu.Unlock()
			return
		}
		r.counters[name] = counter
	}
	r.mu.Unlock()
	counter.Add(context.Background(), delta, metric.WithAttributes(labelSet(labels)...))
}

func (r *Recorder) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	hist, ok := r.histograms[name]
	if !ok {
		var err error
		hist, err = r.meter.Float64Histogram(name)
		if err != nil {
			r.mu.Unlock()
			return
		}
		r.histograms[name] = hist
	}
	r.mu.Unlock()
	hist.Record(context.Background(), value, metric.WithAttributes(labelSet(labels)...))
}

func (r *Recorder) SetGauge(name string, value float64, labels map[string]string) {
	r.mu.Lock()
	gauge, ok := r.gauges[name]
	if !ok {
		var err error
		gauge, err = r.meter.Float64Gauge(name)
		if err != nil {
			r.mu.Unlock()
			return
		}
		r.gauges[name] = gauge
	}
	r.mu.Unlock()
	gauge.Record(context.Background(), value, metric.WithAttributes(labelSet(labels)...))
}
