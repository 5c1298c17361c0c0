package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PromSink is a Sink backed by a prometheus.Registerer. Collectors are
// created lazily on first use of each metric name and cached; tag keys are
// fixed by the first observation for a given name.
type PromSink struct {
	reg       prometheus.Registerer
	namespace string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPromSink builds a PromSink registering collectors on reg. A nil reg
// uses the default registerer.
func NewPromSink(namespace string, reg prometheus.Registerer) *PromSink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PromSink{
		reg:        reg,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (p *PromSink) IncCounter(name string, tags map[string]string) {
	keys, vals := splitTags(tags)
	p.mu.Lock()
	cv, ok := p.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      name,
		}, keys)
		p.reg.MustRegister(cv)
		p.counters[name] = cv
	}
	p.mu.Unlock()
	cv.WithLabelValues(vals...).Inc()
}

func (p *PromSink) AddGauge(name string, delta float64, tags map[string]string) {
	keys, vals := splitTags(tags)
	p.mu.Lock()
	gv, ok := p.gauges[name]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      name,
		}, keys)
		p.reg.MustRegister(gv)
		p.gauges[name] = gv
	}
	p.mu.Unlock()
	gv.WithLabelValues(vals...).Add(delta)
}

func (p *PromSink) ObserveHistogram(name string, value float64, tags map[string]string) {
	keys, vals := splitTags(tags)
	p.mu.Lock()
	hv, ok := p.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Name:      name,
			Buckets:   prometheus.DefBuckets,
		}, keys)
		p.reg.MustRegister(hv)
		p.histograms[name] = hv
	}
	p.mu.Unlock()
	hv.WithLabelValues(vals...).Observe(value)
}

// splitTags returns tag keys in sorted order with matching values, so label
// sets are stable across calls.
func splitTags(tags map[string]string) ([]string, []string) {
	if len(tags) == 0 {
		return nil, nil
	}
	orig := make([]string, 0, len(tags))
	for k := range tags {
		orig = append(orig, k)
	}
	sort.Strings(orig)
	keys := make([]string, len(orig))
	vals := make([]string, len(orig))
	for i, k := range orig {
		keys[i] = sanitize(k)
		vals[i] = tags[k]
	}
	return keys, vals
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

var _ Sink = (*PromSink)(nil)
