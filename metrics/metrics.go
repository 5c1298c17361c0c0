// Package metrics defines the instrumentation sink the transport core emits
// through, plus a Prometheus-backed implementation. Components accept a Sink
// so deployments without metrics pay nothing.
package metrics

// Sink receives instrumentation events. Implementations must be safe for
// concurrent use. A nil Sink is never passed to implementations; callers
// check for nil before emitting.
type Sink interface {
	IncCounter(name string, tags map[string]string)
	AddGauge(name string, delta float64, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// Nop is a Sink that discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string)                {}
func (Nop) AddGauge(string, float64, map[string]string)         {}
func (Nop) ObserveHistogram(string, float64, map[string]string) {}

var _ Sink = Nop{}
