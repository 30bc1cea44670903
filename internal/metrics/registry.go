// Package metrics implements the counters, gauges, and histograms
// from the metrics module and a minimal Prometheus text-exposition
// writer. No third-party metrics client appears anywhere in the
// example pack (grep across every go.mod turns up no
// prometheus/client_golang, statsd, or otherwise), so this is one of
// the few genuinely stdlib-only pieces of the repo — see DESIGN.md.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

type counterKey struct {
	name   string
	labels string
}

// Registry holds every counter, gauge, and histogram the process
// exposes at /metrics. All methods are safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	counters   map[counterKey]float64
	gauges     map[counterKey]float64
	histograms map[counterKey]*histogram
	help       map[string]string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

var defaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		counters:   make(map[counterKey]float64),
		gauges:     make(map[counterKey]float64),
		histograms: make(map[counterKey]*histogram),
		help:       make(map[string]string),
	}
}

func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s=%q", k, labels[k])
	}
	return "{" + out + "}"
}

// IncCounter adds delta to the named counter with the given labels,
// creating it at zero on first use.
func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := counterKey{name, labelString(labels)}
	r.counters[k] += delta
}

// SetGauge sets the named gauge's current value.
func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := counterKey{name, labelString(labels)}
	r.gauges[k] = value
}

// AddGauge adds delta to the named gauge's current value.
func (r *Registry) AddGauge(name string, labels map[string]string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := counterKey{name, labelString(labels)}
	r.gauges[k] += delta
}

// ObserveHistogram records one observation for the named histogram.
func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := counterKey{name, labelString(labels)}
	h, ok := r.histograms[k]
	if !ok {
		h = &histogram{buckets: defaultBuckets, counts: make([]uint64, len(defaultBuckets))}
		r.histograms[k] = h
	}
	for i, b := range h.buckets {
		if value <= b {
			h.counts[i]++
			break
		}
	}
	h.sum += value
	h.count++
}

// WriteText renders every metric in Prometheus text exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make(map[string]bool)
	for k := range r.counters {
		names[k.name] = true
	}
	sortedNames := func(m map[string]bool) []string {
		out := make([]string, 0, len(m))
		for n := range m {
			out = append(out, n)
		}
		sort.Strings(out)
		return out
	}
	for _, name := range sortedNames(names) {
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		for k, v := range r.counters {
			if k.name != name {
				continue
			}
			fmt.Fprintf(w, "%s%s %v\n", k.name, k.labels, v)
		}
	}

	gaugeNames := make(map[string]bool)
	for k := range r.gauges {
		gaugeNames[k.name] = true
	}
	for _, name := range sortedNames(gaugeNames) {
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		for k, v := range r.gauges {
			if k.name != name {
				continue
			}
			fmt.Fprintf(w, "%s%s %v\n", k.name, k.labels, v)
		}
	}

	histNames := make(map[string]bool)
	for k := range r.histograms {
		histNames[k.name] = true
	}
	for _, name := range sortedNames(histNames) {
		fmt.Fprintf(w, "# TYPE %s histogram\n", name)
		for k, h := range r.histograms {
			if k.name != name {
				continue
			}
			cumulative := uint64(0)
			for i, b := range h.buckets {
				cumulative += h.counts[i]
				fmt.Fprintf(w, "%s_bucket{le=%q%s} %d\n", k.name, fmt.Sprintf("%v", b), innerLabels(k.labels), cumulative)
			}
			fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"%s} %d\n", k.name, innerLabels(k.labels), h.count)
			fmt.Fprintf(w, "%s_sum%s %v\n", k.name, k.labels, h.sum)
			fmt.Fprintf(w, "%s_count%s %d\n", k.name, k.labels, h.count)
		}
	}
	return nil
}

// innerLabels turns "{a=\"b\"}" into ",a=\"b\"" so it can be appended
// after a bucket line's own le="..." label inside the same braces.
func innerLabels(labels string) string {
	if labels == "" {
		return ""
	}
	return "," + labels[1:len(labels)-1]
}
