// Package observability provides the first-party RED-metrics API
// (counters and histograms exposed in Prometheus text-exposition
// format) plus OpenTelemetry tracing hooks. It deliberately does not
// depend on prometheus/client_golang; tracing is hand-rolled atop
// go.opentelemetry.io/otel directly.
package observability

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Counter is a monotonically increasing named metric with a fixed label
// set, matching Prometheus counter semantics.
type Counter struct {
	name string
	help string

	mu     sync.Mutex
	values map[string]float64
	labels map[string][]labelPair
}

type labelPair struct {
	name  string
	value string
}

func newLabelKey(labels []labelPair) string {
	sorted := append([]labelPair(nil), labels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })
	var b strings.Builder
	for _, l := range sorted {
		b.WriteString(l.name)
		b.WriteByte('=')
		b.WriteString(l.value)
		b.WriteByte(';')
	}
	return b.String()
}

// NewCounter creates a Counter with the given metric name and help text.
func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help, values: make(map[string]float64), labels: make(map[string][]labelPair)}
}

// Inc adds delta to the counter for the given label set. labelValues
// must supply values in (name, value, name, value, ...) pairs.
func (c *Counter) Inc(delta float64, labelValues ...string) {
	pairs := pairsFrom(labelValues)
	key := newLabelKey(pairs)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] += delta
	c.labels[key] = pairs
}

func pairsFrom(labelValues []string) []labelPair {
	if len(labelValues)%2 != 0 {
		panic("observability: labelValues must be supplied in name/value pairs")
	}
	pairs := make([]labelPair, 0, len(labelValues)/2)
	for i := 0; i < len(labelValues); i += 2 {
		pairs = append(pairs, labelPair{name: labelValues[i], value: labelValues[i+1]})
	}
	return pairs
}

func (c *Counter) write(b *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(b, "# HELP %s %s\n", c.name, c.help)
	fmt.Fprintf(b, "# TYPE %s counter\n", c.name)

	keys := sortedKeys(c.values)
	for _, k := range keys {
		writeSample(b, c.name, c.labels[k], c.values[k])
	}
}

// Histogram is a fixed-bucket-boundary histogram matching Prometheus
// histogram semantics (cumulative `_bucket{le=...}` samples plus `_sum`
// and `_count`).
type Histogram struct {
	name    string
	help    string
	buckets []float64 // ascending, does not include +Inf

	mu     sync.Mutex
	counts map[string][]uint64 // per label-key, parallel to buckets + 1 (+Inf)
	sums   map[string]float64
	totals map[string]uint64
	labels map[string][]labelPair
}

// DefaultLatencyBuckets are the default bucket boundaries for
// request-duration histograms (seconds).
var DefaultLatencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// NewHistogram creates a Histogram with the given bucket boundaries
// (ascending, excluding +Inf, which is implicit).
func NewHistogram(name, help string, buckets []float64) *Histogram {
	return &Histogram{
		name:    name,
		help:    help,
		buckets: buckets,
		counts:  make(map[string][]uint64),
		sums:    make(map[string]float64),
		totals:  make(map[string]uint64),
		labels:  make(map[string][]labelPair),
	}
}

// Observe records value for the given label set.
func (h *Histogram) Observe(value float64, labelValues ...string) {
	pairs := pairsFrom(labelValues)
	key := newLabelKey(pairs)

	h.mu.Lock()
	defer h.mu.Unlock()

	counts, ok := h.counts[key]
	if !ok {
		counts = make([]uint64, len(h.buckets)+1)
		h.counts[key] = counts
		h.labels[key] = pairs
	}
	for i, bound := range h.buckets {
		if value <= bound {
			counts[i]++
		}
	}
	counts[len(h.buckets)]++ // +Inf bucket always incremented
	h.sums[key] += value
	h.totals[key]++
}

func (h *Histogram) write(b *strings.Builder) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(b, "# HELP %s %s\n", h.name, h.help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", h.name)

	keys := sortedKeysUint(h.totals)
	for _, k := range keys {
		counts := h.counts[k]
		base := h.labels[k]
		for i, bound := range h.buckets {
			le := append(append([]labelPair{}, base...), labelPair{name: "le", value: formatFloat(bound)})
			writeSample(b, h.name+"_bucket", le, float64(counts[i]))
		}
		le := append(append([]labelPair{}, base...), labelPair{name: "le", value: "+Inf"})
		writeSample(b, h.name+"_bucket", le, float64(counts[len(h.buckets)]))
		writeSample(b, h.name+"_sum", base, h.sums[k])
		writeSample(b, h.name+"_count", base, float64(h.totals[k]))
	}
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysUint(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// escapeLabelValue applies the Prometheus text-exposition escaping
// rules: backslash first, then double quote, then newline. Order
// matters — escaping the quote before the backslash would double-escape
// the backslash that the quote-escaping step just introduced.
func escapeLabelValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	return v
}

func writeSample(b *strings.Builder, name string, labels []labelPair, value float64) {
	b.WriteString(name)
	if len(labels) > 0 {
		b.WriteByte('{')
		for i, l := range labels {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(l.name)
			b.WriteString(`="`)
			b.WriteString(escapeLabelValue(l.value))
			b.WriteByte('"')
		}
		b.WriteByte('}')
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatFloat(value, 'g', -1, 64))
	b.WriteByte('\n')
}

// Registry collects named counters and histograms for export at
// GET /asap/metrics.
type Registry struct {
	mu         sync.Mutex
	counters   []*Counter
	histograms []*Histogram
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Counter registers and returns a new Counter.
func (r *Registry) Counter(name, help string) *Counter {
	c := NewCounter(name, help)
	r.mu.Lock()
	r.counters = append(r.counters, c)
	r.mu.Unlock()
	return c
}

// Histogram registers and returns a new Histogram.
func (r *Registry) Histogram(name, help string, buckets []float64) *Histogram {
	h := NewHistogram(name, help, buckets)
	r.mu.Lock()
	r.histograms = append(r.histograms, h)
	r.mu.Unlock()
	return h
}

// Export implements server.MetricsExporter.
func (r *Registry) Export() string { return r.Gather() }

// Gather renders every registered metric in Prometheus text-exposition
// format.
func (r *Registry) Gather() string {
	r.mu.Lock()
	counters := append([]*Counter(nil), r.counters...)
	histograms := append([]*Histogram(nil), r.histograms...)
	r.mu.Unlock()

	var b strings.Builder
	for _, c := range counters {
		c.write(&b)
	}
	for _, h := range histograms {
		h.write(&b)
	}
	return b.String()
}
