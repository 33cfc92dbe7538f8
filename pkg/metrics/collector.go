// Package metrics implements the observability primitives of spec §4.7:
// counters, gauges and histograms keyed by (name, tag-map), with bounded
// reservoir sampling for histograms. Counters and gauges are backed by
// armon/go-metrics' in-memory sink; histograms layer a bounded reservoir
// sampler on top since go-metrics itself has no bounded-memory histogram.
package metrics

import (
	"math"
	mrand "math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	gometrics "github.com/armon/go-metrics"
)

// DefaultReservoirSize is the default bounded sample count for histograms.
const DefaultReservoirSize = 1000

// Tags is a tag-map; its hash key is its sorted-key representation so
// distinct insertion orders collapse to the same series.
type Tags map[string]string

func (t Tags) key(name string) string {
	if len(t) == 0 {
		return name
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(t[k])
	}
	return b.String()
}

func (t Tags) labels() []gometrics.Label {
	if len(t) == 0 {
		return nil
	}
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	labels := make([]gometrics.Label, 0, len(keys))
	for _, k := range keys {
		labels = append(labels, gometrics.Label{Name: k, Value: t[k]})
	}
	return labels
}

// HistogramSnapshot is the read-only view exposed by Collector.Flush.
type HistogramSnapshot struct {
	Count int64
	Sum   float64
	Mean  float64
	Min   float64
	Max   float64
	P50   float64
	P95   float64
	P99   float64
}

type histogram struct {
	mu         sync.Mutex
	reservoir  []float64
	size       int
	count      int64
	sum        float64
	min        float64
	max        float64
	seen       int64 // total observations seen, for reservoir replacement probability
}

func newHistogram(size int) *histogram {
	if size <= 0 {
		size = DefaultReservoirSize
	}
	return &histogram{size: size, min: math.Inf(1), max: math.Inf(-1)}
}

// record implements classic reservoir sampling (Algorithm R): the first
// `size` observations are kept outright; subsequent ones replace a random
// existing slot with probability size/seen, bounding memory regardless of
// total observation count.
func (h *histogram) record(v float64, rnd func(n int64) int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.count++
	h.sum += v
	if v < h.min {
		h.min = v
	}
	if v > h.max {
		h.max = v
	}
	h.seen++

	if int64(len(h.reservoir)) < int64(h.size) {
		h.reservoir = append(h.reservoir, v)
		return
	}
	j := rnd(h.seen)
	if j < int64(h.size) {
		h.reservoir[j] = v
	}
}

func (h *histogram) snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return HistogramSnapshot{}
	}

	sorted := append([]float64(nil), h.reservoir...)
	sort.Float64s(sorted)

	pct := func(p float64) float64 {
		if len(sorted) == 0 {
			return 0
		}
		idx := int(p * float64(len(sorted)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}

	return HistogramSnapshot{
		Count: h.count,
		Sum:   h.sum,
		Mean:  h.sum / float64(h.count),
		Min:   h.min,
		Max:   h.max,
		P50:   pct(0.50),
		P95:   pct(0.95),
		P99:   pct(0.99),
	}
}

// Collector implements incrementCounter/recordGauge/recordHistogram/flush
// (spec §4.7), safe for concurrent use from many goroutines.
type Collector struct {
	sink      *gometrics.InmemSink
	met       *gometrics.Metrics
	histMu    sync.Mutex
	hists     map[string]*histogram
	reservoir int
	rnd       func(n int64) int64
}

// Option configures a Collector.
type Option func(*Collector)

// WithReservoirSize overrides DefaultReservoirSize for all histograms
// created by this collector.
func WithReservoirSize(n int) Option {
	return func(c *Collector) { c.reservoir = n }
}

// NewCollector builds a Collector backed by an armon/go-metrics in-memory
// sink retaining one interval of data (we only ever read the current
// interval via Flush, so retaining history is unnecessary).
func NewCollector(opts ...Option) *Collector {
	sink := gometrics.NewInmemSink(10*time.Second, 10*time.Second)
	conf := gometrics.DefaultConfig("actormesh")
	conf.EnableHostname = false
	conf.EnableRuntimeMetrics = false
	met, _ := gometrics.New(conf, sink)

	c := &Collector{
		sink:      sink,
		met:       met,
		hists:     make(map[string]*histogram),
		reservoir: DefaultReservoirSize,
		rnd:       defaultRand,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// IncrementCounter increments a monotonic counter by delta (delta must be
// non-negative per spec §4.7).
func (c *Collector) IncrementCounter(name string, delta float64, tags Tags) {
	if delta < 0 {
		delta = 0
	}
	c.met.IncrCounterWithLabels([]string{name}, float32(delta), tags.labels())
}

// RecordGauge sets a gauge's current value.
func (c *Collector) RecordGauge(name string, value float64, tags Tags) {
	c.met.SetGaugeWithLabels([]string{name}, float32(value), tags.labels())
}

// RecordHistogram records one observation into the named/tagged histogram.
func (c *Collector) RecordHistogram(name string, value float64, tags Tags) {
	key := tags.key(name)

	c.histMu.Lock()
	h, ok := c.hists[key]
	if !ok {
		h = newHistogram(c.reservoir)
		c.hists[key] = h
	}
	c.histMu.Unlock()

	h.record(value, c.rnd)
}

// Flush returns a point-in-time snapshot of every histogram recorded so
// far, keyed by the same (name, sorted-tags) string used internally.
// Counters/gauges are available via the underlying go-metrics sink's own
// data export (armon/go-metrics.InmemSink.Data) for consumers that need
// them; Flush here focuses on histograms since those are this package's
// original contribution over the wrapped library.
func (c *Collector) Flush() map[string]HistogramSnapshot {
	c.histMu.Lock()
	defer c.histMu.Unlock()

	out := make(map[string]HistogramSnapshot, len(c.hists))
	for k, h := range c.hists {
		out[k] = h.snapshot()
	}
	return out
}

// Sink exposes the underlying go-metrics sink for consumers (e.g. the
// HTTP /metrics dump) that want raw counter/gauge data too.
func (c *Collector) Sink() *gometrics.InmemSink { return c.sink }

func defaultRand(n int64) int64 {
	if n <= 0 {
		return 0
	}
	// math/rand/v2's package-level generator is safe for concurrent use,
	// unlike a hand-rolled PRNG with shared mutable state.
	return mrand.Int64N(n)
}
