package metrics

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-mcp/types"
	"github.com/saiset-co/sai-mcp/utils"
)

// MemoryMetrics is a dependency-free backend for tests and embedded use.
// Instruments are keyed by name plus the sorted label set.
type MemoryMetrics struct {
	ctx        context.Context
	logger     types.Logger
	prefix     string
	counters   map[string]*memoryCounter
	gauges     map[string]*memoryGauge
	histograms map[string]*memoryHistogram
	summaries  map[string]*memorySummary
	mu         sync.RWMutex
	running    int32
	lastUpdate atomic.Int64
}

func NewMemoryMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (types.MetricsManager, error) {
	prefix := config.Prefix
	if prefix == "" {
		prefix = "sai_mcp"
	}

	return &MemoryMetrics{
		ctx:        ctx,
		logger:     logger,
		prefix:     prefix,
		counters:   make(map[string]*memoryCounter),
		gauges:     make(map[string]*memoryGauge),
		histograms: make(map[string]*memoryHistogram),
		summaries:  make(map[string]*memorySummary),
	}, nil
}

func (m *MemoryMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	key := instrumentKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if counter, exists := m.counters[key]; exists {
		return counter
	}

	counter := &memoryCounter{owner: m, name: name, labels: copyLabels(labels)}
	m.counters[key] = counter
	return counter
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	key := instrumentKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gauge, exists := m.gauges[key]; exists {
		return gauge
	}

	gauge := &memoryGauge{owner: m, name: name, labels: copyLabels(labels)}
	m.gauges[key] = gauge
	return gauge
}

func (m *MemoryMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	key := instrumentKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if histogram, exists := m.histograms[key]; exists {
		return histogram
	}

	bounds := make([]float64, len(buckets))
	copy(bounds, buckets)
	sort.Float64s(bounds)

	histogram := &memoryHistogram{
		owner:   m,
		name:    name,
		labels:  copyLabels(labels),
		bounds:  bounds,
		buckets: make([]uint64, len(bounds)),
	}
	m.histograms[key] = histogram
	return histogram
}

func (m *MemoryMetrics) Summary(name string, objectives map[float64]float64, labels map[string]string) types.Summary {
	key := instrumentKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if summary, exists := m.summaries[key]; exists {
		return summary
	}

	summary := &memorySummary{owner: m, name: name, labels: copyLabels(labels)}
	m.summaries[key] = summary
	return summary
}

// Handler renders the plain text exposition format, enough for scraping
// and curl-level debugging.
func (m *MemoryMetrics) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("text/plain; charset=utf-8")
		ctx.SetBody(m.render())
	}
}

func (m *MemoryMetrics) GetMetrics() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	metrics := make([]types.MetricValue, 0, len(m.counters)+len(m.gauges))

	for _, counter := range m.counters {
		metrics = append(metrics, types.MetricValue{
			Name:      m.prefix + "_" + counter.name,
			Type:      "COUNTER",
			Value:     counter.Get(),
			Labels:    counter.labels,
			Timestamp: now,
		})
	}
	for _, gauge := range m.gauges {
		metrics = append(metrics, types.MetricValue{
			Name:      m.prefix + "_" + gauge.name,
			Type:      "GAUGE",
			Value:     gauge.Get(),
			Labels:    gauge.labels,
			Timestamp: now,
		})
	}
	for _, histogram := range m.histograms {
		metrics = append(metrics, types.MetricValue{
			Name:      m.prefix + "_" + histogram.name,
			Type:      "HISTOGRAM",
			Value:     histogram.GetSum(),
			Labels:    histogram.labels,
			Timestamp: now,
		})
	}
	for _, summary := range m.summaries {
		metrics = append(metrics, types.MetricValue{
			Name:      m.prefix + "_" + summary.name,
			Type:      "SUMMARY",
			Value:     summary.GetSum(),
			Labels:    summary.labels,
			Timestamp: now,
		})
	}

	return utils.Marshal(metrics)
}

func (m *MemoryMetrics) GetStats() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := types.MetricsStats{
		TotalMetrics:     len(m.counters) + len(m.gauges) + len(m.histograms) + len(m.summaries),
		CounterMetrics:   len(m.counters),
		GaugeMetrics:     len(m.gauges),
		HistogramMetrics: len(m.histograms),
		SummaryMetrics:   len(m.summaries),
		LastUpdate:       time.Unix(0, m.lastUpdate.Load()),
	}

	return utils.Marshal(stats)
}

func (m *MemoryMetrics) render() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var buf bytes.Buffer

	for _, counter := range m.counters {
		fmt.Fprintf(&buf, "%s_%s%s %g\n", m.prefix, counter.name, renderLabels(counter.labels), counter.Get())
	}
	for _, gauge := range m.gauges {
		fmt.Fprintf(&buf, "%s_%s%s %g\n", m.prefix, gauge.name, renderLabels(gauge.labels), gauge.Get())
	}
	for _, histogram := range m.histograms {
		fmt.Fprintf(&buf, "%s_%s_count%s %d\n", m.prefix, histogram.name, renderLabels(histogram.labels), histogram.GetCount())
		fmt.Fprintf(&buf, "%s_%s_sum%s %g\n", m.prefix, histogram.name, renderLabels(histogram.labels), histogram.GetSum())
	}
	for _, summary := range m.summaries {
		fmt.Fprintf(&buf, "%s_%s_count%s %d\n", m.prefix, summary.name, renderLabels(summary.labels), summary.GetCount())
		fmt.Fprintf(&buf, "%s_%s_sum%s %g\n", m.prefix, summary.name, renderLabels(summary.labels), summary.GetSum())
	}

	return buf.Bytes()
}

func (m *MemoryMetrics) touch() {
	m.lastUpdate.Store(time.Now().UnixNano())
}

func instrumentKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteString(name)
	for _, key := range keys {
		buf.WriteByte('|')
		buf.WriteString(key)
		buf.WriteByte('=')
		buf.WriteString(labels[key])
	}
	return buf.String()
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	copied := make(map[string]string, len(labels))
	for key, value := range labels {
		copied[key] = value
	}
	return copied
}

func renderLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for key := range labels {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, "%s=%q", key, labels[key])
	}
	buf.WriteByte('}')
	return buf.String()
}

type memoryCounter struct {
	owner  *MemoryMetrics
	name   string
	labels map[string]string
	bits   atomic.Uint64
}

func (c *memoryCounter) Inc() {
	c.Add(1)
}

func (c *memoryCounter) Add(value float64) {
	if value < 0 {
		return
	}
	for {
		old := c.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + value)
		if c.bits.CompareAndSwap(old, next) {
			c.owner.touch()
			return
		}
	}
}

func (c *memoryCounter) Get() float64 {
	return math.Float64frombits(c.bits.Load())
}

type memoryGauge struct {
	owner  *MemoryMetrics
	name   string
	labels map[string]string
	bits   atomic.Uint64
}

func (g *memoryGauge) Set(value float64) {
	g.bits.Store(math.Float64bits(value))
	g.owner.touch()
}

func (g *memoryGauge) Inc() { g.Add(1) }
func (g *memoryGauge) Dec() { g.Add(-1) }

func (g *memoryGauge) Add(value float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + value)
		if g.bits.CompareAndSwap(old, next) {
			g.owner.touch()
			return
		}
	}
}

func (g *memoryGauge) Sub(value float64) { g.Add(-value) }

func (g *memoryGauge) Get() float64 {
	return math.Float64frombits(g.bits.Load())
}

type memoryHistogram struct {
	owner   *MemoryMetrics
	name    string
	labels  map[string]string
	bounds  []float64
	mu      sync.Mutex
	buckets []uint64
	count   uint64
	sum     float64
}

func (h *memoryHistogram) Observe(value float64) {
	h.mu.Lock()
	for i, bound := range h.bounds {
		if value <= bound {
			h.buckets[i]++
		}
	}
	h.count++
	h.sum += value
	h.mu.Unlock()
	h.owner.touch()
}

func (h *memoryHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *memoryHistogram) GetCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *memoryHistogram) GetSum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

type memorySummary struct {
	owner  *MemoryMetrics
	name   string
	labels map[string]string
	mu     sync.Mutex
	count  uint64
	sum    float64
}

func (s *memorySummary) Observe(value float64) {
	s.mu.Lock()
	s.count++
	s.sum += value
	s.mu.Unlock()
	s.owner.touch()
}

func (s *memorySummary) ObserveDuration(start time.Time) {
	s.Observe(time.Since(start).Seconds())
}

func (s *memorySummary) GetCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *memorySummary) GetSum() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
