package metrics

import (
	"fmt"
	"math"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Exporter serves the contents of a Registry in Prometheus text exposition
// format. It implements http.Handler so it can be mounted directly on the
// operational HTTP mux.

// ExporterConfig configures the exporter.
type ExporterConfig struct {
	// Namespace is an optional prefix prepended to all metric names
	// (e.g. "tempo" produces "tempo_session_live").
	Namespace string
	// EnableRuntime controls whether Go runtime metrics (goroutines,
	// memory, GC) are included in the output.
	EnableRuntime bool
}

// DefaultExporterConfig returns a config with sensible defaults.
func DefaultExporterConfig() ExporterConfig {
	return ExporterConfig{
		Namespace:     "tempo",
		EnableRuntime: true,
	}
}

// Exporter formats and serves metrics over HTTP.
type Exporter struct {
	config   ExporterConfig
	registry *Registry
}

// NewExporter creates an exporter that reads from the given registry.
func NewExporter(registry *Registry, config ExporterConfig) *Exporter {
	return &Exporter{config: config, registry: registry}
}

// ServeHTTP renders the Prometheus exposition format response.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	var b strings.Builder
	e.writeRegistryMetrics(&b)
	if e.config.EnableRuntime {
		e.writeRuntimeMetrics(&b)
	}
	w.Write([]byte(b.String()))
}

// writeRegistryMetrics formats all metrics from the registry. Names are
// sorted so output is deterministic.
func (e *Exporter) writeRegistryMetrics(b *strings.Builder) {
	e.registry.mu.RLock()
	defer e.registry.mu.RUnlock()

	for _, name := range sortedKeys(e.registry.counters) {
		c := e.registry.counters[name]
		promName := e.promName(name)
		writeHeader(b, promName, "counter", name)
		fmt.Fprintf(b, "%s %d\n", promName, c.Value())
	}

	for _, name := range sortedKeys(e.registry.gauges) {
		g := e.registry.gauges[name]
		promName := e.promName(name)
		writeHeader(b, promName, "gauge", name)
		fmt.Fprintf(b, "%s %d\n", promName, g.Value())
	}

	// Histograms are exposed as summaries: _count, _sum and the observed
	// extremes.
	for _, name := range sortedKeys(e.registry.histograms) {
		h := e.registry.histograms[name]
		promName := e.promName(name)
		writeHeader(b, promName, "summary", name)
		fmt.Fprintf(b, "%s_count %d\n", promName, h.Count())
		fmt.Fprintf(b, "%s_sum %s\n", promName, formatFloat(h.Sum()))
		if h.Count() > 0 {
			fmt.Fprintf(b, "%s_min %s\n", promName, formatFloat(h.Min()))
			fmt.Fprintf(b, "%s_max %s\n", promName, formatFloat(h.Max()))
			fmt.Fprintf(b, "%s_mean %s\n", promName, formatFloat(h.Mean()))
		}
	}
}

// writeRuntimeMetrics emits Go runtime metrics: goroutines, memory, GC.
func (e *Exporter) writeRuntimeMetrics(b *strings.Builder) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	prefix := e.config.Namespace
	if prefix != "" {
		prefix += "_"
	}

	writeUint(b, prefix+"go_goroutines", "gauge",
		"Number of active goroutines", uint64(runtime.NumGoroutine()))
	writeUint(b, prefix+"go_memstats_alloc_bytes", "gauge",
		"Bytes of allocated heap objects", m.Alloc)
	writeUint(b, prefix+"go_memstats_sys_bytes", "gauge",
		"Bytes of memory obtained from the OS", m.Sys)
	writeUint(b, prefix+"go_memstats_heap_objects", "gauge",
		"Number of allocated heap objects", m.HeapObjects)
	writeUint(b, prefix+"go_gc_cycles_total", "counter",
		"Total number of GC cycles", uint64(m.NumGC))

	startName := prefix + "process_start_time_seconds"
	writeHeader(b, startName, "gauge", "Process start time in seconds since epoch")
	fmt.Fprintf(b, "%s %d\n", startName, processStartTime.Unix())
}

// promName converts a dot-separated metric name to Prometheus format: dots
// become underscores, and the namespace prefix is prepended.
func (e *Exporter) promName(name string) string {
	sanitized := strings.ReplaceAll(name, ".", "_")
	sanitized = strings.ReplaceAll(sanitized, "-", "_")
	if e.config.Namespace != "" {
		return e.config.Namespace + "_" + sanitized
	}
	return sanitized
}

// formatFloat formats a float64 for Prometheus output, handling special values.
func formatFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	if math.IsInf(v, -1) {
		return "-Inf"
	}
	if math.IsNaN(v) {
		return "NaN"
	}
	return fmt.Sprintf("%g", v)
}

// writeHeader writes the HELP and TYPE lines for a metric.
func writeHeader(b *strings.Builder, name, metricType, description string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, description)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, metricType)
}

// writeUint writes a complete metric with an integer value.
func writeUint(b *strings.Builder, name, metricType, help string, value uint64) {
	writeHeader(b, name, metricType, help)
	fmt.Fprintf(b, "%s %d\n", name, value)
}

// sortedKeys returns a sorted list of keys from a map of any metric type.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// processStartTime is recorded at init for process_start_time_seconds.
var processStartTime = time.Now()
