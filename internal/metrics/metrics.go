// Package metrics exposes scan activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jamesruggles/aegis/internal/model"
	"github.com/jamesruggles/aegis/internal/scanner"
)

const namespace = "aegis"

var _ scanner.Observer = (*Collector)(nil)

// Collector records scan lifecycle events into its own registry.
type Collector struct {
	scanner.NopObserver

	registry *prometheus.Registry

	scansTotal    *prometheus.CounterVec
	scansActive   prometheus.Gauge
	scanDuration  prometheus.Histogram
	toolRunsTotal *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	toolsActive   *prometheus.GaugeVec
	findingsTotal *prometheus.CounterVec

	// Rejected scans and unscheduled tools finish without starting; only
	// runs recorded here move the gauges.
	mu      sync.Mutex
	running map[string]bool
}

func runKey(scanID string, tool model.ToolName) string {
	return scanID + "/" + string(tool)
}

func (c *Collector) begin(key string) {
	c.mu.Lock()
	c.running[key] = true
	c.mu.Unlock()
}

func (c *Collector) end(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.running[key]
	delete(c.running, key)
	return ok
}

// New creates a collector backed by a fresh registry. Go runtime and
// process collectors are included.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		running:  make(map[string]bool),
		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scans_total",
				Help:      "Scans finished, by terminal status.",
			},
			[]string{"status"},
		),
		scansActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scans_active",
			Help:      "Scans currently running.",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall-clock duration of finished scans.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		toolRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_runs_total",
				Help:      "Tool runs finished, by tool and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_duration_seconds",
				Help:      "Duration of tool runs.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"tool"},
		),
		toolsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tools_active",
				Help:      "Tool runs in progress.",
			},
			[]string{"tool"},
		),
		findingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_total",
				Help:      "Findings reported, by tool and severity.",
			},
			[]string{"tool", "severity"},
		),
	}

	c.registry.MustRegister(
		c.scansTotal,
		c.scansActive,
		c.scanDuration,
		c.toolRunsTotal,
		c.toolDuration,
		c.toolsActive,
		c.findingsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *Collector) ScanStarted(report *model.ScanReport) {
	c.begin(report.ID)
	c.scansActive.Inc()
}

func (c *Collector) ToolStarted(scanID string, tool model.ToolName) {
	c.begin(runKey(scanID, tool))
	c.toolsActive.WithLabelValues(string(tool)).Inc()
}

func (c *Collector) ToolFinished(scanID string, result model.ToolResult) {
	tool := string(result.Tool)
	if c.end(runKey(scanID, result.Tool)) {
		c.toolsActive.WithLabelValues(tool).Dec()
	}
	c.toolRunsTotal.WithLabelValues(tool, Outcome(result)).Inc()
	c.toolDuration.WithLabelValues(tool).Observe((time.Duration(result.DurationMS) * time.Millisecond).Seconds())
	for _, f := range result.Findings {
		c.findingsTotal.WithLabelValues(tool, string(f.Severity)).Inc()
	}
}

func (c *Collector) ScanFinished(report *model.ScanReport) {
	if c.end(report.ID) {
		c.scansActive.Dec()
	}
	c.scansTotal.WithLabelValues(string(report.Status)).Inc()
	c.scanDuration.Observe(report.Duration().Seconds())
}

// Outcome labels a tool result.
func Outcome(r model.ToolResult) string {
	switch {
	case r.Success:
		return "success"
	case r.TimedOut:
		return "timeout"
	case r.Error == model.ErrMsgUnavailable:
		return "unavailable"
	case r.Error == model.ErrMsgCancelled:
		return "cancelled"
	default:
		return "failure"
	}
}
