// Package metrics tracks live dispatch counters and serves the admin API:
// Prometheus exposition, health views, routing tables, and exchange history.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/allaspectsdev/switchyard/internal/fault"
)

// latencyBuckets covers interactive chat latencies through long streamed
// completions, in seconds.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// stageBuckets covers in-process stage work, in seconds.
var stageBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}

// Collector tracks live metrics with atomic counters and labeled vecs. It is
// safe for concurrent use by every request goroutine.
type Collector struct {
	totalRequests    int64
	streamedRequests int64
	retries          int64
	failovers        int64
	blacklists       int64
	promptTokens     int64
	completionTokens int64
	activeRequests   int64

	faults           *counterVec   // kind, pipeline
	exchangeRequests *counterVec   // pipeline, outcome
	latency          *histogramVec // pipeline, streamed
	stageTime        *histogramVec // stage, direction

	startTime time.Time
}

// Stats is a point-in-time snapshot of the scalar counters.
type Stats struct {
	Uptime           string `json:"uptime"`
	TotalRequests    int64  `json:"total_requests"`
	StreamedRequests int64  `json:"streamed_requests"`
	Retries          int64  `json:"retries"`
	Failovers        int64  `json:"failovers"`
	Blacklists       int64  `json:"blacklists"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	ActiveRequests   int64  `json:"active_requests"`
}

// NewCollector creates a Collector with all counters at zero.
func NewCollector() *Collector {
	return &Collector{
		faults:           newCounterVec(),
		exchangeRequests: newCounterVec(),
		latency:          newHistogramVec(latencyBuckets),
		stageTime:        newHistogramVec(stageBuckets),
		startTime:        time.Now(),
	}
}

// RecordExchange notes one completed exchange: outcome counters, latency,
// and token usage.
func (c *Collector) RecordExchange(pipelineID string, streamed bool, elapsed time.Duration, promptTokens, completionTokens int) {
	atomic.AddInt64(&c.totalRequests, 1)
	if streamed {
		atomic.AddInt64(&c.streamedRequests, 1)
	}
	atomic.AddInt64(&c.promptTokens, int64(promptTokens))
	atomic.AddInt64(&c.completionTokens, int64(completionTokens))

	c.exchangeRequests.Inc(map[string]string{"pipeline": pipelineID, "outcome": "success"})
	c.latency.Observe(map[string]string{
		"pipeline": pipelineID,
		"streamed": boolLabel(streamed),
	}, elapsed.Seconds())
}

// RecordFault notes one terminally failed exchange.
func (c *Collector) RecordFault(pipelineID string, kind fault.Kind, elapsed time.Duration) {
	atomic.AddInt64(&c.totalRequests, 1)
	c.exchangeRequests.Inc(map[string]string{"pipeline": pipelineID, "outcome": "error"})
	c.faults.Inc(map[string]string{"kind": string(kind), "pipeline": pipelineID})
	c.latency.Observe(map[string]string{
		"pipeline": pipelineID,
		"streamed": "false",
	}, elapsed.Seconds())
}

// RecordRetry, RecordFailover, and RecordBlacklist hook the dispatch loop's
// lifecycle events.
func (c *Collector) RecordRetry(pipelineID string, kind fault.Kind) {
	atomic.AddInt64(&c.retries, 1)
	c.faults.Inc(map[string]string{"kind": string(kind), "pipeline": pipelineID})
}

func (c *Collector) RecordFailover(from, to string) {
	atomic.AddInt64(&c.failovers, 1)
}

func (c *Collector) RecordBlacklist(pipelineID string) {
	atomic.AddInt64(&c.blacklists, 1)
}

// IncrementActive marks a request entering dispatch.
func (c *Collector) IncrementActive() {
	atomic.AddInt64(&c.activeRequests, 1)
}

// DecrementActive marks a request leaving dispatch.
func (c *Collector) DecrementActive() {
	atomic.AddInt64(&c.activeRequests, -1)
}

// StageDone implements pipeline.Sink: per-stage durations feed the stage
// histogram.
func (c *Collector) StageDone(requestID, pipelineID, stage, direction string, elapsed time.Duration, err error) {
	c.stageTime.Observe(map[string]string{
		"stage":     stage,
		"direction": direction,
	}, elapsed.Seconds())
}

// Stats returns a snapshot of the scalar counters.
func (c *Collector) Stats() *Stats {
	return &Stats{
		Uptime:           time.Since(c.startTime).Round(time.Second).String(),
		TotalRequests:    atomic.LoadInt64(&c.totalRequests),
		StreamedRequests: atomic.LoadInt64(&c.streamedRequests),
		Retries:          atomic.LoadInt64(&c.retries),
		Failovers:        atomic.LoadInt64(&c.failovers),
		Blacklists:       atomic.LoadInt64(&c.blacklists),
		PromptTokens:     atomic.LoadInt64(&c.promptTokens),
		CompletionTokens: atomic.LoadInt64(&c.completionTokens),
		ActiveRequests:   atomic.LoadInt64(&c.activeRequests),
	}
}

// Faults exposes the fault counter vec for the exposition handler.
func (c *Collector) Faults() *counterVec { return c.faults }

// ExchangeRequests exposes the per-pipeline outcome counters.
func (c *Collector) ExchangeRequests() *counterVec { return c.exchangeRequests }

// Latency exposes the request latency histograms.
func (c *Collector) Latency() *histogramVec { return c.latency }

// StageTime exposes the per-stage duration histograms.
func (c *Collector) StageTime() *histogramVec { return c.stageTime }

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
