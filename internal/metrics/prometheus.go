package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/allaspectsdev/switchyard/internal/health"
)

// PrometheusHandler writes metrics in Prometheus text exposition format
// (version 0.0.4). Metrics are formatted manually; the client library would
// add nothing over these few families.
func PrometheusHandler(collector *Collector, tracker *health.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := collector.Stats()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		writeMetric(w, "switchyard_requests_total",
			"Total number of dispatched requests.",
			"counter", stats.TotalRequests)

		writeMetric(w, "switchyard_streamed_requests_total",
			"Total number of requests answered as a stream.",
			"counter", stats.StreamedRequests)

		writeMetric(w, "switchyard_retries_total",
			"Total number of retry attempts across all requests.",
			"counter", stats.Retries)

		writeMetric(w, "switchyard_failovers_total",
			"Total number of failovers to a different pipeline.",
			"counter", stats.Failovers)

		writeMetric(w, "switchyard_blacklists_total",
			"Total number of credential blacklist events.",
			"counter", stats.Blacklists)

		writeMetric(w, "switchyard_prompt_tokens_total",
			"Total prompt tokens sent upstream.",
			"counter", stats.PromptTokens)

		writeMetric(w, "switchyard_completion_tokens_total",
			"Total completion tokens received from upstream.",
			"counter", stats.CompletionTokens)

		writeMetric(w, "switchyard_active_requests",
			"Number of requests currently in dispatch.",
			"gauge", stats.ActiveRequests)

		writeMetricFloat(w, "switchyard_uptime_seconds",
			"Number of seconds since the service started.",
			"gauge", time.Since(collector.startTime).Seconds())

		writeCounterVec(w, "switchyard_faults_total",
			"Total faults by kind and pipeline.",
			collector.Faults())

		writeCounterVec(w, "switchyard_exchanges_total",
			"Total exchanges per pipeline and outcome.",
			collector.ExchangeRequests())

		writeHistogramVec(w, "switchyard_request_duration_seconds",
			"Request duration in seconds by pipeline and streaming.",
			collector.Latency())

		writeHistogramVec(w, "switchyard_stage_duration_seconds",
			"Per-stage execution time in seconds.",
			collector.StageTime())

		if tracker != nil {
			writeGaugeVec(w, "switchyard_pipeline_state",
				"Pipeline health state (0=healthy, 1=degraded, 2=blacklisted).",
				trackerStates(tracker))
		}
	}
}

// trackerStates folds the tracker snapshot into a gauge vec for exposition.
func trackerStates(tracker *health.Tracker) *gaugeVec {
	gv := newGaugeVec()
	pipes, _ := tracker.Snapshot()
	for _, p := range pipes {
		var v float64
		switch tracker.StateOf(p.ID) {
		case health.StateDegraded:
			v = 1
		case health.StateBlacklisted:
			v = 2
		}
		gv.Set(map[string]string{"pipeline": p.ID}, v)
	}
	return gv
}

// writeMetric writes a single integer metric in Prometheus text format.
func writeMetric(w http.ResponseWriter, name, help, metricType string, value int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %d\n", name, value)
}

// writeMetricFloat writes a single float64 metric in Prometheus text format.
func writeMetricFloat(w http.ResponseWriter, name, help, metricType string, value float64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	fmt.Fprintf(w, "%s %g\n", name, value)
}

// formatLabels formats a label map as a Prometheus label string, e.g.
// {kind="upstream_rate_limited",pipeline="acme.large"}.
func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// writeCounterVec writes a labeled counter vec in Prometheus text format.
func writeCounterVec(w http.ResponseWriter, name, help string, cv *counterVec) {
	entries := cv.snapshot()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	for _, e := range entries {
		fmt.Fprintf(w, "%s%s %d\n", name, formatLabels(e.labels), e.value)
	}
}

// writeHistogramVec writes a labeled histogram vec in Prometheus text format.
func writeHistogramVec(w http.ResponseWriter, name, help string, hv *histogramVec) {
	histograms := hv.snapshot()
	if len(histograms) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	for _, h := range histograms {
		labels := formatLabels(h.labels)
		var cumulative int64
		for i, bound := range h.buckets {
			cumulative += h.counts[i]
			le := fmt.Sprintf("%g", bound)
			fmt.Fprintf(w, "%s_bucket%s %d\n", name, formatLabelsWithLe(h.labels, le), cumulative)
		}
		fmt.Fprintf(w, "%s_bucket%s %d\n", name, formatLabelsWithLe(h.labels, "+Inf"), h.count)
		fmt.Fprintf(w, "%s_sum%s %g\n", name, labels, h.sum)
		fmt.Fprintf(w, "%s_count%s %d\n", name, labels, h.count)
	}
}

// formatLabelsWithLe formats labels with the additional "le" bucket label.
func formatLabelsWithLe(labels map[string]string, le string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%q,", k, labels[k])
	}
	fmt.Fprintf(&b, "le=%q", le)
	b.WriteByte('}')
	return b.String()
}

// writeGaugeVec writes a labeled gauge vec in Prometheus text format.
func writeGaugeVec(w http.ResponseWriter, name, help string, gv *gaugeVec) {
	entries := gv.snapshot()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s gauge\n", name)
	for _, e := range entries {
		fmt.Fprintf(w, "%s%s %g\n", name, formatLabels(e.labels), e.value)
	}
}
