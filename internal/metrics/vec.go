package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// labelKey builds a stable map key from a label set.
func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%s", k, labels[k])
	}
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// counterVec is a labeled monotonic counter family.
type counterVec struct {
	mu      sync.Mutex
	entries map[string]*counterEntry
}

type counterEntry struct {
	labels map[string]string
	value  int64
}

func newCounterVec() *counterVec {
	return &counterVec{entries: make(map[string]*counterEntry)}
}

func (cv *counterVec) Inc(labels map[string]string) {
	cv.Add(labels, 1)
}

func (cv *counterVec) Add(labels map[string]string, delta int64) {
	key := labelKey(labels)
	cv.mu.Lock()
	e, ok := cv.entries[key]
	if !ok {
		e = &counterEntry{labels: copyLabels(labels)}
		cv.entries[key] = e
	}
	e.value += delta
	cv.mu.Unlock()
}

func (cv *counterVec) snapshot() []counterEntry {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	out := make([]counterEntry, 0, len(cv.entries))
	for _, key := range sortedKeys(cv.entries) {
		e := cv.entries[key]
		out = append(out, counterEntry{labels: copyLabels(e.labels), value: e.value})
	}
	return out
}

// gaugeVec is a labeled gauge family; Set replaces the current value.
type gaugeVec struct {
	mu      sync.Mutex
	entries map[string]*gaugeEntry
}

type gaugeEntry struct {
	labels map[string]string
	value  float64
}

func newGaugeVec() *gaugeVec {
	return &gaugeVec{entries: make(map[string]*gaugeEntry)}
}

func (gv *gaugeVec) Set(labels map[string]string, value float64) {
	key := labelKey(labels)
	gv.mu.Lock()
	e, ok := gv.entries[key]
	if !ok {
		e = &gaugeEntry{labels: copyLabels(labels)}
		gv.entries[key] = e
	}
	e.value = value
	gv.mu.Unlock()
}

func (gv *gaugeVec) snapshot() []gaugeEntry {
	gv.mu.Lock()
	defer gv.mu.Unlock()
	out := make([]gaugeEntry, 0, len(gv.entries))
	for _, key := range sortedKeys(gv.entries) {
		e := gv.entries[key]
		out = append(out, gaugeEntry{labels: copyLabels(e.labels), value: e.value})
	}
	return out
}

// histogramVec is a labeled histogram family with fixed bucket bounds.
type histogramVec struct {
	buckets []float64

	mu      sync.Mutex
	entries map[string]*histogram
}

type histogram struct {
	labels  map[string]string
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

func newHistogramVec(buckets []float64) *histogramVec {
	return &histogramVec{
		buckets: buckets,
		entries: make(map[string]*histogram),
	}
}

func (hv *histogramVec) Observe(labels map[string]string, value float64) {
	key := labelKey(labels)
	hv.mu.Lock()
	h, ok := hv.entries[key]
	if !ok {
		h = &histogram{
			labels:  copyLabels(labels),
			buckets: hv.buckets,
			counts:  make([]int64, len(hv.buckets)),
		}
		hv.entries[key] = h
	}
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			break
		}
	}
	h.sum += value
	h.count++
	hv.mu.Unlock()
}

func (hv *histogramVec) snapshot() []histogram {
	hv.mu.Lock()
	defer hv.mu.Unlock()
	out := make([]histogram, 0, len(hv.entries))
	for _, key := range sortedKeys(hv.entries) {
		h := hv.entries[key]
		counts := make([]int64, len(h.counts))
		copy(counts, h.counts)
		out = append(out, histogram{
			labels:  copyLabels(h.labels),
			buckets: h.buckets,
			counts:  counts,
			sum:     h.sum,
			count:   h.count,
		})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
