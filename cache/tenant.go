package cache

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/semantis-ai/semantis/cache/index"
)

const (
	initialThreshold = 0.72
	minThreshold     = 0.70
	maxThreshold     = 0.92

	maxEvents    = 1000
	maxLatencies = 10000

	// Threshold adaptation waits for this many completed queries before it
	// starts nudging.
	adaptMinTotal = 20

	// Estimated tokens not spent upstream per served hit.
	tokensPerHit = 100

	// Blended per-token price used for the cost estimate.
	costPerToken = 0.00000015
)

// TenantState is the complete cache state of one tenant. All fields are
// guarded by mu; rows and the vector index grow in lockstep so a search
// result row is always a valid index into rows.
type TenantState struct {
	mu sync.RWMutex

	exact map[string]int
	rows  []*Entry
	index *index.Index

	hits         int64
	misses       int64
	semanticHits int64

	latencies []float64
	events    []*Event

	simThreshold     float64
	domainThresholds map[string]float64
}

func NewTenantState() *TenantState {
	return &TenantState{
		exact:            make(map[string]int),
		index:            index.New(),
		simThreshold:     initialThreshold,
		domainThresholds: make(map[string]float64),
	}
}

// insertLocked appends an entry and points the exact map at its row. A
// prompt cached before simply repoints to the fresher row; the old row goes
// cold but keeps its id. Returns the new total row count.
func (t *TenantState) insertLocked(entry *Entry) (int, error) {
	if err := t.index.Add(entry.Embedding); err != nil {
		return 0, fmt.Errorf("adding embedding to index: %w", err)
	}
	t.rows = append(t.rows, entry)
	t.exact[entry.PromptNorm] = len(t.rows) - 1
	return len(t.rows), nil
}

func (t *TenantState) recordLatencyLocked(latencyMs float64) {
	t.latencies = append(t.latencies, latencyMs)
	if len(t.latencies) > maxLatencies {
		t.latencies = t.latencies[len(t.latencies)-maxLatencies:]
	}
}

func (t *TenantState) appendEventLocked(event *Event) {
	t.events = append(t.events, event)
	if len(t.events) > maxEvents {
		t.events = t.events[len(t.events)-maxEvents:]
	}
}

// effectiveThresholdLocked computes the per-query similarity threshold:
// small corpora raise the floor, a matching domain override can only
// tighten, and an overcrowded candidate set adds a penalty.
func (t *TenantState) effectiveThresholdLocked(numCandidates int, domain string) float64 {
	threshold := t.simThreshold
	switch {
	case len(t.rows) < 10:
		threshold = math.Max(0.70, threshold)
	case len(t.rows) < 20:
		threshold = math.Max(0.72, threshold)
	}
	if override, ok := t.domainThresholds[domain]; ok {
		threshold = math.Max(threshold, override)
	}
	if numCandidates > 10 {
		threshold += 0.02
	}
	return threshold
}

// adaptThreshold nudges the base threshold after a completed query based on
// the cumulative hit ratio: too few hits loosen it, too many tighten it.
// The threshold never leaves [minThreshold, maxThreshold].
func (t *TenantState) adaptThreshold() {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := t.hits + t.misses
	if total < adaptMinTotal {
		return
	}
	rate := float64(t.hits) / float64(total)
	switch {
	case rate < 0.55:
		t.simThreshold -= 0.01
	case rate > 0.85:
		t.simThreshold += 0.01
	}
	t.simThreshold = math.Max(minThreshold, math.Min(maxThreshold, t.simThreshold))
}

// SetDomainThreshold installs a per-domain override in [0, 1].
func (t *TenantState) SetDomainThreshold(domain string, threshold float64) error {
	if domain == "" {
		return fmt.Errorf("domain must not be empty")
	}
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold %v out of range [0, 1]", threshold)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.domainThresholds[domain] = threshold
	return nil
}

// Events returns up to limit most recent events, newest first. limit is
// clamped to [1, maxEvents].
func (t *TenantState) Events(limit int) []*Event {
	if limit < 1 {
		limit = 1
	}
	if limit > maxEvents {
		limit = maxEvents
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit > len(t.events) {
		limit = len(t.events)
	}
	out := make([]*Event, 0, limit)
	for i := len(t.events) - 1; i >= len(t.events)-limit; i-- {
		copied := *t.events[i]
		out = append(out, &copied)
	}
	return out
}

// Metrics is the per-tenant statistics snapshot served by the metrics
// endpoint.
type Metrics struct {
	Tenant              string  `json:"tenant"`
	Requests            int64   `json:"requests"`
	Hits                int64   `json:"hits"`
	Misses              int64   `json:"misses"`
	SemanticHits        int64   `json:"semantic_hits"`
	HitRatio            float64 `json:"hit_ratio"`
	SemanticHitRatio    float64 `json:"semantic_hit_ratio"`
	Entries             int     `json:"entries"`
	SimThreshold        float64 `json:"sim_threshold"`
	AvgLatencyMs        float64 `json:"avg_latency_ms"`
	P50LatencyMs        float64 `json:"p50_latency_ms"`
	P95LatencyMs        float64 `json:"p95_latency_ms"`
	TokensSavedEst      int64   `json:"tokens_saved_est"`
	CostSavedEstUsd     float64 `json:"cost_saved_est_usd"`
	AvgConfidence       float64 `json:"avg_confidence"`
	AvgHybridScore      float64 `json:"avg_hybrid_score"`
	HighConfidenceHits  int64   `json:"high_confidence_hits"`
	HighConfidenceRatio float64 `json:"high_confidence_ratio"`
}

// Metrics computes the statistics snapshot under a read lock.
func (t *TenantState) Metrics(tenantId string) *Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := &Metrics{
		Tenant:       tenantId,
		Hits:         t.hits,
		Misses:       t.misses,
		SemanticHits: t.semanticHits,
		Entries:      len(t.rows),
		SimThreshold: round4(t.simThreshold),
	}
	if total := t.hits + t.misses; total > 0 {
		m.Requests = total
		m.HitRatio = round4(float64(t.hits) / float64(total))
		m.SemanticHitRatio = round4(float64(t.semanticHits) / float64(total))
	}
	if len(t.latencies) > 0 {
		var sum float64
		for _, l := range t.latencies {
			sum += l
		}
		m.AvgLatencyMs = round2(sum / float64(len(t.latencies)))
		sorted := append([]float64(nil), t.latencies...)
		sort.Float64s(sorted)
		m.P50LatencyMs = round2(percentile(sorted, 50))
		m.P95LatencyMs = round2(percentile(sorted, 95))
	}
	m.TokensSavedEst = t.hits * tokensPerHit
	m.CostSavedEstUsd = float64(m.TokensSavedEst) * costPerToken

	var confidenceSum, hybridSum float64
	var semanticEvents, highConfidence int64
	for _, event := range t.events {
		if event.Decision != DecisionSemantic {
			continue
		}
		semanticEvents++
		confidenceSum += event.Confidence
		hybridSum += event.HybridScore
		if event.Confidence >= 0.8 {
			highConfidence++
		}
	}
	if semanticEvents > 0 {
		m.AvgConfidence = round4(confidenceSum / float64(semanticEvents))
		m.AvgHybridScore = round4(hybridSum / float64(semanticEvents))
		m.HighConfidenceHits = highConfidence
		m.HighConfidenceRatio = round4(float64(highConfidence) / float64(semanticEvents))
	}
	return m
}

// percentile interpolates linearly between closest ranks of sorted data.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
