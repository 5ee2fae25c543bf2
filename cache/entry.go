package cache

import "time"

// Decision classifies how a query was served.
type Decision string

const (
	DecisionExact    Decision = "exact"
	DecisionSemantic Decision = "semantic"
	DecisionMiss     Decision = "miss"
)

// Entry is one cached prompt/response pair. Entries are append-only: expiry
// is checked at read time and stale rows are simply skipped, never removed,
// so index row ids stay stable for the life of the process.
type Entry struct {
	PromptNorm   string
	ResponseText string
	Embedding    []float32
	Model        string
	TtlSeconds   int
	CreatedAt    time.Time
	LastUsedAt   time.Time
	UseCount     int64
	Domain       string
	Strategy     string
}

// Fresh reports whether the entry is still within its TTL at the given time.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Sub(e.CreatedAt) < time.Duration(e.TtlSeconds)*time.Second
}

// Event is one completed query, recorded in a per-tenant ring buffer for
// the events endpoint and for threshold adaptation.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	TenantId    string    `json:"tenant_id"`
	PromptHash  string    `json:"prompt_hash"`
	Decision    Decision  `json:"decision"`
	Similarity  float64   `json:"similarity"`
	LatencyMs   float64   `json:"latency_ms"`
	Confidence  float64   `json:"confidence"`
	HybridScore float64   `json:"hybrid_score"`
}

// Meta describes how a single response was produced. HybridScore,
// Confidence and ThresholdUsed are only set on the semantic path.
type Meta struct {
	Hit           Decision `json:"hit"`
	Similarity    float64  `json:"similarity"`
	LatencyMs     float64  `json:"latency_ms"`
	Strategy      string   `json:"strategy"`
	HybridScore   *float64 `json:"hybrid_score,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	ThresholdUsed *float64 `json:"threshold_used,omitempty"`
}
