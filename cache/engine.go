// Package cache implements a multi-tenant semantic response cache: exact
// lookup by normalized prompt, semantic lookup over context-aware
// embeddings with hybrid reranking, and adaptive acceptance thresholds.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/semantis-ai/semantis/openai"
	"github.com/semantis-ai/semantis/provider"
)

const (
	// Semantic candidates fetched per query before reranking.
	searchK = 20

	// Minimum raw similarity for the top candidate before query expansion
	// variants are tried.
	expansionFloor = 0.60

	// Typo acceptance path bounds.
	typoBaseFloor       = 0.65
	typoConfidenceFloor = 0.65

	confidenceFloor = 0.7

	// Inserts between snapshot signals, per tenant.
	snapshotEvery = 10

	// DefaultTtlSeconds applies when a request carries no TTL. Seven days.
	DefaultTtlSeconds = 604800
)

// Strategy labels. Meta reports "hybrid" for exact hits and misses and
// "hybrid-enhanced" for semantic hits; entries record how they were created.
const (
	StrategyHybrid         = "hybrid"
	StrategyHybridEnhanced = "hybrid-enhanced"
	StrategyMiss           = "miss"
	StrategyWarmup         = "warmup"
)

// Service is the process-wide cache engine. Tenant states are created
// lazily on first use and never removed.
type Service struct {
	logger   *zap.SugaredLogger
	clock    clock.Clock
	embedder *ContextEmbedder
	chat     provider.ChatProvider

	defaultTtlSeconds int

	mu      sync.RWMutex
	tenants map[string]*TenantState

	saveSignal chan struct{}
}

func NewService(embedder *ContextEmbedder, chat provider.ChatProvider, defaultTtlSeconds int, clk clock.Clock, logger *zap.SugaredLogger) *Service {
	if defaultTtlSeconds <= 0 {
		defaultTtlSeconds = DefaultTtlSeconds
	}
	return &Service{
		logger:            logger,
		clock:             clk,
		embedder:          embedder,
		chat:              chat,
		defaultTtlSeconds: defaultTtlSeconds,
		tenants:           make(map[string]*TenantState),
		saveSignal:        make(chan struct{}, 1),
	}
}

// SaveSignal delivers a pulse whenever enough inserts have accumulated to
// warrant a snapshot. The channel is buffered so pulses coalesce.
func (s *Service) SaveSignal() <-chan struct{} {
	return s.saveSignal
}

func (s *Service) signalSave() {
	select {
	case s.saveSignal <- struct{}{}:
	default:
	}
}

func (s *Service) tenant(tenantId string) *TenantState {
	s.mu.RLock()
	state, ok := s.tenants[tenantId]
	s.mu.RUnlock()
	if ok {
		return state
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.tenants[tenantId]; ok {
		return state
	}
	state = NewTenantState()
	s.tenants[tenantId] = state
	return state
}

// QueryRequest is one cache lookup plus its upstream fallback parameters.
type QueryRequest struct {
	TenantId    string
	Messages    []openai.Message
	Model       string
	TtlSeconds  int
	Temperature float32
}

// Query serves a conversation from the cache or, on a miss, from the chat
// provider, inserting the fresh answer. The returned Meta describes the
// decision taken.
func (s *Service) Query(ctx context.Context, request *QueryRequest) (string, *Meta, error) {
	primary := lastUserText(request.Messages)
	if primary == "" {
		return "", nil, ErrNoUserMessage
	}

	start := s.clock.Now()
	state := s.tenant(request.TenantId)
	// The exact key joins every user turn, so a multi-turn conversation
	// never collides with a bare prompt sharing its last message.
	promptNorm := Normalize(openai.UserText(request.Messages))
	hash := promptHash(promptNorm)

	if answer, meta, ok := s.tryExact(state, request.TenantId, request.Model, promptNorm, hash, start); ok {
		return answer, meta, nil
	}

	state.mu.RLock()
	haveRows := len(state.rows) > 0
	state.mu.RUnlock()

	var queryVector []float32
	if haveRows {
		vector, _, err := s.embedder.EmbedConversation(ctx, request.Messages)
		if err != nil {
			s.logger.Warnw("Embedding failed, treating query as a miss",
				"tenant", request.TenantId, "error", err)
		} else {
			queryVector = vector
			if answer, meta, ok := s.trySemantic(ctx, state, request.TenantId, primary, promptNorm, hash, queryVector, start); ok {
				return answer, meta, nil
			}
		}
	}

	return s.missPath(ctx, state, request, promptNorm, hash, queryVector, start)
}

// tryExact serves a byte-identical normalized prompt when the stored entry
// was generated by the requested model and is still fresh.
func (s *Service) tryExact(state *TenantState, tenantId string, model string, promptNorm string, hash string, start time.Time) (string, *Meta, bool) {
	now := s.clock.Now()
	state.mu.Lock()
	row, ok := state.exact[promptNorm]
	if !ok {
		state.mu.Unlock()
		return "", nil, false
	}
	entry := state.rows[row]
	if entry.Model != model || !entry.Fresh(now) {
		state.mu.Unlock()
		return "", nil, false
	}
	entry.UseCount++
	entry.LastUsedAt = now
	state.hits++
	latency := s.elapsedMs(start)
	state.recordLatencyLocked(latency)
	state.appendEventLocked(&Event{
		Timestamp:  now,
		TenantId:   tenantId,
		PromptHash: hash,
		Decision:   DecisionExact,
		Similarity: 1.0,
		LatencyMs:  latency,
	})
	answer := entry.ResponseText
	state.mu.Unlock()

	state.adaptThreshold()
	return answer, &Meta{
		Hit:        DecisionExact,
		Similarity: 1.0,
		LatencyMs:  latency,
		Strategy:   StrategyHybrid,
	}, true
}

type candidate struct {
	entry      *Entry
	baseSim    float64
	hybrid     float64
	confidence float64
}

// trySemantic searches the tenant index, scores every fresh candidate and
// serves the first one in hybrid-sorted order that clears either the
// adaptive threshold or the typo-tolerant bound.
func (s *Service) trySemantic(ctx context.Context, state *TenantState, tenantId string, primary string, promptNorm string, hash string, queryVector []float32, start time.Time) (string, *Meta, bool) {
	now := s.clock.Now()
	domain := ClassifyDomain(primary)

	state.mu.Lock()
	candidates := s.searchLocked(state, queryVector, now)
	state.mu.Unlock()

	// When nothing is even roughly similar, retry once with a deterministic
	// paraphrase of the prompt before giving up.
	if bestBase(candidates) < expansionFloor {
		if variants := Expand(promptNorm); len(variants) > 0 {
			if variantVector, err := s.embedder.Embed(ctx, variants[0]); err == nil {
				state.mu.Lock()
				if expanded := s.searchLocked(state, variantVector, now); bestBase(expanded) > bestBase(candidates) {
					candidates = expanded
				}
				state.mu.Unlock()
			}
		}
	}
	if len(candidates) == 0 {
		return "", nil, false
	}

	for i := range candidates {
		candidates[i].hybrid = HybridScore(candidates[i].baseSim, primary, candidates[i].entry, now)
		candidates[i].confidence = Confidence(candidates[i].hybrid, candidates[i].baseSim, candidates[i].entry, now)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].hybrid > candidates[j].hybrid
	})

	state.mu.Lock()
	threshold := state.effectiveThresholdLocked(len(candidates), domain)

	// A runner-up on hybrid score may still win through the typo path when
	// its raw similarity is higher, so every candidate gets a look.
	var accepted *candidate
	thresholdUsed := threshold
	for i := range candidates {
		c := &candidates[i]
		if c.hybrid >= threshold && c.confidence >= confidenceFloor {
			accepted = c
			thresholdUsed = threshold
			break
		}
		if typoBound := maxFloat(typoBaseFloor, c.baseSim-0.02); c.baseSim >= typoBaseFloor &&
			c.confidence >= typoConfidenceFloor && c.hybrid >= typoBound {
			accepted = c
			thresholdUsed = typoBound
			break
		}
	}
	if accepted == nil {
		state.mu.Unlock()
		return "", nil, false
	}

	accepted.entry.UseCount++
	accepted.entry.LastUsedAt = now
	state.hits++
	state.semanticHits++
	latency := s.elapsedMs(start)
	state.recordLatencyLocked(latency)
	state.appendEventLocked(&Event{
		Timestamp:   now,
		TenantId:    tenantId,
		PromptHash:  hash,
		Decision:    DecisionSemantic,
		Similarity:  round4(accepted.baseSim),
		LatencyMs:   latency,
		Confidence:  round4(accepted.confidence),
		HybridScore: round4(accepted.hybrid),
	})
	answer := accepted.entry.ResponseText
	state.mu.Unlock()

	state.adaptThreshold()
	hybrid := round4(accepted.hybrid)
	confidence := round4(accepted.confidence)
	used := round4(thresholdUsed)
	return answer, &Meta{
		Hit:           DecisionSemantic,
		Similarity:    round4(accepted.baseSim),
		LatencyMs:     latency,
		Strategy:      StrategyHybridEnhanced,
		HybridScore:   &hybrid,
		Confidence:    &confidence,
		ThresholdUsed: &used,
	}, true
}

// searchLocked returns the fresh candidates among the top-k nearest rows.
func (s *Service) searchLocked(state *TenantState, queryVector []float32, now time.Time) []candidate {
	k := state.index.Size()
	if k > searchK {
		k = searchK
	}
	results, err := state.index.Search(queryVector, k)
	if err != nil {
		s.logger.Errorw("Vector search failed", "error", err)
		return nil
	}
	candidates := make([]candidate, 0, len(results))
	for _, result := range results {
		entry := state.rows[result.Row]
		if !entry.Fresh(now) {
			continue
		}
		candidates = append(candidates, candidate{entry: entry, baseSim: float64(result.Score)})
	}
	return candidates
}

// missPath asks the chat provider for a fresh answer and inserts it. A
// provider failure propagates without touching tenant state; an embedding
// failure after a successful completion still serves the answer but skips
// the insert.
func (s *Service) missPath(ctx context.Context, state *TenantState, request *QueryRequest, promptNorm string, hash string, queryVector []float32, start time.Time) (string, *Meta, error) {
	answer, err := s.chat.Complete(ctx, request.Messages, request.Temperature)
	if err != nil {
		return "", nil, err
	}

	if queryVector == nil {
		vector, _, embedErr := s.embedder.EmbedConversation(ctx, request.Messages)
		if embedErr != nil {
			s.logger.Warnw("Embedding failed, serving answer without caching",
				"tenant", request.TenantId, "error", embedErr)
		} else {
			queryVector = vector
		}
	}

	now := s.clock.Now()
	ttl := request.TtlSeconds
	if ttl <= 0 {
		ttl = s.defaultTtlSeconds
	}

	latency := s.elapsedMs(start)
	rowCount := 0
	state.mu.Lock()
	state.misses++
	if queryVector != nil {
		entry := &Entry{
			PromptNorm:   promptNorm,
			ResponseText: answer,
			Embedding:    queryVector,
			Model:        request.Model,
			TtlSeconds:   ttl,
			CreatedAt:    now,
			LastUsedAt:   now,
			Domain:       ClassifyDomain(promptNorm),
			Strategy:     StrategyMiss,
		}
		count, insertErr := state.insertLocked(entry)
		if insertErr != nil {
			s.logger.Errorw("Cache insert failed", "tenant", request.TenantId, "error", insertErr)
		} else {
			rowCount = count
		}
	}
	state.recordLatencyLocked(latency)
	state.appendEventLocked(&Event{
		Timestamp:  now,
		TenantId:   request.TenantId,
		PromptHash: hash,
		Decision:   DecisionMiss,
		LatencyMs:  latency,
	})
	state.mu.Unlock()

	state.adaptThreshold()
	if rowCount > 0 && rowCount%snapshotEvery == 0 {
		s.signalSave()
	}
	return answer, &Meta{
		Hit:       DecisionMiss,
		LatencyMs: latency,
		Strategy:  StrategyHybrid,
	}, nil
}

// WarmupItem is a prompt/response pair loaded directly into a tenant cache
// without touching counters or events.
type WarmupItem struct {
	Prompt     string `json:"prompt"`
	Response   string `json:"response"`
	Model      string `json:"model"`
	TtlSeconds int    `json:"ttl_seconds"`
}

// Warmup inserts the given pairs for a tenant and returns how many were
// stored. Items whose embedding fails are skipped.
func (s *Service) Warmup(ctx context.Context, tenantId string, items []WarmupItem) (int, error) {
	state := s.tenant(tenantId)
	inserted := 0
	for _, item := range items {
		if item.Prompt == "" || item.Response == "" {
			continue
		}
		vector, err := s.embedder.Embed(ctx, item.Prompt)
		if err != nil {
			s.logger.Warnw("Warmup embedding failed, skipping item",
				"tenant", tenantId, "error", err)
			continue
		}
		now := s.clock.Now()
		ttl := item.TtlSeconds
		if ttl <= 0 {
			ttl = s.defaultTtlSeconds
		}
		promptNorm := Normalize(item.Prompt)
		entry := &Entry{
			PromptNorm:   promptNorm,
			ResponseText: item.Response,
			Embedding:    vector,
			Model:        item.Model,
			TtlSeconds:   ttl,
			CreatedAt:    now,
			LastUsedAt:   now,
			Domain:       ClassifyDomain(promptNorm),
			Strategy:     StrategyWarmup,
		}
		state.mu.Lock()
		_, insertErr := state.insertLocked(entry)
		state.mu.Unlock()
		if insertErr != nil {
			s.logger.Errorw("Warmup insert failed", "tenant", tenantId, "error", insertErr)
			continue
		}
		inserted++
	}
	if inserted > 0 {
		s.signalSave()
	}
	return inserted, nil
}

// Metrics returns the statistics snapshot for a tenant.
func (s *Service) Metrics(tenantId string) *Metrics {
	return s.tenant(tenantId).Metrics(tenantId)
}

// Events returns up to limit most recent events for a tenant, newest first.
func (s *Service) Events(tenantId string, limit int) []*Event {
	return s.tenant(tenantId).Events(limit)
}

// SetDomainThreshold installs a per-domain similarity override for a tenant.
func (s *Service) SetDomainThreshold(tenantId string, domain string, threshold float64) error {
	return s.tenant(tenantId).SetDomainThreshold(domain, threshold)
}

func (s *Service) elapsedMs(start time.Time) float64 {
	return round2(float64(s.clock.Now().Sub(start).Microseconds()) / 1000)
}

func lastUserText(messages []openai.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

func promptHash(promptNorm string) string {
	sum := sha256.Sum256([]byte(promptNorm))
	return hex.EncodeToString(sum[:])[:16]
}

func bestBase(candidates []candidate) float64 {
	best := 0.0
	for _, c := range candidates {
		if c.baseSim > best {
			best = c.baseSim
		}
	}
	return best
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
