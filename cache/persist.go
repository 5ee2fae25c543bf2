package cache

import (
	"fmt"

	"github.com/semantis-ai/semantis/persistence"
)

// Snapshot captures the full state of every tenant for persistence. Each
// tenant is copied under its read lock; the snapshot as a whole is not a
// cross-tenant point-in-time cut.
func (s *Service) Snapshot() *persistence.Snapshot {
	s.mu.RLock()
	tenantIds := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		tenantIds = append(tenantIds, id)
	}
	s.mu.RUnlock()

	snapshot := &persistence.Snapshot{
		Version: persistence.SnapshotVersion,
		SavedAt: s.clock.Now(),
		Tenants: make(map[string]*persistence.TenantRecord, len(tenantIds)),
	}
	for _, id := range tenantIds {
		state := s.tenant(id)
		snapshot.Tenants[id] = snapshotTenant(state)
	}
	return snapshot
}

func snapshotTenant(state *TenantState) *persistence.TenantRecord {
	state.mu.RLock()
	defer state.mu.RUnlock()

	record := &persistence.TenantRecord{
		Exact:            make(map[string]int, len(state.exact)),
		Rows:             make([]*persistence.EntryRecord, len(state.rows)),
		Hits:             state.hits,
		Misses:           state.misses,
		SemanticHits:     state.semanticHits,
		LatenciesMs:      append([]float64(nil), state.latencies...),
		SimThreshold:     state.simThreshold,
		DomainThresholds: make(map[string]float64, len(state.domainThresholds)),
		Events:           make([]*persistence.EventRecord, len(state.events)),
	}
	for prompt, row := range state.exact {
		record.Exact[prompt] = row
	}
	for domain, threshold := range state.domainThresholds {
		record.DomainThresholds[domain] = threshold
	}
	for i, entry := range state.rows {
		record.Rows[i] = &persistence.EntryRecord{
			PromptNorm:   entry.PromptNorm,
			ResponseText: entry.ResponseText,
			Embedding:    persistence.Vector(entry.Embedding),
			Model:        entry.Model,
			TtlSeconds:   entry.TtlSeconds,
			CreatedAt:    entry.CreatedAt,
			LastUsedAt:   entry.LastUsedAt,
			UseCount:     entry.UseCount,
			Domain:       entry.Domain,
			Strategy:     entry.Strategy,
		}
	}
	for i, event := range state.events {
		record.Events[i] = &persistence.EventRecord{
			Timestamp:   event.Timestamp,
			TenantId:    event.TenantId,
			PromptHash:  event.PromptHash,
			Decision:    string(event.Decision),
			Similarity:  event.Similarity,
			LatencyMs:   event.LatencyMs,
			Confidence:  event.Confidence,
			HybridScore: event.HybridScore,
		}
	}
	return record
}

// Restore rebuilds tenant states from a snapshot. It is meant to run at
// startup before the engine serves traffic; a tenant that fails to restore
// is skipped rather than aborting the whole load.
func (s *Service) Restore(snapshot *persistence.Snapshot) {
	if snapshot == nil {
		return
	}
	for tenantId, record := range snapshot.Tenants {
		state, err := restoreTenant(record)
		if err != nil {
			s.logger.Warnw("Skipping tenant with unrestorable snapshot",
				"tenant", tenantId, "error", err)
			continue
		}
		s.mu.Lock()
		s.tenants[tenantId] = state
		s.mu.Unlock()
	}
}

func restoreTenant(record *persistence.TenantRecord) (*TenantState, error) {
	state := NewTenantState()
	for i, row := range record.Rows {
		entry := &Entry{
			PromptNorm:   row.PromptNorm,
			ResponseText: row.ResponseText,
			Embedding:    []float32(row.Embedding),
			Model:        row.Model,
			TtlSeconds:   row.TtlSeconds,
			CreatedAt:    row.CreatedAt,
			LastUsedAt:   row.LastUsedAt,
			UseCount:     row.UseCount,
			Domain:       row.Domain,
			Strategy:     row.Strategy,
		}
		if err := state.index.Add(entry.Embedding); err != nil {
			return nil, fmt.Errorf("restoring row %d: %w", i, err)
		}
		state.rows = append(state.rows, entry)
	}
	for prompt, row := range record.Exact {
		if row < 0 || row >= len(state.rows) {
			return nil, fmt.Errorf("exact entry %q points at invalid row %d", prompt, row)
		}
		state.exact[prompt] = row
	}
	state.hits = record.Hits
	state.misses = record.Misses
	state.semanticHits = record.SemanticHits
	state.latencies = append([]float64(nil), record.LatenciesMs...)
	if record.SimThreshold >= minThreshold && record.SimThreshold <= maxThreshold {
		state.simThreshold = record.SimThreshold
	}
	for domain, threshold := range record.DomainThresholds {
		state.domainThresholds[domain] = threshold
	}
	for _, event := range record.Events {
		state.events = append(state.events, &Event{
			Timestamp:   event.Timestamp,
			TenantId:    event.TenantId,
			PromptHash:  event.PromptHash,
			Decision:    Decision(event.Decision),
			Similarity:  event.Similarity,
			LatencyMs:   event.LatencyMs,
			Confidence:  event.Confidence,
			HybridScore: event.HybridScore,
		})
	}
	return state, nil
}
