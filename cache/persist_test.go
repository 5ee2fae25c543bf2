package cache

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semantis-ai/semantis/persistence"
)

// Snapshot then restore into a fresh engine: identical answers, counters
// and thresholds, with no provider traffic for served hits.
func TestSnapshotRestore_RoundTrip(t *testing.T) {
	f := newEngineFixture(t, 4)
	ctx := context.Background()

	_, _, err := f.service.Query(ctx, userQuery("acme", "What is AI?"))
	require.NoError(t, err)
	_, _, err = f.service.Query(ctx, userQuery("acme", "what is ai?"))
	require.NoError(t, err)
	_, _, err = f.service.Query(ctx, userQuery("globex", "Other tenant question"))
	require.NoError(t, err)
	require.NoError(t, f.service.SetDomainThreshold("acme", "legal", 0.9))

	snapshot := f.service.Snapshot()
	require.Equal(t, persistence.SnapshotVersion, snapshot.Version)
	require.Len(t, snapshot.Tenants, 2)

	restored := newEngineFixture(t, 4)
	restored.chat.err = fmt.Errorf("must not be called")
	restored.service.Restore(snapshot)

	answer, meta, err := restored.service.Query(ctx, userQuery("acme", "what is ai?"))
	require.NoError(t, err)
	assert.Equal(t, DecisionExact, meta.Hit)
	assert.Equal(t, "fresh answer #1", answer)

	before := f.service.Metrics("acme")
	after := restored.service.Metrics("acme")
	assert.Equal(t, before.Misses, after.Misses)
	assert.Equal(t, before.Entries, after.Entries)
	assert.InDelta(t, before.SimThreshold, after.SimThreshold, 1e-9)
	// One extra exact hit was just served from the restored state.
	assert.Equal(t, before.Hits+1, after.Hits)

	events := restored.service.Events("acme", 10)
	require.NotEmpty(t, events)
	assert.Equal(t, DecisionExact, events[0].Decision)
}

func TestSnapshotRestore_EmbeddingsBitExact(t *testing.T) {
	f := newEngineFixture(t, 4)
	f.embed.set("precise", []float32{0.1, -0.25, 0.0625, 0.973})

	_, _, err := f.service.Query(context.Background(), userQuery("acme", "precise"))
	require.NoError(t, err)

	snapshot := f.service.Snapshot()
	restored := newEngineFixture(t, 4)
	restored.service.Restore(snapshot)

	state := restored.service.tenant("acme")
	require.Len(t, state.rows, 1)
	assert.Equal(t, []float32{0.1, -0.25, 0.0625, 0.973}, state.rows[0].Embedding)
}

func TestRestore_NilSnapshotIsNoop(t *testing.T) {
	f := newEngineFixture(t, 4)
	f.service.Restore(nil)
	assert.Zero(t, f.service.Metrics("acme").Entries)
}

func TestRestore_SkipsTenantWithBadExactRow(t *testing.T) {
	f := newEngineFixture(t, 4)
	snapshot := &persistence.Snapshot{
		Version: persistence.SnapshotVersion,
		Tenants: map[string]*persistence.TenantRecord{
			"broken": {
				Exact: map[string]int{"q": 7},
				Rows:  nil,
			},
			"healthy": {
				Exact: map[string]int{},
				Rows:  nil,
				Hits:  3,
			},
		},
	}
	f.service.Restore(snapshot)

	assert.Zero(t, f.service.Metrics("broken").Hits)
	assert.Equal(t, int64(3), f.service.Metrics("healthy").Hits)
}

func TestRestore_OutOfRangeThresholdFallsBack(t *testing.T) {
	f := newEngineFixture(t, 4)
	snapshot := &persistence.Snapshot{
		Version: persistence.SnapshotVersion,
		Tenants: map[string]*persistence.TenantRecord{
			"acme": {SimThreshold: 0.3},
		},
	}
	f.service.Restore(snapshot)
	assert.InDelta(t, initialThreshold, f.service.Metrics("acme").SimThreshold, 1e-9)
}
