package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Key is the registry record for one API key. Tenancy itself is derived
// from the key format; the registry adds revocation and usage accounting on
// top.
type Key struct {
	ApiKey          string     `json:"api_key"`
	TenantId        string     `json:"tenant_id"`
	Name            string     `json:"name,omitempty"`
	Active          bool       `json:"active"`
	CreatedAt       time.Time  `json:"created_at"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	TotalRequests   int64      `json:"total_requests"`
	Hits            int64      `json:"hits"`
	Misses          int64      `json:"misses"`
	TokensSaved     int64      `json:"tokens_saved"`
	CostSavedEstUsd float64    `json:"cost_saved_est_usd"`
}

// Blended per-token price behind the per-key cost estimate.
const costPerTokenUsd = 0.00000015

// Usage is one request's accounting delta.
type Usage struct {
	Token       string
	TenantId    string
	Endpoint    string
	Hit         bool
	TokensSaved int64
}

// Registry validates keys and records usage. Implementations must treat
// unknown keys as valid: a key that parses is admitted and registered on
// first use, matching format-derived tenancy.
type Registry interface {
	Validate(ctx context.Context, token string) error
	RecordUse(ctx context.Context, token string, tenantId string) error
	LogUsage(ctx context.Context, usage Usage) error
}

// FileRegistry keeps key records in a JSON file next to the cache
// snapshot. Mutations are in-memory; Flush persists them.
type FileRegistry struct {
	path   string
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu    sync.Mutex
	keys  map[string]*Key
	dirty bool
}

func NewFileRegistry(path string, clk clock.Clock, logger *zap.SugaredLogger) *FileRegistry {
	registry := &FileRegistry{
		path:   path,
		clock:  clk,
		logger: logger,
		keys:   make(map[string]*Key),
	}
	registry.load()
	return registry
}

func (r *FileRegistry) load() {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warnw("Failed to read key registry, starting empty", "path", r.path, "error", err)
		}
		return
	}
	var keys []*Key
	if err := json.Unmarshal(data, &keys); err != nil {
		r.logger.Warnw("Key registry is malformed, starting empty", "path", r.path, "error", err)
		return
	}
	for _, key := range keys {
		r.keys[key.ApiKey] = key
	}
}

func (r *FileRegistry) Validate(_ context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key, ok := r.keys[token]; ok && !key.Active {
		return UnauthorizedError{Message: MsgMissingKey}
	}
	return nil
}

func (r *FileRegistry) RecordUse(_ context.Context, token string, tenantId string) error {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[token]
	if !ok {
		key = &Key{
			ApiKey:    token,
			TenantId:  tenantId,
			Active:    true,
			CreatedAt: now,
		}
		r.keys[token] = key
	}
	key.TotalRequests++
	key.LastUsedAt = &now
	r.dirty = true
	return nil
}

func (r *FileRegistry) LogUsage(_ context.Context, usage Usage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[usage.Token]
	if !ok {
		key = &Key{
			ApiKey:    usage.Token,
			TenantId:  usage.TenantId,
			Active:    true,
			CreatedAt: r.clock.Now(),
		}
		r.keys[usage.Token] = key
	}
	if usage.Hit {
		key.Hits++
	} else {
		key.Misses++
	}
	key.TokensSaved += usage.TokensSaved
	key.CostSavedEstUsd = float64(key.TokensSaved) * costPerTokenUsd
	r.dirty = true
	return nil
}

// Flush writes the registry to disk if anything changed since the last
// flush. Writes are atomic.
func (r *FileRegistry) Flush() error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	keys := make([]*Key, 0, len(r.keys))
	for _, key := range r.keys {
		copied := *key
		keys = append(keys, &copied)
	}
	r.dirty = false
	r.mu.Unlock()

	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding key registry: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp registry file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing key registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing key registry: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming key registry into place: %w", err)
	}
	return nil
}

// Revoke deactivates a key so Validate rejects it from the next request on.
func (r *FileRegistry) Revoke(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key, ok := r.keys[token]; ok {
		key.Active = false
		r.dirty = true
	}
}
