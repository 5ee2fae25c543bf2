// Package persistence serializes cache state to a single JSON snapshot
// file. Writes are atomic (temp file plus rename) and loads are best
// effort: a missing or malformed snapshot yields an empty state, never an
// error that would block startup.
package persistence

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const SnapshotVersion = 1

// Vector carries an embedding as base64-encoded little-endian float32 in
// JSON, which keeps snapshots compact and bit-exact across save/load.
type Vector []float32

func (v Vector) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(buf))
}

func (v *Vector) UnmarshalJSON(data []byte) error {
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decoding vector: %w", err)
	}
	if len(buf)%4 != 0 {
		return fmt.Errorf("vector byte length %d is not a multiple of 4", len(buf))
	}
	out := make(Vector, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	*v = out
	return nil
}

// EntryRecord is one cached row in serialized form.
type EntryRecord struct {
	PromptNorm   string    `json:"prompt_norm"`
	ResponseText string    `json:"response_text"`
	Embedding    Vector    `json:"embedding"`
	Model        string    `json:"model"`
	TtlSeconds   int       `json:"ttl_seconds"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
	UseCount     int64     `json:"use_count"`
	Domain       string    `json:"domain"`
	Strategy     string    `json:"strategy"`
}

// EventRecord is one query event in serialized form.
type EventRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	TenantId    string    `json:"tenant_id"`
	PromptHash  string    `json:"prompt_hash"`
	Decision    string    `json:"decision"`
	Similarity  float64   `json:"similarity"`
	LatencyMs   float64   `json:"latency_ms"`
	Confidence  float64   `json:"confidence"`
	HybridScore float64   `json:"hybrid_score"`
}

// TenantRecord is the full serialized state of one tenant. Exact maps a
// normalized prompt to its row position in Rows.
type TenantRecord struct {
	Exact            map[string]int     `json:"exact"`
	Rows             []*EntryRecord     `json:"rows"`
	Hits             int64              `json:"hits"`
	Misses           int64              `json:"misses"`
	SemanticHits     int64              `json:"semantic_hits"`
	LatenciesMs      []float64          `json:"latencies_ms"`
	SimThreshold     float64            `json:"sim_threshold"`
	DomainThresholds map[string]float64 `json:"domain_thresholds"`
	Events           []*EventRecord     `json:"events"`
}

// Snapshot is the on-disk document.
type Snapshot struct {
	Version int                      `json:"version"`
	SavedAt time.Time                `json:"saved_at"`
	Tenants map[string]*TenantRecord `json:"tenants"`
}

// Store reads and writes snapshots at a fixed path.
type Store struct {
	path   string
	logger *zap.SugaredLogger
}

func NewStore(path string, logger *zap.SugaredLogger) *Store {
	return &Store{path: path, logger: logger}
}

func (s *Store) Path() string {
	return s.path
}

// Save writes the snapshot atomically: the document lands in a temp file in
// the target directory and is renamed over the destination.
func (s *Store) Save(snapshot *Snapshot) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}
	return nil
}

// Load reads the snapshot, returning nil when the file is missing,
// malformed, or of an unknown version.
func (s *Store) Load() *Snapshot {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warnw("Failed to read snapshot, starting empty", "path", s.path, "error", err)
		}
		return nil
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.logger.Warnw("Snapshot is malformed, starting empty", "path", s.path, "error", err)
		return nil
	}
	if snapshot.Version != SnapshotVersion {
		s.logger.Warnw("Snapshot has unsupported version, starting empty",
			"path", s.path, "version", snapshot.Version)
		return nil
	}
	return &snapshot
}

// RunSaver persists a snapshot whenever signal fires, coalescing bursts by
// draining the channel between saves. It exits when ctx is done; the caller
// is expected to take one final synchronous snapshot on shutdown.
func (s *Store) RunSaver(ctx context.Context, signal <-chan struct{}, capture func() *Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-signal:
			if err := s.Save(capture()); err != nil {
				s.logger.Errorw("Background snapshot failed", "path", s.path, "error", err)
			}
		}
	}
}
