// File: standard.go
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// standardDB is the local file-backed adapter (spec.md §4.2a): the host's
// native vector API stands in as an in-memory index, optionally mirrored to
// a JSON snapshot on disk when Config.Parameters["data_dir"] is set. The
// "extended plugin" (here: the on-disk snapshot directory) is probed at
// construction: each insert or delete rewrites the collection's snapshot
// and a purge removes it. Snapshots are not read back when an adapter is
// constructed, so stored chunks do not survive a restart either way. A
// warning is logged only when data_dir is set but cannot be created; with
// no data_dir the adapter runs in memory without logging.
//
// Grounded on memory.go's linear-scan MemoryDB, extended with the spec's
// hash-keyed chunk contract and health-check semantics.
type standardDB struct {
	mu          sync.RWMutex
	collections map[string]*standardCollection
	dataDir     string
	hasPlugin   bool
}

type standardCollection struct {
	chunks map[uint32]Chunk
}

func newStandardDB(cfg *Config) (*standardDB, error) {
	db := &standardDB{collections: make(map[string]*standardCollection)}
	db.dataDir = cfg.stringParam("data_dir", "")
	if db.dataDir != "" {
		if err := os.MkdirAll(db.dataDir, 0o755); err != nil {
			GlobalLogger.Warn("standard: extended plugin (disk snapshot) unavailable, falling back to native in-memory only", "error", err)
		} else {
			db.hasPlugin = true
		}
	}
	return db, nil
}

func (s *standardDB) Initialize(ctx context.Context, cfg *Config) error { return nil }

func (s *standardDB) Close() error { return nil }

// HealthCheck issues a "list" on a non-existent collection; both a clean
// empty result and a not-found condition indicate the native API is alive,
// matching spec.md §4.2a.
func (s *standardDB) HealthCheck(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_ = s.collections["__healthcheck_probe__"]
	return true
}

func (s *standardDB) collection(id string) *standardCollection {
	c, ok := s.collections[id]
	if !ok {
		c = &standardCollection{chunks: make(map[uint32]Chunk)}
		s.collections[id] = c
	}
	return c
}

func (s *standardDB) GetSavedHashes(ctx context.Context, collectionID string) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collectionID]
	if !ok {
		return nil, nil
	}
	hashes := make([]uint32, 0, len(c.chunks))
	for h := range c.chunks {
		hashes = append(hashes, h)
	}
	return hashes, nil
}

func (s *standardDB) Insert(ctx context.Context, collectionID string, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collection(collectionID)
	dim := -1
	for _, existing := range c.chunks {
		dim = len(existing.Vector)
		break
	}
	for _, ch := range chunks {
		if dim >= 0 && ch.Vector != nil && len(ch.Vector) != dim {
			return NewDimensionMismatchError(dim, len(ch.Vector))
		}
		if dim < 0 && ch.Vector != nil {
			dim = len(ch.Vector)
		}
		c.chunks[ch.Hash] = ch // upsert by hash
	}
	return s.snapshot(collectionID, c)
}

func (s *standardDB) Delete(ctx context.Context, collectionID string, hashes []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[collectionID]
	if !ok {
		return nil // idempotent
	}
	for _, h := range hashes {
		delete(c.chunks, h)
	}
	return s.snapshot(collectionID, c)
}

func (s *standardDB) QueryCollection(ctx context.Context, collectionID string, queryVector []float64, topK int, threshold float64) (QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collectionID]
	if !ok {
		return QueryResult{}, nil
	}
	type scored struct {
		Chunk
		score float64
	}
	candidates := make([]scored, 0, len(c.chunks))
	for _, ch := range c.chunks {
		if ch.Vector == nil {
			continue
		}
		sc := cosineSimilarity(queryVector, ch.Vector)
		if sc >= threshold {
			candidates = append(candidates, scored{ch, sc})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	result := QueryResult{}
	for _, c := range candidates {
		result.Hashes = append(result.Hashes, c.Hash)
		result.Scores = append(result.Scores, c.score)
		result.Metadata = append(result.Metadata, withText(c.Metadata, c.Text))
	}
	return result, nil
}

// withText returns a shallow copy of meta carrying the chunk's text under
// "text", so a query result round-trips the same body spec.md §8 requires
// without the backend needing a dedicated column for it.
func withText(meta map[string]interface{}, text string) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["text"] = text
	return out
}

func (s *standardDB) QueryMultipleCollections(ctx context.Context, collectionIDs []string, queryVector []float64, topK int, threshold float64) map[string]QueryResult {
	out := make(map[string]QueryResult, len(collectionIDs))
	for _, id := range collectionIDs {
		res, err := s.QueryCollection(ctx, id, queryVector, topK, threshold)
		res.Err = err
		out[id] = res
	}
	return out
}

func (s *standardDB) Purge(ctx context.Context, collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collectionID)
	if s.hasPlugin {
		_ = os.Remove(s.snapshotPath(collectionID))
	}
	return nil
}

func (s *standardDB) PurgeAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.collections {
		if s.hasPlugin {
			_ = os.Remove(s.snapshotPath(id))
		}
	}
	s.collections = make(map[string]*standardCollection)
	return nil
}

func (s *standardDB) SupportsHybridSearch() bool { return false }

func (s *standardDB) HybridQuery(ctx context.Context, collectionID string, queryText string, queryVector []float64, topK int, threshold float64, opts HybridOptions) (QueryResult, error) {
	res, err := s.QueryCollection(ctx, collectionID, queryVector, topK, threshold)
	res.HybridSearch = false
	return res, err
}

func (s *standardDB) snapshotPath(collectionID string) string {
	return filepath.Join(s.dataDir, collectionID+".json")
}

func (s *standardDB) snapshot(collectionID string, c *standardCollection) error {
	if !s.hasPlugin {
		return nil
	}
	data, err := json.Marshal(c.chunks)
	if err != nil {
		return fmt.Errorf("%w: snapshot marshal: %v", ErrProtocol, err)
	}
	return os.WriteFile(s.snapshotPath(collectionID), data, 0o644)
}

// cosineSimilarity uses gonum's floats primitives for the dot product and
// L2 norms rather than hand-rolled loops (spec.md §8's
// symmetry/magnitude-invariance/bound invariants).
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := floats.Norm(a, 2), floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}
