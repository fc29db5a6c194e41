// File: sync.go
package rag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SyncRequest describes one collection's desired state as of the chat
// event that triggered this sync (spec.md §4.10).
type SyncRequest struct {
	CollectionID  string
	Backend       string
	BackendConfig *Config
	Provider      string
	Model         string
	Transport     Transport
	Messages      []Message

	KeywordLevel       KeywordLevel
	CustomStopWords    map[string]struct{}

	// SourceType classifies the collection's content ("chat", "doc",
	// "lorebook"); contextual enrichment only applies to doc/lorebook.
	SourceType           string
	ContextualEnrichment bool
	DocumentText         string
	Enricher             *ContextualEnricher
}

// attachKeywords runs C6 extraction over each chunk's text and records the
// result on metadata.keywords (spec.md §3), so C11's keyword boost has
// something to match against at query time.
func attachKeywords(chunks []Chunk, level KeywordLevel, customStopWords map[string]struct{}) {
	if level == "" || level == KeywordLevelOff {
		return
	}
	for i := range chunks {
		kws := ExtractTextKeywords(chunks[i].Text, level, customStopWords)
		if len(kws) == 0 {
			continue
		}
		if chunks[i].Metadata == nil {
			chunks[i].Metadata = map[string]interface{}{}
		}
		chunks[i].Metadata["keywords"] = kws
	}
}

// embedBatchSizeFor returns the per-insertion embedding batch size: 1 for
// local-transformer and ollama, 5 for every other provider (spec.md §4.10
// step 4).
func embedBatchSizeFor(provider string) int {
	switch provider {
	case "local-transformer", "ollama":
		return 1
	default:
		return 5
	}
}

// collectionWorker serializes sync runs for one collection and coalesces
// events that arrive while a run is in flight: the last such event
// triggers exactly one follow-up run after the current one finishes
// (spec.md §4.10's "at-most-one concurrent sync per collection").
type collectionWorker struct {
	mu      sync.Mutex
	running bool
	pending *SyncRequest
}

// SyncController is C10: it diffs a collection's source hashes against its
// stored hashes, batches and embeds insertions, deletes stale chunks, and
// throttles backend calls with a token-bucket rate limiter.
type SyncController struct {
	registry *BackendRegistry
	gateway  *Gateway
	chunker  *SourceChunker
	limiter  *rate.Limiter
	logger   Logger

	mu      sync.Mutex
	workers map[string]*collectionWorker
}

// NewSyncController builds a controller with the default rate limit of 5
// calls per 60s (spec.md §4.10 step 6), configurable via calls/interval.
func NewSyncController(registry *BackendRegistry, gateway *Gateway, chunker *SourceChunker, calls int, interval time.Duration, logger Logger) *SyncController {
	if calls <= 0 {
		calls = 5
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = GlobalLogger
	}
	return &SyncController{
		registry: registry,
		gateway:  gateway,
		chunker:  chunker,
		limiter:  rate.NewLimiter(rate.Every(interval/time.Duration(calls)), calls),
		logger:   logger,
		workers:  make(map[string]*collectionWorker),
	}
}

// Sync runs (or schedules) a sync for req.CollectionID. If a sync for this
// collection is already running, req is recorded as the pending follow-up
// and this call returns immediately; only the most recent pending request
// survives to the follow-up run.
func (sc *SyncController) Sync(ctx context.Context, req SyncRequest) error {
	w := sc.workerFor(req.CollectionID)

	w.mu.Lock()
	if w.running {
		w.pending = &req
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	err := sc.runLoop(ctx, w, req)
	return err
}

func (sc *SyncController) workerFor(collectionID string) *collectionWorker {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	w, ok := sc.workers[collectionID]
	if !ok {
		w = &collectionWorker{}
		sc.workers[collectionID] = w
	}
	return w
}

// runLoop runs req, then any request that coalesced while it ran, until no
// follow-up remains.
func (sc *SyncController) runLoop(ctx context.Context, w *collectionWorker, req SyncRequest) error {
	current := req
	var firstErr error
	for {
		if err := sc.syncOnce(ctx, current); err != nil && firstErr == nil {
			firstErr = err
		}

		w.mu.Lock()
		if w.pending == nil {
			w.running = false
			w.mu.Unlock()
			return firstErr
		}
		current = *w.pending
		w.pending = nil
		w.mu.Unlock()
	}
}

// syncOnce performs one diff/insert/delete pass (spec.md §4.10 steps 1-5).
func (sc *SyncController) syncOnce(ctx context.Context, req SyncRequest) error {
	db, err := sc.registry.Acquire(ctx, req.Backend, req.BackendConfig, true)
	if err != nil {
		return fmt.Errorf("sync %s: acquire backend: %w", req.CollectionID, err)
	}

	if err := sc.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("sync %s: rate limiter: %w", req.CollectionID, err)
	}
	saved, err := db.GetSavedHashes(ctx, req.CollectionID)
	if err != nil {
		sc.registry.Invalidate(req.Backend, err)
		return fmt.Errorf("sync %s: get saved hashes: %w", req.CollectionID, err)
	}

	desired := sc.chunker.Chunk(req.Messages)
	if req.ContextualEnrichment && req.Enricher != nil && shouldEnrich(req.SourceType) {
		enriched, err := req.Enricher.Enrich(ctx, req.DocumentText, desired)
		if err != nil {
			sc.logger.Warn("sync: contextual enrichment failed, embedding un-enriched chunks", "collection", req.CollectionID, "error", err)
		} else {
			desired = enriched
		}
	}
	attachKeywords(desired, req.KeywordLevel, req.CustomStopWords)
	desiredByHash := make(map[uint32]Chunk, len(desired))
	for _, c := range desired {
		desiredByHash[c.Hash] = c
	}
	savedSet := make(map[uint32]struct{}, len(saved))
	for _, h := range saved {
		savedSet[h] = struct{}{}
	}

	var toInsert []Chunk
	for hash, c := range desiredByHash {
		if _, ok := savedSet[hash]; !ok {
			toInsert = append(toInsert, c)
		}
	}
	var toDelete []uint32
	for _, h := range saved {
		if _, ok := desiredByHash[h]; !ok {
			toDelete = append(toDelete, h)
		}
	}

	if len(toDelete) > 0 {
		if err := sc.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := db.Delete(ctx, req.CollectionID, toDelete); err != nil {
			sc.registry.Invalidate(req.Backend, err)
			return fmt.Errorf("sync %s: delete: %w", req.CollectionID, err)
		}
		sc.registry.RecordDelete(req.Backend)
	}

	if len(toInsert) > 0 {
		if err := sc.insertBatched(ctx, db, req, toInsert); err != nil {
			return err
		}
	}

	return nil
}

// MemoryEntry is one piece of conversational memory to persist outside the
// regular diff-sync cycle: a standalone fact or summary recorded immediately
// rather than waiting for the next full Sync pass over req.Messages.
type MemoryEntry struct {
	Text     string
	Metadata map[string]interface{}
}

// StoreMemory embeds and inserts a single MemoryEntry into req's collection,
// reusing the same keyword-attachment and batched-insert path as Sync
// (attachKeywords, insertBatched) without running the full diff against
// req.Messages — syncOnce would otherwise treat every other chunk already in
// the collection as stale and delete it, which is wrong for an incremental
// memory write. It returns the stored chunk's hash.
func (sc *SyncController) StoreMemory(ctx context.Context, req SyncRequest, entry MemoryEntry) (uint32, error) {
	db, err := sc.registry.Acquire(ctx, req.Backend, req.BackendConfig, true)
	if err != nil {
		return 0, fmt.Errorf("store memory %s: acquire backend: %w", req.CollectionID, err)
	}

	chunk := newChunk(entry.Text, 0, entry.Metadata)
	chunks := []Chunk{chunk}
	attachKeywords(chunks, req.KeywordLevel, req.CustomStopWords)

	if err := sc.insertBatched(ctx, db, req, chunks); err != nil {
		return 0, fmt.Errorf("store memory %s: %w", req.CollectionID, err)
	}
	return chunk.Hash, nil
}

// insertBatched embeds and inserts toInsert in provider-sized batches,
// surfacing OOM diagnostics without retrying the failed batch (spec.md
// §4.10 steps 4 and 7).
func (sc *SyncController) insertBatched(ctx context.Context, db VectorDB, req SyncRequest, chunks []Chunk) error {
	batchSize := embedBatchSizeFor(req.Provider)
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		if err := sc.limiter.Wait(ctx); err != nil {
			return err
		}
		vectors, err := sc.gateway.Embed(ctx, req.Provider, req.Model, texts, req.Transport)
		if err != nil {
			var embedErr *EmbedError
			if errors.As(err, &embedErr) && embedErr.Kind == EmbedErrOOM {
				sc.logger.Error("embedding OOM during sync; tune chunk size and skip this batch",
					"collection", req.CollectionID, "provider", req.Provider,
					"batchSize", embedErr.Diagnostics.BatchSize,
					"largestChunkLen", embedErr.Diagnostics.LargestChunkLen,
					"largestChunkIndex", embedErr.Diagnostics.LargestChunkIndex)
				continue
			}
			return fmt.Errorf("sync %s: embed batch: %w", req.CollectionID, err)
		}

		for i := range batch {
			if i < len(vectors) {
				batch[i].Vector = vectors[i]
			}
		}

		if err := sc.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := db.Insert(ctx, req.CollectionID, batch); err != nil {
			sc.registry.Invalidate(req.Backend, err)
			return fmt.Errorf("sync %s: insert batch: %w", req.CollectionID, err)
		}
		sc.registry.RecordInsert(req.Backend)
	}
	return nil
}
