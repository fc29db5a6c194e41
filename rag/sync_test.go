package rag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSyncController(t *testing.T) (*SyncController, *BackendRegistry) {
	t.Helper()
	registry := NewBackendRegistry(5, time.Minute)
	chunker := NewSourceChunker(ChunkerConfig{Strategy: StrategyPerMessage})
	gateway := NewGateway()
	sc := NewSyncController(registry, gateway, chunker, 1000, time.Second, nil)
	return sc, registry
}

func TestAttachKeywords_OffLeavesMetadataUntouched(t *testing.T) {
	chunks := []Chunk{{Hash: 1, Text: "dragon dragon dragon castle"}}
	attachKeywords(chunks, KeywordLevelOff, nil)
	assert.Nil(t, chunks[0].Metadata)
}

func TestAttachKeywords_PopulatesMetadataKeywords(t *testing.T) {
	chunks := []Chunk{{Hash: 1, Text: "dragon dragon dragon castle knight"}}
	attachKeywords(chunks, KeywordLevelBalanced, nil)
	require.NotNil(t, chunks[0].Metadata)
	kws, ok := chunks[0].Metadata["keywords"].([]Keyword)
	require.True(t, ok)
	assert.NotEmpty(t, kws)
}

func TestEmbedBatchSizeFor(t *testing.T) {
	assert.Equal(t, 1, embedBatchSizeFor("local-transformer"))
	assert.Equal(t, 1, embedBatchSizeFor("ollama"))
	assert.Equal(t, 5, embedBatchSizeFor("openai"))
}

func TestSyncController_InsertsNewAndDeletesStale(t *testing.T) {
	sc, registry := newTestSyncController(t)
	ctx := context.Background()
	cfg := &Config{Type: "standard"}

	req := SyncRequest{
		CollectionID:  "vh:chat:session-1",
		Backend:       "standard",
		BackendConfig: cfg,
		Provider:      "local-transformer",
		Model:         "test-model",
		Messages: []Message{
			{Text: "the dragon flew over the castle", Role: "user"},
			{Text: "the knight drew his sword", Role: "assistant"},
		},
	}

	require.NoError(t, sc.Sync(ctx, req))

	db, err := registry.Acquire(ctx, "standard", cfg, true)
	require.NoError(t, err)
	hashes, err := db.GetSavedHashes(ctx, req.CollectionID)
	require.NoError(t, err)
	assert.Len(t, hashes, 2)

	// A second sync with one message removed deletes the stale chunk.
	req.Messages = req.Messages[:1]
	require.NoError(t, sc.Sync(ctx, req))

	hashes, err = db.GetSavedHashes(ctx, req.CollectionID)
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}

func TestSyncController_IsIdempotentOnUnchangedInput(t *testing.T) {
	sc, registry := newTestSyncController(t)
	ctx := context.Background()
	cfg := &Config{Type: "standard"}

	req := SyncRequest{
		CollectionID:  "vh:chat:session-2",
		Backend:       "standard",
		BackendConfig: cfg,
		Provider:      "local-transformer",
		Model:         "test-model",
		Messages: []Message{
			{Text: "a recurring message", Role: "user"},
		},
	}

	require.NoError(t, sc.Sync(ctx, req))
	require.NoError(t, sc.Sync(ctx, req))

	db, err := registry.Acquire(ctx, "standard", cfg, true)
	require.NoError(t, err)
	hashes, err := db.GetSavedHashes(ctx, req.CollectionID)
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}

func TestSyncController_AttachesKeywordsBeforeInsert(t *testing.T) {
	sc, registry := newTestSyncController(t)
	ctx := context.Background()
	cfg := &Config{Type: "standard"}

	req := SyncRequest{
		CollectionID:   "vh:chat:session-3",
		Backend:        "standard",
		BackendConfig:  cfg,
		Provider:       "local-transformer",
		Model:          "test-model",
		KeywordLevel:   KeywordLevelBalanced,
		Messages: []Message{
			{Text: "dragon dragon dragon flew over the ancient castle", Role: "user"},
		},
	}

	require.NoError(t, sc.Sync(ctx, req))

	db, err := registry.Acquire(ctx, "standard", cfg, true)
	require.NoError(t, err)
	result, err := db.QueryCollection(ctx, req.CollectionID, make([]float64, 384), 10, -1)
	require.NoError(t, err)
	require.NotEmpty(t, result.Metadata)
	_, ok := result.Metadata[0]["keywords"]
	assert.True(t, ok)
}

func TestSyncController_StoreMemory_InsertsWithoutDeletingExisting(t *testing.T) {
	sc, registry := newTestSyncController(t)
	ctx := context.Background()
	cfg := &Config{Type: "standard"}

	req := SyncRequest{
		CollectionID:  "vh:chat:session-4",
		Backend:       "standard",
		BackendConfig: cfg,
		Provider:      "local-transformer",
		Model:         "test-model",
		KeywordLevel:  KeywordLevelBalanced,
		Messages: []Message{
			{Text: "the dragon flew over the castle", Role: "user"},
		},
	}
	require.NoError(t, sc.Sync(ctx, req))

	hash, err := sc.StoreMemory(ctx, req, MemoryEntry{Text: "the knight remembers the dragon's name"})
	require.NoError(t, err)
	assert.NotZero(t, hash)

	db, err := registry.Acquire(ctx, "standard", cfg, true)
	require.NoError(t, err)
	hashes, err := db.GetSavedHashes(ctx, req.CollectionID)
	require.NoError(t, err)
	assert.Len(t, hashes, 2)
	assert.Contains(t, hashes, hash)
}

func TestSyncController_StoreMemory_AttachesKeywords(t *testing.T) {
	sc, registry := newTestSyncController(t)
	ctx := context.Background()
	cfg := &Config{Type: "standard"}

	req := SyncRequest{
		CollectionID:  "vh:chat:session-5",
		Backend:       "standard",
		BackendConfig: cfg,
		Provider:      "local-transformer",
		Model:         "test-model",
		KeywordLevel:  KeywordLevelBalanced,
	}

	hash, err := sc.StoreMemory(ctx, req, MemoryEntry{Text: "dragon dragon dragon flew over the ancient castle"})
	require.NoError(t, err)

	db, err := registry.Acquire(ctx, "standard", cfg, true)
	require.NoError(t, err)
	result, err := db.QueryCollection(ctx, req.CollectionID, make([]float64, 384), 10, -1)
	require.NoError(t, err)
	require.NotEmpty(t, result.Metadata)
	idx := -1
	for i, h := range result.Hashes {
		if h == hash {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 0)
	_, ok := result.Metadata[idx]["keywords"]
	assert.True(t, ok)
}
