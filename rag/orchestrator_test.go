package rag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyKeywordBoost_GainNeverReachesRawWeightSum(t *testing.T) {
	keywords := []Keyword{{Text: "dragon", Weight: 2.0}, {Text: "castle", Weight: 2.0}}

	oneMatch, count1 := ApplyKeywordBoost(1.0, "a dragon flew", keywords[:1], 0)
	twoMatch, count2 := ApplyKeywordBoost(1.0, "a dragon flew over the castle", keywords, 0)

	assert.Equal(t, 1, count1)
	assert.Equal(t, 2, count2)
	// The diminishing-returns factor (count+1)/(count+2) is always < 1, so
	// the boosted score never reaches the raw sum of matched weights.
	assert.Less(t, oneMatch-1.0, 2.0)
	assert.Less(t, twoMatch-1.0, 4.0)
	// More matches still yields a higher absolute score than fewer.
	assert.Greater(t, twoMatch, oneMatch)
}

func TestApplyKeywordBoost_NoMatchLeavesScoreUnchanged(t *testing.T) {
	score, count := ApplyKeywordBoost(0.5, "nothing relevant here", []Keyword{{Text: "dragon", Weight: 2.0}}, 0)
	assert.Equal(t, 0.5, score)
	assert.Equal(t, 0, count)
}

func TestApplyKeywordBoost_PerTermCapLimitsContribution(t *testing.T) {
	keywords := []Keyword{{Text: "dragon", Weight: 3.0}}
	uncapped, _ := ApplyKeywordBoost(1.0, "the dragon roared", keywords, 0)
	capped, _ := ApplyKeywordBoost(1.0, "the dragon roared", keywords, 0.5)
	assert.Less(t, capped, uncapped)
}

func TestDedupeAgainstActive_DropsByContentAndUID(t *testing.T) {
	frags := []RetrievedFragment{
		{Hash: 1, Text: "Already Injected"},
		{Hash: 2, Text: "fresh content", Metadata: map[string]interface{}{"uid": "abc"}},
		{Hash: 3, Text: "also fresh"},
		{Hash: 3, Text: "also fresh"}, // duplicate hash within the merged set
	}
	active := []ActiveInjection{
		{Content: "already injected"},
		{UID: "abc"},
	}
	out := dedupeAgainstActive(frags, active)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(3), out[0].Hash)
}

func TestOverFetchK_ClampedToRange(t *testing.T) {
	assert.Equal(t, 10, overFetchK(1))
	assert.Equal(t, 20, overFetchK(10))
	assert.Equal(t, 100, overFetchK(1000))
}

func TestSearchContextFrom_LimitsToDepth(t *testing.T) {
	messages := []Message{{Text: "one"}, {Text: "two"}, {Text: "three"}}
	assert.Equal(t, "two\nthree", searchContextFrom(messages, 2))
	assert.Equal(t, "one\ntwo\nthree", searchContextFrom(messages, 0))
}

func TestFormatRAGPayload_WrapsWithXMLTagAndPrefix(t *testing.T) {
	frags := []RetrievedFragment{{Text: "fragment one"}, {Text: "fragment two"}}
	out := formatRAGPayload(frags, "Relevant context:", "vecthare")
	assert.Contains(t, out, "Relevant context:")
	assert.Contains(t, out, "<vecthare>")
	assert.Contains(t, out, "fragment one")
	assert.Contains(t, out, "fragment two")
	assert.Contains(t, out, "</vecthare>")
}

func TestFormatRAGPayload_EmptyReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", formatRAGPayload(nil, "prefix", "tag"))
}

// TestQueryOrchestrator_Retrieve runs the full pipeline end to end against
// the real standard backend: sync a collection, register it, then retrieve.
func TestQueryOrchestrator_Retrieve(t *testing.T) {
	ctx := context.Background()
	registry := NewBackendRegistry(5, time.Minute)
	chunker := NewSourceChunker(ChunkerConfig{Strategy: StrategyPerMessage})
	gateway := NewGateway()
	sc := NewSyncController(registry, gateway, chunker, 1000, time.Second, nil)

	cfg := &Config{Type: "standard"}
	collectionID := "vh:chat:session-orchestrator"
	require.NoError(t, sc.Sync(ctx, SyncRequest{
		CollectionID:  collectionID,
		Backend:       "standard",
		BackendConfig: cfg,
		Provider:      "local-transformer",
		Model:         "test-model",
		KeywordLevel:  KeywordLevelBalanced,
		Messages: []Message{
			{Text: "the ancient dragon slept beneath the castle", Role: "user"},
			{Text: "a merchant sold bread in the market square", Role: "user"},
		},
	}))

	collections := NewCollectionRegistry(nil)
	collections.Register(collectionID, CollectionMetadata{
		ID: collectionID, Backend: "standard", Source: "local-transformer",
		Model: "test-model", Enabled: true,
	})

	orchestrator := NewQueryOrchestrator(registry, collections, gateway, map[string]*Config{"standard": cfg}, nil)

	payload, frags, err := orchestrator.Retrieve(ctx, []Message{
		{Text: "tell me about the dragon beneath the castle"},
	}, RetrievalOptions{
		TopK:                   5,
		ScoreThreshold:         -1,
		QueryDepth:             1,
		KeywordExtractionLevel: KeywordLevelBalanced,
		RAGXMLTag:              "vecthare",
	}, nil, "local-transformer", "test-model", Transport{})

	require.NoError(t, err)
	require.NotEmpty(t, frags)
	assert.Contains(t, payload, "<vecthare>")
}

func TestQueryOrchestrator_Retrieve_NoEligibleCollectionsReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	registry := NewBackendRegistry(5, time.Minute)
	gateway := NewGateway()
	collections := NewCollectionRegistry(nil) // nothing registered

	orchestrator := NewQueryOrchestrator(registry, collections, gateway, nil, nil)
	payload, frags, err := orchestrator.Retrieve(ctx, []Message{{Text: "anything"}}, RetrievalOptions{TopK: 5}, nil, "local-transformer", "test-model", Transport{})

	require.NoError(t, err)
	assert.Empty(t, frags)
	assert.Empty(t, payload)
}
