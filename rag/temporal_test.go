package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatItem(hash uint32, score float64, messageID int) RankedItem {
	return RankedItem{
		Hash:     hash,
		Score:    score,
		Metadata: map[string]interface{}{"source": "chat", "messageId": messageID},
	}
}

func TestApplyTemporalWeighting_NonChatPassesThrough(t *testing.T) {
	results := []RankedItem{{Hash: 1, Score: 0.8, Metadata: map[string]interface{}{"source": "doc"}}}
	d := DecaySettings{Enabled: true, Type: "decay", Mode: "exponential", HalfLife: 10, MinRelevance: 0.1}

	out := ApplyTemporalWeighting(results, d, 100, nil)
	require.Len(t, out, 1)
	assert.Equal(t, 0.8, out[0].Score)
	assert.False(t, out[0].DecayApplied)
}

func TestApplyTemporalWeighting_TemporallyBlindImmune(t *testing.T) {
	results := []RankedItem{{
		Hash: 1, Score: 0.8,
		Metadata: map[string]interface{}{"source": "chat", "messageId": 0, "temporallyBlind": true},
	}}
	d := DecaySettings{Enabled: true, Type: "decay", Mode: "exponential", HalfLife: 10, MinRelevance: 0.1}

	out := ApplyTemporalWeighting(results, d, 1000, nil)
	require.Len(t, out, 1)
	assert.Equal(t, 0.8, out[0].Score)
	assert.True(t, out[0].TemporallyBlind)
}

func TestApplyTemporalWeighting_DecayReducesOlderScores(t *testing.T) {
	results := []RankedItem{
		chatItem(1, 1.0, 100), // age 0
		chatItem(2, 1.0, 0),   // age 100
	}
	d := DecaySettings{Enabled: true, Type: "decay", Mode: "exponential", HalfLife: 50, MinRelevance: 0.01}

	out := ApplyTemporalWeighting(results, d, 100, nil)
	byHash := map[uint32]WeightedResult{}
	for _, r := range out {
		byHash[r.Hash] = r
	}
	assert.Equal(t, 1.0, byHash[1].Score)
	assert.Less(t, byHash[2].Score, byHash[1].Score)
	assert.True(t, byHash[2].DecayApplied)
}

func TestApplyTemporalWeighting_DecayRespectsMinRelevanceFloor(t *testing.T) {
	results := []RankedItem{chatItem(1, 1.0, 0)}
	d := DecaySettings{Enabled: true, Type: "decay", Mode: "exponential", HalfLife: 1, MinRelevance: 0.3}

	out := ApplyTemporalWeighting(results, d, 10000, nil)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.3, out[0].Score, 1e-9)
}

func TestApplyTemporalWeighting_NostalgiaBoostsOlderScores(t *testing.T) {
	results := []RankedItem{
		chatItem(1, 1.0, 100), // age 0
		chatItem(2, 1.0, 0),   // age 100
	}
	d := DecaySettings{Enabled: true, Type: "nostalgia", Mode: "exponential", HalfLife: 50, MaxBoost: 2.0}

	out := ApplyTemporalWeighting(results, d, 100, nil)
	byHash := map[uint32]WeightedResult{}
	for _, r := range out {
		byHash[r.Hash] = r
	}
	assert.Equal(t, 1.0, byHash[1].Score)
	assert.Greater(t, byHash[2].Score, byHash[1].Score)
	assert.LessOrEqual(t, byHash[2].Score, 2.0)
	assert.True(t, byHash[2].NostalgiaApplied)
}

func TestApplyTemporalWeighting_LinearMode(t *testing.T) {
	results := []RankedItem{chatItem(1, 1.0, 0)}
	d := DecaySettings{Enabled: true, Type: "decay", Mode: "linear", LinearRate: 0.1, MinRelevance: 0.0}

	out := ApplyTemporalWeighting(results, d, 5, nil)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.5, out[0].Score, 1e-9)
}

func TestNearestSceneAge_CurrentSceneUsesRawDistance(t *testing.T) {
	scenes := []SceneRange{{Start: 0, End: 10}, {Start: 10, End: -1}}
	age, sceneAware := nearestSceneAge(scenes, 15, 20)
	assert.Equal(t, 5, age)
	assert.False(t, sceneAware)
}

func TestNearestSceneAge_PastSceneMeasuresFromBoundary(t *testing.T) {
	scenes := []SceneRange{{Start: 0, End: 10}, {Start: 10, End: -1}}
	age, sceneAware := nearestSceneAge(scenes, 5, 30)
	assert.Equal(t, 20, age) // 30 - boundary(10)
	assert.True(t, sceneAware)
}
