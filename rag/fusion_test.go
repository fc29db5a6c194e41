package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseRRF_OutputInZeroToOne(t *testing.T) {
	vector := []RankedItem{{Hash: 1}, {Hash: 2}, {Hash: 3}}
	text := []RankedItem{{Hash: 2}, {Hash: 4}}

	out := FuseRRF(vector, text, DefaultRRFConstant)
	require.NotEmpty(t, out)
	for _, r := range out {
		assert.Greater(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestFuseRRF_BestRankEverywhereScoresOne(t *testing.T) {
	vector := []RankedItem{{Hash: 1}}
	text := []RankedItem{{Hash: 1}}

	out := FuseRRF(vector, text, DefaultRRFConstant)
	require.Len(t, out, 1)
	assert.InDelta(t, 1.0, out[0].Score, 1e-9)
}

func TestFuseRRF_RanksRecorded(t *testing.T) {
	vector := []RankedItem{{Hash: 1}, {Hash: 2}}
	text := []RankedItem{{Hash: 2}, {Hash: 1}}

	out := FuseRRF(vector, text, 0)
	byHash := map[uint32]FusedResult{}
	for _, r := range out {
		byHash[r.Hash] = r
	}
	assert.Equal(t, 1, byHash[1].Ranks.Vector)
	assert.Equal(t, 2, byHash[1].Ranks.Text)
	assert.Equal(t, 2, byHash[2].Ranks.Vector)
	assert.Equal(t, 1, byHash[2].Ranks.Text)
}

func TestFuseWeighted_PureVectorReproducesDenseOrder(t *testing.T) {
	vector := []RankedItem{
		{Hash: 1, Score: 0.9},
		{Hash: 2, Score: 0.5},
		{Hash: 3, Score: 0.1},
	}
	text := []RankedItem{
		{Hash: 3, Score: 5.0},
		{Hash: 2, Score: 1.0},
		{Hash: 1, Score: 0.2},
	}

	out := FuseWeighted(vector, text, 1.0, 0.0)
	require.Len(t, out, 3)
	assert.Equal(t, uint32(1), out[0].Hash)
	assert.Equal(t, uint32(2), out[1].Hash)
	assert.Equal(t, uint32(3), out[2].Hash)
}

func TestFuseWeighted_MissingFromOneListScoresZeroOnThatComponent(t *testing.T) {
	vector := []RankedItem{{Hash: 1, Score: 1.0}, {Hash: 2, Score: 0.0}}
	text := []RankedItem{{Hash: 1, Score: 2.0}}

	out := FuseWeighted(vector, text, 0.5, 0.5)
	byHash := map[uint32]FusedResult{}
	for _, r := range out {
		byHash[r.Hash] = r
	}
	assert.Equal(t, 0.0, byHash[2].TextScore)
}

func TestMinMaxNormalize_ConstantListMapsToOne(t *testing.T) {
	list := []RankedItem{{Hash: 1, Score: 0.5}, {Hash: 2, Score: 0.5}}
	out := minMaxNormalize(list)
	assert.Equal(t, 1.0, out[1])
	assert.Equal(t, 1.0, out[2])
}

func TestFuseRRF_EmptyListsReturnNil(t *testing.T) {
	assert.Nil(t, FuseRRF(nil, nil, 60))
}
