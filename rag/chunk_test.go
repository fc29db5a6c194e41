package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSourceChunker_AdaptiveDefaultsToTikTokenCounter(t *testing.T) {
	sc := NewSourceChunker(ChunkerConfig{Strategy: StrategyAdaptive})
	_, ok := sc.cfg.TokenCounter.(*TikTokenCounter)
	assert.True(t, ok, "adaptive strategy should default to a TikTokenCounter")
}

func TestNewSourceChunker_PerMessageKeepsDefaultTokenCounter(t *testing.T) {
	sc := NewSourceChunker(ChunkerConfig{Strategy: StrategyPerMessage})
	_, ok := sc.cfg.TokenCounter.(*DefaultTokenCounter)
	assert.True(t, ok, "non-adaptive strategies should keep the word-count counter")
}

func TestNewSourceChunker_ExplicitTokenCounterOverridesAdaptiveDefault(t *testing.T) {
	custom := &DefaultTokenCounter{}
	sc := NewSourceChunker(ChunkerConfig{Strategy: StrategyAdaptive, TokenCounter: custom})
	assert.Same(t, custom, sc.cfg.TokenCounter)
}

func TestTikTokenCounter_CountsEncodedTokens(t *testing.T) {
	ttc, err := NewTikTokenCounter("cl100k_base")
	require.NoError(t, err)
	assert.Greater(t, ttc.Count("the dragon flew over the ancient castle"), 0)
}

func TestSourceChunker_PerMessageHashesEachMessage(t *testing.T) {
	sc := NewSourceChunker(ChunkerConfig{Strategy: StrategyPerMessage})
	chunks := sc.Chunk([]Message{
		{Text: "the dragon flew over the castle", Role: "user"},
		{Text: "the knight drew his sword", Role: "assistant"},
	})
	require.Len(t, chunks, 2)
	assert.NotEqual(t, chunks[0].Hash, chunks[1].Hash)
}
