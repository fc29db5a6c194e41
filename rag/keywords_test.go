package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTextKeywords_Off(t *testing.T) {
	kws := ExtractTextKeywords("anything at all", KeywordLevelOff, nil)
	assert.Nil(t, kws)
}

func TestExtractTextKeywords_DropsStopWordsAndShortTokens(t *testing.T) {
	text := "the dragon flew over the castle and the dragon roared"
	kws := ExtractTextKeywords(text, KeywordLevelBalanced, nil)
	require.NotEmpty(t, kws)
	for _, kw := range kws {
		assert.NotEqual(t, "the", kw.Text)
		assert.NotEqual(t, "and", kw.Text)
	}
	found := false
	for _, kw := range kws {
		if kw.Text == "dragon" {
			found = true
			assert.Greater(t, kw.Weight, 1.0)
		}
	}
	assert.True(t, found, "expected repeated term 'dragon' to survive extraction")
}

func TestExtractTextKeywords_RespectsMaxKeywordsPerLevel(t *testing.T) {
	text := ""
	for i := 0; i < 50; i++ {
		text += "alpha beta gamma delta epsilon zeta eta theta iota kappa "
	}
	kws := ExtractTextKeywords(text, KeywordLevelMinimal, nil)
	assert.LessOrEqual(t, len(kws), levelConfigs[KeywordLevelMinimal].maxKeywords)
}

func TestExtractTextKeywords_WeightClampedToRange(t *testing.T) {
	text := ""
	for i := 0; i < 100; i++ {
		text += "recurring "
	}
	kws := ExtractTextKeywords(text, KeywordLevelAggressive, nil)
	require.NotEmpty(t, kws)
	for _, kw := range kws {
		assert.GreaterOrEqual(t, kw.Weight, 1.0)
		assert.LessOrEqual(t, kw.Weight, 3.0)
	}
}

func TestExtractTextKeywords_CustomStopWordsHonored(t *testing.T) {
	custom := ParseCustomStopWords("dragon, castle")
	kws := ExtractTextKeywords("dragon dragon castle castle knight knight", KeywordLevelBalanced, custom)
	for _, kw := range kws {
		assert.NotEqual(t, "dragon", kw.Text)
		assert.NotEqual(t, "castle", kw.Text)
	}
}

func TestParseCustomStopWords_EmptyReturnsNil(t *testing.T) {
	assert.Nil(t, ParseCustomStopWords(""))
}

func TestExtractLorebookKeywords_DedupesAndWeighsPrimaryHigher(t *testing.T) {
	kws := ExtractLorebookKeywords([]string{"Dragon", "dragon"}, []string{"beast"}, nil)
	require.Len(t, kws, 2)
	byText := map[string]Keyword{}
	for _, kw := range kws {
		byText[kw.Text] = kw
	}
	assert.Greater(t, byText["dragon"].Weight, byText["beast"].Weight)
}

func TestExtractChatKeywords_IgnoresSentenceInitialCapitals(t *testing.T) {
	text := "The Dragon roared. Then Aria drew her sword."
	kws := ExtractChatKeywords(text, KeywordLevelBalanced)
	byText := map[string]bool{}
	for _, kw := range kws {
		byText[kw.Text] = true
	}
	assert.True(t, byText["dragon"])
	assert.True(t, byText["aria"])
	assert.False(t, byText["the"])
	assert.False(t, byText["then"])
}

func TestExtractSmartKeywords_FavorsEarlyEntities(t *testing.T) {
	text := "Aria stood at the gate. the gate the gate the gate the gate was old."
	kws := ExtractSmartKeywords(text, KeywordLevelBalanced)
	require.NotEmpty(t, kws)
	byText := map[string]float64{}
	for _, kw := range kws {
		byText[kw.Text] = kw.Weight
	}
	// "aria" (first token) and "old" (last token) each occur once; only
	// their position differs.
	assert.Greater(t, byText["aria"], byText["old"])
}

func TestExtractBM25Keywords_CapitalizationBoost(t *testing.T) {
	// "Dragon" and "castle" each occur once in ten tokens; only the
	// capital differs, so only the boost can separate their weights.
	text := "Dragon castle the the the the the the the the"
	kws := ExtractBM25Keywords(text, KeywordLevelBalanced)
	require.NotEmpty(t, kws)
	byText := map[string]float64{}
	for _, kw := range kws {
		byText[kw.Text] = kw.Weight
	}
	assert.Greater(t, byText["dragon"], byText["castle"])
}
