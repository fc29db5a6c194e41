// File: keywords.go
package rag

import (
	"regexp"
	"sort"
	"strings"
)

// KeywordLevel is the C6 extraction level enumerated in spec.md §4.6.
type KeywordLevel string

const (
	KeywordLevelOff        KeywordLevel = "off"
	KeywordLevelMinimal    KeywordLevel = "minimal"
	KeywordLevelBalanced   KeywordLevel = "balanced"
	KeywordLevelAggressive KeywordLevel = "aggressive"
)

// levelConfig carries the per-level knobs from spec.md §4.6's table.
type levelConfig struct {
	headerScan   int // characters scanned; 0 means the full text
	maxKeywords  int
	minFrequency int
}

var levelConfigs = map[KeywordLevel]levelConfig{
	KeywordLevelOff:        {0, 0, 0},
	KeywordLevelMinimal:    {500, 3, 1},
	KeywordLevelBalanced:   {1000, 8, 1},
	KeywordLevelAggressive: {0, 15, 1},
}

// Keyword is a weighted term attached to a chunk's metadata.keywords.
type Keyword struct {
	Text   string
	Weight float64
}

var (
	possessivePattern  = regexp.MustCompile(`'s\b`)
	parentheticalPattern = regexp.MustCompile(`\([^)]*\)`)
	italicPattern      = regexp.MustCompile(`[*_]([^*_]+)[*_]`)
	wordPattern        = regexp.MustCompile(`[A-Za-z][A-Za-z'-]*`)
	acronymPattern     = regexp.MustCompile(`^[A-Z]{2,5}$`)
)

// scanWindow returns the slice of text the level's header-scan window
// covers, or the whole text when the window is 0 (full-text levels).
func scanWindow(text string, cfg levelConfig) string {
	if cfg.headerScan == 0 || len(text) <= cfg.headerScan {
		return text
	}
	return text[:cfg.headerScan]
}

// cleanText removes possessive suffixes, parenthetical asides, and markdown
// italics before tokenization, per spec.md §4.6's frequency-variant steps.
func cleanText(text string) string {
	text = italicPattern.ReplaceAllString(text, "$1")
	text = parentheticalPattern.ReplaceAllString(text, " ")
	text = possessivePattern.ReplaceAllString(text, "")
	return text
}

func clampWeight(w float64) float64 {
	if w < 1.0 {
		return 1.0
	}
	if w > 3.0 {
		return 3.0
	}
	return w
}

func sortKeywordsDesc(kws []Keyword) {
	sort.Slice(kws, func(i, j int) bool {
		if kws[i].Weight != kws[j].Weight {
			return kws[i].Weight > kws[j].Weight
		}
		return kws[i].Text < kws[j].Text
	})
}

func truncateKeywords(kws []Keyword, max int) []Keyword {
	if max > 0 && len(kws) > max {
		return kws[:max]
	}
	return kws
}

// ExtractTextKeywords is the frequency-based variant (`extractTextKeywords`,
// spec.md §4.6): counts tokens after stop-word removal and case-folding,
// and assigns weight = baseWeight + f(frequency), clamped to [1.0, 3.0].
func ExtractTextKeywords(text string, level KeywordLevel, customStopWords map[string]struct{}) []Keyword {
	cfg, ok := levelConfigs[level]
	if !ok || level == KeywordLevelOff {
		return nil
	}
	window := scanWindow(cleanText(text), cfg)
	counts := map[string]int{}
	originalCase := map[string]string{}
	for _, tok := range wordPattern.FindAllString(window, -1) {
		lower := strings.ToLower(tok)
		if len(lower) < 2 {
			continue
		}
		if isStopWord(lower, customStopWords) {
			continue
		}
		counts[lower]++
		if _, seen := originalCase[lower]; !seen {
			originalCase[lower] = tok
		}
	}
	kws := make([]Keyword, 0, len(counts))
	for term, freq := range counts {
		if freq < cfg.minFrequency {
			continue
		}
		weight := clampWeight(1.0 + float64(freq-1)*0.35)
		kws = append(kws, Keyword{Text: term, Weight: weight})
	}
	sortKeywordsDesc(kws)
	return truncateKeywords(kws, cfg.maxKeywords)
}

var keywordStopWords = DefaultStopWords()

func isStopWord(lower string, custom map[string]struct{}) bool {
	if _, ok := keywordStopWords[lower]; ok {
		return true
	}
	if custom != nil {
		if _, ok := custom[lower]; ok {
			return true
		}
	}
	return false
}

// ParseCustomStopWords splits a comma-separated stop-word string into a
// lookup set, lower-cased and trimmed (spec.md §4.6).
func ParseCustomStopWords(csv string) map[string]struct{} {
	if csv == "" {
		return nil
	}
	out := map[string]struct{}{}
	for _, w := range strings.Split(csv, ",") {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			out[w] = struct{}{}
		}
	}
	return out
}

// ExtractBM25Keywords is the TF-IDF variant (`extractBM25Keywords`,
// spec.md §4.6): scores within the document as an implicit single-document
// corpus and applies a capitalization boost.
func ExtractBM25Keywords(text string, level KeywordLevel) []Keyword {
	cfg, ok := levelConfigs[level]
	if !ok || level == KeywordLevelOff {
		return nil
	}
	window := scanWindow(text, cfg)
	tokens := wordPattern.FindAllString(window, -1)
	total := len(tokens)
	if total == 0 {
		return nil
	}
	counts := map[string]int{}
	capitalized := map[string]bool{}
	for _, tok := range tokens {
		lower := strings.ToLower(tok)
		if len(lower) < 2 || isStopWord(lower, nil) {
			continue
		}
		counts[lower]++
		if tok[0] >= 'A' && tok[0] <= 'Z' {
			capitalized[lower] = true
		}
	}
	kws := make([]Keyword, 0, len(counts))
	for term, freq := range counts {
		if freq < cfg.minFrequency {
			continue
		}
		tf := float64(freq) / float64(total)
		idf := 1.0 + (1.0 / float64(freq)) // rarer-within-doc terms score higher
		weight := tf * idf * 10
		if capitalized[term] {
			weight *= 1.25
		}
		kws = append(kws, Keyword{Text: term, Weight: clampWeight(weight)})
	}
	sortKeywordsDesc(kws)
	return truncateKeywords(kws, cfg.maxKeywords)
}

// ExtractSmartKeywords adds entity detection (proper nouns, acronyms) and a
// position weight favoring early occurrences (`extractSmartKeywords`,
// spec.md §4.6).
func ExtractSmartKeywords(text string, level KeywordLevel) []Keyword {
	cfg, ok := levelConfigs[level]
	if !ok || level == KeywordLevelOff {
		return nil
	}
	window := scanWindow(text, cfg)
	tokens := wordPattern.FindAllString(window, -1)
	total := len(tokens)
	if total == 0 {
		return nil
	}
	type agg struct {
		freq       int
		entity     bool
		firstIndex int
	}
	stats := map[string]*agg{}
	for i, tok := range tokens {
		lower := strings.ToLower(tok)
		if len(lower) < 2 || isStopWord(lower, nil) {
			continue
		}
		a, ok := stats[lower]
		if !ok {
			a = &agg{firstIndex: i}
			stats[lower] = a
		}
		a.freq++
		if acronymPattern.MatchString(tok) || (tok[0] >= 'A' && tok[0] <= 'Z' && i > 0) {
			a.entity = true
		}
	}
	kws := make([]Keyword, 0, len(stats))
	for term, a := range stats {
		if a.freq < cfg.minFrequency {
			continue
		}
		weight := 1.0 + float64(a.freq-1)*0.3
		if a.entity {
			weight += 0.5
		}
		positionWeight := 1.0 - float64(a.firstIndex)/float64(total)
		weight += positionWeight * 0.5
		kws = append(kws, Keyword{Text: term, Weight: clampWeight(weight)})
	}
	sortKeywordsDesc(kws)
	return truncateKeywords(kws, cfg.maxKeywords)
}

// ExtractChatKeywords picks proper nouns that are not at the start of
// their sentence (`extractChatKeywords`, spec.md §4.6) — a sentence-initial
// capital is just grammar, not a signal of entity-ness.
func ExtractChatKeywords(text string, level KeywordLevel) []Keyword {
	cfg, ok := levelConfigs[level]
	if !ok || level == KeywordLevelOff {
		return nil
	}
	window := scanWindow(text, cfg)
	counts := map[string]int{}
	for _, sentence := range DefaultSentenceSplitter(window) {
		words := wordPattern.FindAllString(sentence, -1)
		for i, tok := range words {
			if i == 0 {
				continue
			}
			if tok[0] < 'A' || tok[0] > 'Z' {
				continue
			}
			lower := strings.ToLower(tok)
			if len(lower) < 2 || isStopWord(lower, nil) {
				continue
			}
			counts[lower]++
		}
	}
	kws := make([]Keyword, 0, len(counts))
	for term, freq := range counts {
		if freq < cfg.minFrequency {
			continue
		}
		kws = append(kws, Keyword{Text: term, Weight: clampWeight(1.5 + float64(freq-1)*0.3)})
	}
	sortKeywordsDesc(kws)
	return truncateKeywords(kws, cfg.maxKeywords)
}

// ExtractLorebookKeywords derives keywords from a lorebook entry's primary
// and secondary key lists (`extractLorebookKeywords`, spec.md §4.6):
// lowercased, deduplicated, length >= 2, stop-words removed (custom
// stop-words honoured after the host's macro substitution has already run
// on the input lists).
func ExtractLorebookKeywords(keys, keysSecondary []string, customStopWords map[string]struct{}) []Keyword {
	seen := map[string]struct{}{}
	kws := make([]Keyword, 0, len(keys)+len(keysSecondary))
	add := func(list []string, weight float64) {
		for _, k := range list {
			lower := strings.ToLower(strings.TrimSpace(k))
			if len(lower) < 2 {
				continue
			}
			if isStopWord(lower, customStopWords) {
				continue
			}
			if _, dup := seen[lower]; dup {
				continue
			}
			seen[lower] = struct{}{}
			kws = append(kws, Keyword{Text: lower, Weight: weight})
		}
	}
	add(keys, 2.0)
	add(keysSecondary, 1.5)
	return kws
}
