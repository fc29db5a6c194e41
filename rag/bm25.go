// File: bm25.go
package rag

import (
	"math"
	"regexp"
	"strings"
	"sync"
)

// BM25Config parameterizes C7's BM25+ scorer (spec.md §4.7). Delta is the
// floor term that distinguishes BM25+ from classic BM25: it keeps long
// documents with a single matching term from scoring at or near zero.
type BM25Config struct {
	K1            float64
	B             float64
	Delta         float64
	SublinearTF   bool
	CoverageBonus float64 // multiplier applied when every query token matches
	FieldBoosts   map[string]float64
	Stemming      bool // if false, tokens are matched verbatim (no stopwords either)
	StopWords     map[string]struct{}
}

// DefaultBM25Config matches spec.md §4.7's defaults.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		K1:            1.5,
		B:             0.75,
		Delta:         0.5,
		SublinearTF:   true,
		CoverageBonus: 1.1,
		Stemming:      true,
		StopWords:     DefaultStopWords(),
	}
}

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9']+`)

type bm25Document struct {
	Hash     uint32
	TermFreq map[string]int
	Length   int
	Metadata map[string]interface{}
}

// BM25Index is C7: an in-memory inverted index scoring chunks against a
// query with BM25+. Grounded on the teacher's classic BM25Index, extended
// with the delta floor, sublinear term frequency, coverage bonus, field
// boosting and a stemming-aware tokenizer.
type BM25Index struct {
	mu          sync.RWMutex
	cfg         BM25Config
	docs        map[uint32]*bm25Document
	docFreq     map[string]int
	totalLength int
}

func NewBM25Index(cfg BM25Config) *BM25Index {
	if cfg.K1 == 0 {
		cfg.K1 = 1.5
	}
	if cfg.B == 0 {
		cfg.B = 0.75
	}
	if cfg.StopWords == nil && cfg.Stemming {
		cfg.StopWords = DefaultStopWords()
	}
	return &BM25Index{
		cfg:     cfg,
		docs:    make(map[uint32]*bm25Document),
		docFreq: make(map[string]int),
	}
}

// tokenize lowercases, splits on non-alphanumerics, and — when Stemming is
// enabled — drops stopwords and reduces remaining tokens with PorterStem.
// With Stemming off, tokens pass through verbatim (no stopword removal):
// the "simple" mode spec.md §4.7 calls for exact-match keyword collections.
func (idx *BM25Index) tokenize(text string) []string {
	raw := tokenPattern.FindAllString(strings.ToLower(text), -1)
	if !idx.cfg.Stemming {
		return raw
	}
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		if _, stop := idx.cfg.StopWords[t]; stop {
			continue
		}
		out = append(out, PorterStem(t))
	}
	return out
}

// Add indexes a chunk's text, replacing any prior entry for the same hash.
func (idx *BM25Index) Add(chunk Chunk) {
	tokens := idx.tokenize(chunk.Text)
	tf := make(map[string]int, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if old, ok := idx.docs[chunk.Hash]; ok {
		idx.removeLocked(old)
	}
	doc := &bm25Document{Hash: chunk.Hash, TermFreq: tf, Length: len(tokens), Metadata: chunk.Metadata}
	idx.docs[chunk.Hash] = doc
	for term := range tf {
		idx.docFreq[term]++
	}
	idx.totalLength += doc.Length
}

func (idx *BM25Index) Remove(hash uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if doc, ok := idx.docs[hash]; ok {
		idx.removeLocked(doc)
	}
}

// removeLocked must be called with idx.mu held.
func (idx *BM25Index) removeLocked(doc *bm25Document) {
	for term := range doc.TermFreq {
		idx.docFreq[term]--
		if idx.docFreq[term] <= 0 {
			delete(idx.docFreq, term)
		}
	}
	idx.totalLength -= doc.Length
	delete(idx.docs, doc.Hash)
}

func (idx *BM25Index) avgDocLength() float64 {
	if len(idx.docs) == 0 {
		return 0
	}
	return float64(idx.totalLength) / float64(len(idx.docs))
}

// idf is the smoothed BM25 inverse document frequency, log((n-df+0.5)/(df+0.5)
// + 1): the +1 keeps it positive even for a term present in every document,
// and a term absent from the index scores 0.
func (idx *BM25Index) idf(term string) float64 {
	n := float64(len(idx.docs))
	df := float64(idx.docFreq[term])
	if df == 0 {
		return 0
	}
	v := math.Log((n-df+0.5)/(df+0.5) + 1)
	if v < 0 {
		return 0
	}
	return v
}

// Search scores every indexed document against the query text and returns
// the topK by score descending, as a QueryResult (spec.md §4.7's output
// shape matches C2's QueryResult so C8 fusion can treat both uniformly).
func (idx *BM25Index) Search(query string, topK int) QueryResult {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	queryTokens := idx.tokenize(query)
	if len(queryTokens) == 0 || len(idx.docs) == 0 {
		return QueryResult{}
	}
	queryTF := make(map[string]int, len(queryTokens))
	for _, t := range queryTokens {
		queryTF[t]++
	}
	uniqueQueryTerms := len(queryTF)
	avgDL := idx.avgDocLength()

	type scored = struct {
		hash  uint32
		score float64
		meta  map[string]interface{}
	}
	var results []scored

	for _, doc := range idx.docs {
		var score float64
		matched := 0
		for term := range queryTF {
			tf, ok := doc.TermFreq[term]
			if !ok {
				continue
			}
			matched++
			tfComponent := float64(tf)
			if idx.cfg.SublinearTF {
				tfComponent = 1 + math.Log(tfComponent)
			}
			idf := idx.idf(term)
			norm := tfComponent * (idx.cfg.K1 + 1) /
				(tfComponent + idx.cfg.K1*(1-idx.cfg.B+idx.cfg.B*float64(doc.Length)/maxFloat(avgDL, 1)))
			score += idf * (norm + idx.cfg.Delta)
		}
		if score <= 0 {
			continue
		}
		if matched == uniqueQueryTerms && idx.cfg.CoverageBonus > 0 {
			score *= idx.cfg.CoverageBonus
		}
		if boost, ok := idx.cfg.FieldBoosts[fieldOf(doc.Metadata)]; ok {
			score *= boost
		}
		results = append(results, scored{hash: doc.Hash, score: score, meta: doc.Metadata})
	}

	sortScoredDesc(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}

	out := QueryResult{}
	for _, r := range results {
		out.Hashes = append(out.Hashes, r.hash)
		out.Scores = append(out.Scores, r.score)
		out.Metadata = append(out.Metadata, r.meta)
	}
	return out
}

func fieldOf(meta map[string]interface{}) string {
	if meta == nil {
		return ""
	}
	if f, ok := meta["field"].(string); ok {
		return f
	}
	return ""
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func sortScoredDesc(results []struct {
	hash  uint32
	score float64
	meta  map[string]interface{}
}) {
	// insertion sort over every document that matched at least one query
	// term; Search truncates to topK only after this sort.
	for i := 1; i < len(results); i++ {
		j := i
		for j > 0 && results[j-1].score < results[j].score {
			results[j-1], results[j] = results[j], results[j-1]
			j--
		}
	}
}

// DefaultStopWords is the English stopword set used when Stemming is
// enabled (spec.md §4.7 requires "balanced"/"aggressive" keyword levels to
// exclude common function words).
func DefaultStopWords() map[string]struct{} {
	words := []string{
		"a", "about", "above", "after", "again", "against", "all", "am", "an", "and",
		"any", "are", "aren't", "as", "at", "be", "because", "been", "before", "being",
		"below", "between", "both", "but", "by", "can't", "cannot", "could", "couldn't",
		"did", "didn't", "do", "does", "doesn't", "doing", "don't", "down", "during",
		"each", "few", "for", "from", "further", "had", "hadn't", "has", "hasn't",
		"have", "haven't", "having", "he", "he'd", "he'll", "he's", "her", "here",
		"here's", "hers", "herself", "him", "himself", "his", "how", "how's", "i",
		"i'd", "i'll", "i'm", "i've", "if", "in", "into", "is", "isn't", "it", "it's",
		"its", "itself", "let's", "me", "more", "most", "mustn't", "my", "myself",
		"no", "nor", "not", "of", "off", "on", "once", "only", "or", "other", "ought",
		"our", "ours", "ourselves", "out", "over", "own", "same", "shan't", "she",
		"she'd", "she'll", "she's", "should", "shouldn't", "so", "some", "such",
		"than", "that", "that's", "the", "their", "theirs", "them", "themselves",
		"then", "there", "there's", "these", "they", "they'd", "they'll", "they're",
		"they've", "this", "those", "through", "to", "too", "under", "until", "up",
		"very", "was", "wasn't", "we", "we'd", "we'll", "we're", "we've", "were",
		"weren't", "what", "what's", "when", "when's", "where", "where's", "which",
		"while", "who", "who's", "whom", "why", "why's", "with", "won't", "would",
		"wouldn't", "you", "you'd", "you'll", "you're", "you've", "your", "yours",
		"yourself", "yourselves",
	}
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
