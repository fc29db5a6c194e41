// File: orchestrator.go
package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// RetrievalOptions configures one C11 retrieval pass (spec.md §4.11, §6).
type RetrievalOptions struct {
	TopK           int
	ScoreThreshold float64
	QueryDepth     int // number of most-recent messages concatenated into the search context

	HybridSearchEnabled bool
	HybridFusionMethod  string // "rrf" | "weighted"
	HybridVectorWeight  float64
	HybridTextWeight    float64
	HybridRRFK          float64
	HybridNativePrefer  bool

	KeywordScoringMethod   string // "keyword" | "bm25" | "hybrid"
	KeywordExtractionLevel KeywordLevel
	KeywordPerTermCap      float64
	BM25                   BM25Config

	Decay               DecaySettings
	CurrentMessageIndex int
	Scenes              []SceneRange

	RAGContextPrefix string
	RAGXMLTag        string
}

// ActiveInjection is one fragment the host has already injected into the
// prompt this turn; C11 step 7 deduplicates new fragments against these.
type ActiveInjection struct {
	UID     string
	Content string
}

// RetrievedFragment is one final, ordered fragment of context C11 hands to
// the host's prompt-injection API.
type RetrievedFragment struct {
	CollectionID string
	Hash         uint32
	Text         string
	Score        float64
	Metadata     map[string]interface{}
	HybridSearch bool
}

// QueryOrchestrator is C11: it builds a search context from recent
// messages, fans out multi-collection queries, fuses dense and sparse
// rankings, boosts by keyword match, re-weights by age, and formats the
// result for the host's prompt-injection API.
type QueryOrchestrator struct {
	registry    *BackendRegistry
	collections *CollectionRegistry
	gateway     *Gateway
	backendCfg  map[string]*Config // per-backend-name transport config
	logger      Logger
}

// NewQueryOrchestrator builds an orchestrator over the given registries.
// backendCfg supplies each backend's Config (transport, dimension, etc.)
// by normalized backend name.
func NewQueryOrchestrator(registry *BackendRegistry, collections *CollectionRegistry, gateway *Gateway, backendCfg map[string]*Config, logger Logger) *QueryOrchestrator {
	if logger == nil {
		logger = GlobalLogger
	}
	return &QueryOrchestrator{registry: registry, collections: collections, gateway: gateway, backendCfg: backendCfg, logger: logger}
}

// overFetchK computes the over-fetch candidate count: 2x top-K clamped to
// [10, 100] (spec.md §4.11 step 6, §8).
func overFetchK(topK int) int {
	k := topK * 2
	if k < 10 {
		k = 10
	}
	if k > 100 {
		k = 100
	}
	return k
}

// searchContextFrom concatenates the text of the last depth messages
// (spec.md §4.11 step 1). depth <= 0 means use every message given.
func searchContextFrom(messages []Message, depth int) string {
	if depth > 0 && depth < len(messages) {
		messages = messages[len(messages)-depth:]
	}
	texts := make([]string, len(messages))
	for i, m := range messages {
		texts[i] = m.Text
	}
	return strings.Join(texts, "\n")
}

// collectionResult is one collection's contribution before the final
// cross-collection merge.
type collectionResult struct {
	collectionID string
	fragments    []RetrievedFragment
	err          error
}

// Retrieve runs the full C11 pipeline and returns the formatted RAG
// payload plus the ordered fragments it was built from.
func (q *QueryOrchestrator) Retrieve(ctx context.Context, messages []Message, opts RetrievalOptions, active []ActiveInjection, provider, model string, transport Transport) (string, []RetrievedFragment, error) {
	searchContext := searchContextFrom(messages, opts.QueryDepth)
	if strings.TrimSpace(searchContext) == "" {
		return "", nil, nil
	}

	candidates := q.eligibleCollections(searchContext, opts.Scenes)
	if len(candidates) == 0 {
		return "", nil, nil
	}

	queryVector, err := q.gateway.Embed(ctx, provider, model, []string{searchContext}, transport)
	if err != nil {
		return "", nil, fmt.Errorf("orchestrator: embed search context: %w", err)
	}

	results := make([]collectionResult, len(candidates))
	var wg sync.WaitGroup
	for i, meta := range candidates {
		i, meta := i, meta
		wg.Add(1)
		go func() {
			defer wg.Done()
			frags, err := q.retrieveFromCollection(ctx, meta, queryVector[0], searchContext, opts)
			results[i] = collectionResult{collectionID: meta.ID, fragments: frags, err: err}
		}()
	}
	wg.Wait()

	var merged []RetrievedFragment
	for _, r := range results {
		if r.err != nil {
			// A single collection's failure never aborts the request
			// (spec.md §7): log and continue with the others.
			q.logger.Warn("orchestrator: collection query failed", "collection", r.collectionID, "error", r.err)
			continue
		}
		merged = append(merged, r.fragments...)
	}

	merged = dedupeAgainstActive(merged, active)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })

	payload := formatRAGPayload(merged, opts.RAGContextPrefix, opts.RAGXMLTag)
	return payload, merged, nil
}

// eligibleCollections returns the metadata for every registered collection
// that is enabled and whose activation conditions pass for this context.
func (q *QueryOrchestrator) eligibleCollections(searchContext string, scenes []SceneRange) []CollectionMetadata {
	searchCtx := map[string]interface{}{"text": searchContext}
	var out []CollectionMetadata
	for _, meta := range q.collections.List() {
		if !q.collections.ShouldActivate(meta.ID, searchCtx) {
			continue
		}
		out = append(out, meta)
	}
	return out
}

// retrieveFromCollection runs steps 3-6 of spec.md §4.11 for one
// collection: native hybrid or dense+local-fusion, keyword boost, temporal
// weighting, then trim to top-K.
func (q *QueryOrchestrator) retrieveFromCollection(ctx context.Context, meta CollectionMetadata, queryVector []float64, queryText string, opts RetrievalOptions) ([]RetrievedFragment, error) {
	cfg := q.backendCfg[NormalizeBackendName(meta.Backend)]
	db, err := q.registry.Acquire(ctx, meta.Backend, cfg, true)
	if err != nil {
		return nil, err
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	fetchK := overFetchK(topK)

	var qr QueryResult
	usedHybrid := false
	queryStart := time.Now()
	if opts.HybridSearchEnabled && db.SupportsHybridSearch() {
		qr, err = db.HybridQuery(ctx, meta.ID, queryText, queryVector, fetchK, opts.ScoreThreshold, HybridOptions{
			VectorWeight: opts.HybridVectorWeight,
			TextWeight:   opts.HybridTextWeight,
			FusionMethod: opts.HybridFusionMethod,
			RRFConstant:  opts.HybridRRFK,
		})
		usedHybrid = true
	} else {
		qr, err = db.QueryCollection(ctx, meta.ID, queryVector, fetchK, opts.ScoreThreshold)
	}
	if err != nil {
		q.registry.Invalidate(meta.Backend, err)
		return nil, err
	}
	q.registry.RecordQuery(meta.Backend, time.Since(queryStart))

	items := toRankedItems(qr)
	if opts.HybridSearchEnabled && !qr.HybridSearch && opts.KeywordScoringMethod != "" && opts.KeywordScoringMethod != "keyword" {
		items = q.fuseWithLocalBM25(items, queryText, opts)
	}

	fragments := make([]RetrievedFragment, 0, len(items))
	for _, it := range items {
		text, _ := it.Metadata["text"].(string)
		score := it.Score
		if opts.KeywordExtractionLevel != "" && opts.KeywordExtractionLevel != KeywordLevelOff {
			kws := keywordsFromMetadata(it.Metadata)
			boosted, _ := ApplyKeywordBoost(score, text, kws, opts.KeywordPerTermCap)
			score = boosted
		}
		fragments = append(fragments, RetrievedFragment{
			CollectionID: meta.ID,
			Hash:         it.Hash,
			Text:         text,
			Score:        score,
			Metadata:     it.Metadata,
			HybridSearch: usedHybrid && qr.HybridSearch,
		})
	}

	weighted := ApplyTemporalWeighting(toRankedItemsFromFragments(fragments), opts.Decay, opts.CurrentMessageIndex, opts.Scenes)
	fragments = applyWeights(fragments, weighted)

	sort.Slice(fragments, func(i, j int) bool { return fragments[i].Score > fragments[j].Score })
	if len(fragments) > topK {
		fragments = fragments[:topK]
	}
	return fragments, nil
}

func toRankedItems(qr QueryResult) []RankedItem {
	items := make([]RankedItem, 0, len(qr.Hashes))
	for i, h := range qr.Hashes {
		var meta map[string]interface{}
		if i < len(qr.Metadata) {
			meta = qr.Metadata[i]
		}
		var score float64
		if i < len(qr.Scores) {
			score = qr.Scores[i]
		}
		items = append(items, RankedItem{Hash: h, Score: score, Metadata: meta})
	}
	return items
}

func toRankedItemsFromFragments(frags []RetrievedFragment) []RankedItem {
	items := make([]RankedItem, len(frags))
	for i, f := range frags {
		items[i] = RankedItem{Hash: f.Hash, Score: f.Score, Metadata: f.Metadata}
	}
	return items
}

func applyWeights(frags []RetrievedFragment, weighted []WeightedResult) []RetrievedFragment {
	byHash := make(map[uint32]WeightedResult, len(weighted))
	for _, w := range weighted {
		byHash[w.Hash] = w
	}
	out := make([]RetrievedFragment, len(frags))
	for i, f := range frags {
		if w, ok := byHash[f.Hash]; ok {
			f.Score = w.Score
		}
		out[i] = f
	}
	return out
}

// fuseWithLocalBM25 runs a local BM25 pass over the candidate texts and
// fuses it with the dense ranking, for adapters whose native hybrid search
// is unavailable or disabled (spec.md §4.11 step 3).
func (q *QueryOrchestrator) fuseWithLocalBM25(dense []RankedItem, query string, opts RetrievalOptions) []RankedItem {
	idx := NewBM25Index(opts.BM25)
	for _, item := range dense {
		text, _ := item.Metadata["text"].(string)
		idx.Add(Chunk{Hash: item.Hash, Text: text, Metadata: item.Metadata})
	}
	textResult := idx.Search(query, len(dense))
	textRanked := make([]RankedItem, len(textResult.Hashes))
	for i, h := range textResult.Hashes {
		var meta map[string]interface{}
		if i < len(textResult.Metadata) {
			meta = textResult.Metadata[i]
		}
		textRanked[i] = RankedItem{Hash: h, Score: textResult.Scores[i], Metadata: meta}
	}

	var fused []FusedResult
	if opts.HybridFusionMethod == "weighted" {
		fused = FuseWeighted(dense, textRanked, opts.HybridVectorWeight, opts.HybridTextWeight)
	} else {
		fused = FuseRRF(dense, textRanked, opts.HybridRRFK)
	}

	out := make([]RankedItem, len(fused))
	for i, f := range fused {
		out[i] = RankedItem{Hash: f.Hash, Score: f.Score, Metadata: f.Metadata}
	}
	return out
}

// keywordsFromMetadata reads the chunk metadata's "keywords" field back
// into []Keyword (spec.md §3: metadata.keywords is a list of {text, weight}).
func keywordsFromMetadata(meta map[string]interface{}) []Keyword {
	raw, ok := meta["keywords"].([]Keyword)
	if ok {
		return raw
	}
	return nil
}

// ApplyKeywordBoost implements spec.md §4.11 step 4: diminishing-returns
// scaling by match count ((count+1)/(count+2)) with an optional per-keyword
// contribution cap.
func ApplyKeywordBoost(score float64, text string, keywords []Keyword, perTermCap float64) (float64, int) {
	if len(keywords) == 0 || text == "" {
		return score, 0
	}
	lower := strings.ToLower(text)
	count := 0
	var total float64
	for _, kw := range keywords {
		if kw.Text == "" || !strings.Contains(lower, strings.ToLower(kw.Text)) {
			continue
		}
		count++
		contribution := kw.Weight
		if perTermCap > 0 && contribution > perTermCap {
			contribution = perTermCap
		}
		total += contribution
	}
	if count == 0 {
		return score, 0
	}
	diminishing := float64(count+1) / float64(count+2)
	return score + total*diminishing, count
}

// dedupeAgainstActive drops fragments already present in the host's active
// injections by UID or by normalized (trimmed, lowercased) content, and
// drops duplicate hashes within the merged set itself (spec.md §4.11 step 7).
func dedupeAgainstActive(frags []RetrievedFragment, active []ActiveInjection) []RetrievedFragment {
	activeContent := make(map[string]struct{}, len(active))
	activeUID := make(map[string]struct{}, len(active))
	for _, a := range active {
		if a.UID != "" {
			activeUID[a.UID] = struct{}{}
		}
		activeContent[normalizeContent(a.Content)] = struct{}{}
	}

	seenHash := make(map[uint32]struct{}, len(frags))
	out := make([]RetrievedFragment, 0, len(frags))
	for _, f := range frags {
		if _, dup := seenHash[f.Hash]; dup {
			continue
		}
		norm := normalizeContent(f.Text)
		if _, dup := activeContent[norm]; dup {
			continue
		}
		if uid, ok := f.Metadata["uid"].(string); ok && uid != "" {
			if _, dup := activeUID[uid]; dup {
				continue
			}
		}
		seenHash[f.Hash] = struct{}{}
		out = append(out, f)
	}
	return out
}

func normalizeContent(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// formatRAGPayload wraps the fused, ordered fragments with the configured
// prefix and/or XML tag before handoff to the host's prompt-injection API
// (spec.md §4.11 step 8, §6).
func formatRAGPayload(frags []RetrievedFragment, prefix, xmlTag string) string {
	if len(frags) == 0 {
		return ""
	}
	var sb strings.Builder
	if prefix != "" {
		sb.WriteString(prefix)
		sb.WriteString("\n")
	}
	open, close := "", ""
	if xmlTag != "" {
		open, close = "<"+xmlTag+">\n", "\n</"+xmlTag+">"
	}
	sb.WriteString(open)
	for i, f := range frags {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(f.Text)
	}
	sb.WriteString(close)
	return sb.String()
}
