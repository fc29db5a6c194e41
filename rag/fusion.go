// File: fusion.go
package rag

import (
	"sort"

	"gonum.org/v1/gonum/floats"
)

// RankedItem is one entry in a single ranked list (dense or sparse) going
// into the C8 hybrid fusion step (spec.md §4.8). Lists are assumed already
// sorted by descending Score; FuseRRF uses list position, not Score, to
// determine rank, while FuseWeighted combines min-max-normalized Scores.
type RankedItem struct {
	Hash     uint32
	Score    float64
	Metadata map[string]interface{}
}

// FusionRanks records each list's 1-based rank for a fused result; 0 means
// the item was absent from that list (spec.md §4.8's "ranks metadata").
type FusionRanks struct {
	Vector int
	Text   int
}

// FusedResult is one entry in a fused ranking, carrying the combined score
// plus enough of each component to reconstruct how it was produced.
type FusedResult struct {
	Hash        uint32
	Score       float64
	Metadata    map[string]interface{}
	Ranks       FusionRanks
	VectorScore float64
	TextScore   float64
}

// DefaultRRFConstant is RRF's k (spec.md §4.8).
const DefaultRRFConstant = 60.0

// FuseRRF combines a dense ranking and a sparse/keyword ranking via
// Reciprocal Rank Fusion: score(d) = Σ 1/(k+rank_i(d)) over the lists d
// appears in, then normalized so the best possible score (rank 1 in every
// list) maps to 1 — guaranteeing output in (0,1] per spec.md §8.
func FuseRRF(vectorList, textList []RankedItem, k float64) []FusedResult {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	if len(vectorList) == 0 && len(textList) == 0 {
		return nil
	}

	scores := map[uint32]float64{}
	ranks := map[uint32]*FusionRanks{}
	meta := map[uint32]map[string]interface{}{}

	rankOf := func(i int) int { return i + 1 }

	for i, item := range vectorList {
		r := rankOf(i)
		scores[item.Hash] += 1.0 / (k + float64(r))
		rr := ranks[item.Hash]
		if rr == nil {
			rr = &FusionRanks{}
			ranks[item.Hash] = rr
		}
		rr.Vector = r
		meta[item.Hash] = item.Metadata
	}
	for i, item := range textList {
		r := rankOf(i)
		scores[item.Hash] += 1.0 / (k + float64(r))
		rr := ranks[item.Hash]
		if rr == nil {
			rr = &FusionRanks{}
			ranks[item.Hash] = rr
		}
		rr.Text = r
		if meta[item.Hash] == nil {
			meta[item.Hash] = item.Metadata
		}
	}

	// Best possible raw score: rank 1 in both lists.
	numLists := 0
	if len(vectorList) > 0 {
		numLists++
	}
	if len(textList) > 0 {
		numLists++
	}
	maxRaw := float64(numLists) / (k + 1)
	if maxRaw == 0 {
		maxRaw = 1
	}

	out := make([]FusedResult, 0, len(scores))
	for hash, raw := range scores {
		out = append(out, FusedResult{
			Hash:     hash,
			Score:    raw / maxRaw,
			Metadata: meta[hash],
			Ranks:    *ranks[hash],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// FuseWeighted combines a dense ranking and a sparse/keyword ranking via
// min-max-normalized weighted linear combination: combined = wv*vectorScore
// + wt*textScore, with missing-from-one-list items scoring 0 on that
// component (spec.md §4.8). With (wv=1, wt=0) this reproduces the dense
// ranking's order exactly, since min-max normalization is monotonic.
func FuseWeighted(vectorList, textList []RankedItem, vectorWeight, textWeight float64) []FusedResult {
	if len(vectorList) == 0 && len(textList) == 0 {
		return nil
	}

	vNorm := minMaxNormalize(vectorList)
	tNorm := minMaxNormalize(textList)

	meta := map[uint32]map[string]interface{}{}
	for _, item := range vectorList {
		meta[item.Hash] = item.Metadata
	}
	for _, item := range textList {
		if meta[item.Hash] == nil {
			meta[item.Hash] = item.Metadata
		}
	}

	all := map[uint32]struct{}{}
	for h := range vNorm {
		all[h] = struct{}{}
	}
	for h := range tNorm {
		all[h] = struct{}{}
	}

	out := make([]FusedResult, 0, len(all))
	for hash := range all {
		vs := vNorm[hash]
		ts := tNorm[hash]
		out = append(out, FusedResult{
			Hash:        hash,
			Score:       vectorWeight*vs + textWeight*ts,
			Metadata:    meta[hash],
			VectorScore: vs,
			TextScore:   ts,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// LocalHybridFuse fuses a dense QueryResult with a local BM25 pass over the
// text the dense query already returned in its metadata payload, via C7/C8.
// It is the honest hybrid path for adapters (qdrant, milvus) whose wire
// protocol here carries only dense vectors — there is no sparse/text
// channel to fuse server-side, so this mirrors the orchestrator's own
// dense+local-BM25 fallback (orchestrator.go's fuseWithLocalBM25) at the
// adapter level instead of silently relabeling a dense result as "hybrid".
// An empty queryText or an empty dense result is returned unchanged with
// HybridSearch left false.
func LocalHybridFuse(dense QueryResult, queryText string, topK int, opts HybridOptions) QueryResult {
	if queryText == "" || len(dense.Hashes) == 0 {
		dense.HybridSearch = false
		return dense
	}

	idx := NewBM25Index(BM25Config{})
	denseRanked := make([]RankedItem, len(dense.Hashes))
	for i, h := range dense.Hashes {
		var meta map[string]interface{}
		if i < len(dense.Metadata) {
			meta = dense.Metadata[i]
		}
		text, _ := meta["text"].(string)
		idx.Add(Chunk{Hash: h, Text: text, Metadata: meta})
		var score float64
		if i < len(dense.Scores) {
			score = dense.Scores[i]
		}
		denseRanked[i] = RankedItem{Hash: h, Score: score, Metadata: meta}
	}

	textResult := idx.Search(queryText, len(denseRanked))
	textRanked := make([]RankedItem, len(textResult.Hashes))
	for i, h := range textResult.Hashes {
		var meta map[string]interface{}
		if i < len(textResult.Metadata) {
			meta = textResult.Metadata[i]
		}
		textRanked[i] = RankedItem{Hash: h, Score: textResult.Scores[i], Metadata: meta}
	}

	var fused []FusedResult
	if opts.FusionMethod == "weighted" {
		fused = FuseWeighted(denseRanked, textRanked, opts.VectorWeight, opts.TextWeight)
	} else {
		fused = FuseRRF(denseRanked, textRanked, opts.RRFConstant)
	}
	if topK > 0 && len(fused) > topK {
		fused = fused[:topK]
	}

	out := QueryResult{HybridSearch: true}
	for _, f := range fused {
		out.Hashes = append(out.Hashes, f.Hash)
		out.Scores = append(out.Scores, f.Score)
		out.Metadata = append(out.Metadata, f.Metadata)
	}
	return out
}

// minMaxNormalize rescales a ranked list's scores into [0,1]. A single-item
// or constant-score list normalizes every item to 1, since there's no
// spread to divide by.
func minMaxNormalize(list []RankedItem) map[uint32]float64 {
	out := make(map[uint32]float64, len(list))
	if len(list) == 0 {
		return out
	}
	raw := make([]float64, len(list))
	for i, item := range list {
		raw[i] = item.Score
	}
	min, max := floats.Min(raw), floats.Max(raw)
	spread := max - min
	for _, item := range list {
		if spread == 0 {
			out[item.Hash] = 1
			continue
		}
		out[item.Hash] = (item.Score - min) / spread
	}
	return out
}
