// File: temporal.go
package rag

import "math"

// SceneRange is one scene boundary for scene-aware decay (spec.md §4.9):
// a chunk inside [Start, End) is in the current scene; End == -1 means the
// scene is still open (the nearest preceding scene has no upper bound).
type SceneRange struct {
	Start int
	End   int // -1 for open-ended
}

// WeightedResult is a scored result after C9's temporal weighting has run.
type WeightedResult struct {
	Hash             uint32
	Score            float64
	OriginalScore    float64
	Metadata         map[string]interface{}
	MessageAge       int
	DecayApplied     bool
	NostalgiaApplied bool
	TemporallyBlind  bool
	SceneAwareDecay  bool
	EffectiveAge     int
}

// decayMultiplier computes the per-chunk score multiplier as a function of
// age, per spec.md §4.9's four formulas.
func decayMultiplier(d DecaySettings, age int) float64 {
	ageF := float64(age)
	switch d.Type {
	case "nostalgia":
		switch d.Mode {
		case "linear":
			m := 1 + ageF*d.LinearRate
			if m > d.MaxBoost {
				m = d.MaxBoost
			}
			return m
		default: // exponential
			return 1 + (d.MaxBoost-1)*(1-math.Pow(0.5, ageF/d.HalfLife))
		}
	default: // "decay"
		switch d.Mode {
		case "linear":
			m := 1 - ageF*d.LinearRate
			if m < d.MinRelevance {
				m = d.MinRelevance
			}
			return m
		default: // exponential
			m := math.Pow(0.5, ageF/d.HalfLife)
			if m < d.MinRelevance {
				m = d.MinRelevance
			}
			return m
		}
	}
}

// nearestSceneAge computes a chunk's effective age from the nearest scene
// boundary when it is not part of the current (last) scene, per spec.md
// §4.9's scene-aware mode. currentMessage is the index of the message
// being generated against; chunkMessage is the chunk's own message index.
func nearestSceneAge(scenes []SceneRange, chunkMessage, currentMessage int) (age int, sceneAware bool) {
	if len(scenes) == 0 {
		return currentMessage - chunkMessage, false
	}
	current := scenes[len(scenes)-1]
	if chunkMessage >= current.Start && (current.End == -1 || chunkMessage < current.End) {
		return currentMessage - chunkMessage, false
	}
	// Find the scene the chunk belongs to and measure from its boundary
	// nearest the present, not from the raw message distance.
	for _, s := range scenes {
		if chunkMessage >= s.Start && (s.End == -1 || chunkMessage < s.End) {
			boundary := s.End
			if boundary == -1 {
				boundary = chunkMessage
			}
			return currentMessage - boundary, true
		}
	}
	return currentMessage - chunkMessage, true
}

// ApplyTemporalWeighting applies C9's per-chunk multiplier to a set of
// scored results (spec.md §4.9). Only chunks whose metadata.source == "chat"
// are weighted; everything else passes through unchanged. A chunk flagged
// temporally blind in its collection metadata keeps its original score.
func ApplyTemporalWeighting(results []RankedItem, d DecaySettings, currentMessage int, scenes []SceneRange) []WeightedResult {
	out := make([]WeightedResult, 0, len(results))
	for _, r := range results {
		wr := WeightedResult{Hash: r.Hash, Score: r.Score, OriginalScore: r.Score, Metadata: r.Metadata}

		source, _ := r.Metadata["source"].(string)
		if source != "chat" || !d.Enabled {
			out = append(out, wr)
			continue
		}

		blind, _ := r.Metadata["temporallyBlind"].(bool)
		if blind {
			wr.TemporallyBlind = true
			out = append(out, wr)
			continue
		}

		messageID, _ := r.Metadata["messageId"].(int)
		age, sceneAware := nearestSceneAge(scenes, messageID, currentMessage)
		if age < 0 {
			age = 0
		}

		multiplier := decayMultiplier(d, age)
		wr.Score = r.Score * multiplier
		wr.MessageAge = age
		wr.SceneAwareDecay = sceneAware
		if sceneAware {
			wr.EffectiveAge = age
		}
		if d.Type == "nostalgia" {
			wr.NostalgiaApplied = true
		} else {
			wr.DecayApplied = true
		}
		out = append(out, wr)
	}
	return out
}
