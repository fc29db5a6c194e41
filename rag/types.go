// File: types.go
package rag

import (
	"fmt"
	"strings"
)

// Chunk is the atomic unit of storage: text, hash, ordinal index, an
// optional dense vector (absent when the backend embeds server-side), and
// an open metadata bag (spec.md §3).
type Chunk struct {
	Hash     uint32
	Text     string
	Index    int
	Vector   []float64
	Metadata map[string]interface{}
}

// EmbeddedChunk is a chunk carrying one or more named embedding fields,
// produced by the Embedding Gateway (C1) ahead of a backend Insert.
type EmbeddedChunk struct {
	Text       string
	Embeddings map[string][]float64
	Metadata   map[string]interface{}
}

// GetStringHash computes the DJB-style 32-bit rolling hash specified in
// spec.md §6: h = ((h << 5) - h) + c, folded to a non-negative int32.
func GetStringHash(s string) uint32 {
	var h int32
	for _, r := range s {
		h = (h << 5) - h + int32(r)
	}
	if h < 0 {
		h = -h
	}
	return uint32(h)
}

// EmbedKeywordsIntoText appends the "[KEYWORDS: ...]" annotation used by
// backends that cannot carry structured keyword metadata (spec.md §6).
func EmbedKeywordsIntoText(text string, keywords []string) string {
	if len(keywords) == 0 {
		return text
	}
	return text + " [KEYWORDS: " + strings.Join(keywords, " ") + "]"
}

// CollectionID is the parsed form of the canonical "vh:{type}:{sourceId}"
// scheme (spec.md §3, §6), also accepting the legacy
// "vecthare_{type}_{sourceId}" format and a registry-key envelope of
// "{backend}:{provider}:{id}" which is stripped before use.
type CollectionID struct {
	Type     string
	SourceID string
}

// String renders the canonical "vh:{type}:{sourceId}" form.
func (c CollectionID) String() string {
	return fmt.Sprintf("vh:%s:%s", c.Type, c.SourceID)
}

// ParseCollectionID accepts any of the three forms the grammar allows and
// returns the logical (type, sourceId) pair. The registry-key envelope
// "{backend}:{provider}:{id}" is detected by having strictly more than two
// colon-separated segments where the first two aren't "vh"; it is stripped
// by recursing on the remainder.
func ParseCollectionID(raw string) (CollectionID, error) {
	if strings.HasPrefix(raw, "vh:") {
		rest := raw[len("vh:"):]
		idx := strings.Index(rest, ":")
		if idx < 0 {
			return CollectionID{}, fmt.Errorf("%w: malformed collection id %q", ErrProtocol, raw)
		}
		return CollectionID{Type: rest[:idx], SourceID: rest[idx+1:]}, nil
	}

	if strings.HasPrefix(raw, "vecthare_") {
		rest := raw[len("vecthare_"):]
		idx := strings.Index(rest, "_")
		if idx < 0 {
			return CollectionID{}, fmt.Errorf("%w: malformed legacy collection id %q", ErrProtocol, raw)
		}
		return CollectionID{Type: rest[:idx], SourceID: rest[idx+1:]}, nil
	}

	// Registry-key envelope: backend:provider:id. Strip the first two
	// segments and re-parse the remainder, which must itself be a valid
	// collection id.
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) == 3 {
		return ParseCollectionID(parts[2])
	}

	return CollectionID{}, fmt.Errorf("%w: unrecognized collection id %q", ErrProtocol, raw)
}

// StripEnvelope removes a "{backend}:{provider}:" prefix from a collection
// key if present, returning the bare collection id. Plain ids pass through.
func StripEnvelope(raw string) string {
	id, err := ParseCollectionID(raw)
	if err != nil {
		return raw
	}
	return id.String()
}
