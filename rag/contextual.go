// File: contextual.go
package rag

import (
	"context"
	"fmt"

	"github.com/teilomillet/gollm"
)

// ContextualEnricher prepends a short LLM-generated context sentence to a
// chunk's text before it is embedded, improving retrieval precision for
// fragmented documents (SPEC_FULL.md's supplemented "Contextual chunk
// enrichment" feature, grounded on the teacher's rag.go ProcessWithContext /
// generateChunkContext). It is never applied to chat-source chunks, which
// already carry full conversational context.
type ContextualEnricher struct {
	llm gollm.LLM
}

// NewContextualEnricher builds an enricher backed by the given provider and
// model (spec.md's provider/model config surface). The provider is a
// parameter, independent of the embedding provider; nothing is hardcoded.
func NewContextualEnricher(provider, model, apiKey string) (*ContextualEnricher, error) {
	llm, err := gollm.NewLLM(
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetAPIKey(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: contextual enricher init: %v", ErrConfig, err)
	}
	return &ContextualEnricher{llm: llm}, nil
}

// Enrich prepends a one-sentence context string to each chunk's text,
// derived from the chunk's relationship to the full source document.
// Chunks are mutated in place and also returned for chaining.
func (e *ContextualEnricher) Enrich(ctx context.Context, documentText string, chunks []Chunk) ([]Chunk, error) {
	for i := range chunks {
		enrichment, err := e.generateContext(ctx, documentText, chunks[i].Text)
		if err != nil {
			return nil, fmt.Errorf("contextual enrich chunk %d: %w", i, err)
		}
		chunks[i].Text = enrichment + "\n\nContent:\n" + chunks[i].Text
	}
	return chunks, nil
}

// generateContext asks the LLM for a concise, retrieval-oriented summary of
// how chunk relates to the broader document, mirroring the teacher's
// generateChunkContext prompt shape.
func (e *ContextualEnricher) generateContext(ctx context.Context, document, chunk string) (string, error) {
	prompt := fmt.Sprintf(`<document> %s </document>

Analyze the following chunk from the document above:
<chunk> %s </chunk>

Write a concise, highly specific context (1 sentence) for this chunk that:
1. Reflects the unique content and ideas presented in the chunk.
2. Relates the chunk's information to the broader themes of the document.
3. Is formulated to enhance semantic search and retrieval.
4. Stands independently without relying on phrases like "this chunk" or "this section".

Provide only the context, without any introductory phrases.`, document, chunk)

	return e.llm.Generate(ctx, gollm.NewPrompt(prompt))
}

// shouldEnrich reports whether a source type is eligible for contextual
// enrichment: doc and lorebook sources benefit from it (they're fragmented
// out of a larger whole); chat sources already carry full context and are
// never enriched, per SPEC_FULL.md.
func shouldEnrich(sourceType string) bool {
	return sourceType == "doc" || sourceType == "lorebook"
}
