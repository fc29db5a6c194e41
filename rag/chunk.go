// File: chunk.go
package rag

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// TokenSpan is a text fragment produced by the underlying sentence-window
// splitter before it is turned into a hashed, metadata-bearing Chunk. This
// is the teacher's original chunking primitive (renamed from its Chunk to
// avoid colliding with the spec's hash-keyed Chunk type in types.go).
type TokenSpan struct {
	Text          string
	TokenSize     int
	StartSentence int
	EndSentence   int
}

// TokenCounter counts tokens in a string; different implementations
// approximate different tokenization schemes.
type TokenCounter interface {
	Count(text string) int
}

// TextChunker splits text into overlapping, sentence-aligned TokenSpans.
// Grounded on the teacher's TextChunker; kept verbatim in algorithm, used
// internally by the "adaptive" chunking strategy below.
type TextChunker struct {
	ChunkSize        int
	ChunkOverlap     int
	TokenCounter     TokenCounter
	SentenceSplitter func(string) []string
}

type TextChunkerOption func(*TextChunker)

func NewTextChunker(options ...TextChunkerOption) (*TextChunker, error) {
	tc := &TextChunker{
		ChunkSize:        200,
		ChunkOverlap:     50,
		TokenCounter:     &DefaultTokenCounter{},
		SentenceSplitter: DefaultSentenceSplitter,
	}
	for _, option := range options {
		option(tc)
	}
	return tc, nil
}

func (tc *TextChunker) Chunk(text string) []TokenSpan {
	sentences := tc.SentenceSplitter(text)
	var spans []TokenSpan
	var current TokenSpan
	currentTokenCount := 0

	for i, sentence := range sentences {
		sentenceTokenCount := tc.TokenCounter.Count(sentence)

		if currentTokenCount+sentenceTokenCount > tc.ChunkSize && currentTokenCount > 0 {
			spans = append(spans, current)

			overlapStart := max(current.StartSentence, current.EndSentence-tc.estimateOverlapSentences(sentences, current.EndSentence, tc.ChunkOverlap))
			current = TokenSpan{
				Text:          strings.Join(sentences[overlapStart:i+1], " "),
				StartSentence: overlapStart,
				EndSentence:   i + 1,
			}
			currentTokenCount = 0
			for j := overlapStart; j <= i; j++ {
				currentTokenCount += tc.TokenCounter.Count(sentences[j])
			}
		} else {
			if currentTokenCount == 0 {
				current.StartSentence = i
			}
			current.Text += sentence + " "
			current.EndSentence = i + 1
			currentTokenCount += sentenceTokenCount
		}
		current.TokenSize = currentTokenCount
	}

	if current.TokenSize > 0 {
		spans = append(spans, current)
	}
	return spans
}

func (tc *TextChunker) estimateOverlapSentences(sentences []string, endSentence, desiredOverlap int) int {
	overlapTokens := 0
	overlapSentences := 0
	for i := endSentence - 1; i >= 0 && overlapTokens < desiredOverlap; i-- {
		overlapTokens += tc.TokenCounter.Count(sentences[i])
		overlapSentences++
	}
	return overlapSentences
}

func DefaultSentenceSplitter(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
}

// SmartSentenceSplitter handles quoted sentences in addition to terminal
// punctuation.
func SmartSentenceSplitter(text string) []string {
	var sentences []string
	var currentSentence strings.Builder
	inQuote := false

	for _, r := range text {
		currentSentence.WriteRune(r)
		if r == '"' {
			inQuote = !inQuote
		}
		if (r == '.' || r == '!' || r == '?') && !inQuote {
			if len(sentences) > 0 || currentSentence.Len() > 1 {
				sentences = append(sentences, strings.TrimSpace(currentSentence.String()))
				currentSentence.Reset()
			}
		}
	}
	if currentSentence.Len() > 0 {
		sentences = append(sentences, strings.TrimSpace(currentSentence.String()))
	}
	return sentences
}

type DefaultTokenCounter struct{}

func (dtc *DefaultTokenCounter) Count(text string) int {
	return len(strings.Fields(text))
}

type TikTokenCounter struct {
	tke *tiktoken.Tiktoken
}

func NewTikTokenCounter(encoding string) (*TikTokenCounter, error) {
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get encoding: %w", err)
	}
	return &TikTokenCounter{tke: tke}, nil
}

func (ttc *TikTokenCounter) Count(text string) int {
	return len(ttc.tke.Encode(text, nil, nil))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ---- C5 Chunker: source-artifact strategies over TokenSpan/sentence splitting ----

// Message is one artifact in a source (a chat turn, a document paragraph, a
// lorebook entry) that the Chunker strategies consume.
type Message struct {
	Text     string
	Role     string // "user" | "assistant" | "" for non-chat sources
	Metadata map[string]interface{}
}

// ChunkStrategy enumerates spec.md §4.5's four strategies.
type ChunkStrategy string

const (
	StrategyPerMessage        ChunkStrategy = "per_message"
	StrategyConversationTurns ChunkStrategy = "conversation_turns"
	StrategyMessageBatch      ChunkStrategy = "message_batch"
	StrategyAdaptive          ChunkStrategy = "adaptive"
)

// ChunkerConfig configures C5.
type ChunkerConfig struct {
	Strategy            ChunkStrategy
	BatchSize           int // for message_batch
	ChunkSize           int // token target, for adaptive
	ChunkOverlap        int
	DeduplicationDepth  int // 0 = unlimited; scope of dedup is the most-recent N messages
	TokenCounter        TokenCounter
	SentenceSplitter     func(string) []string
}

func defaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		Strategy:     StrategyPerMessage,
		BatchSize:    5,
		ChunkSize:    200,
		ChunkOverlap: 50,
		TokenCounter: &DefaultTokenCounter{},
		SentenceSplitter: DefaultSentenceSplitter,
	}
}

// SourceChunker produces hashed Chunks from Messages according to the
// configured strategy, deduplicating within DeduplicationDepth.
type SourceChunker struct {
	cfg ChunkerConfig
}

func NewSourceChunker(cfg ChunkerConfig) *SourceChunker {
	base := defaultChunkerConfig()
	if cfg.Strategy != "" {
		base.Strategy = cfg.Strategy
	}
	if cfg.BatchSize > 0 {
		base.BatchSize = cfg.BatchSize
	}
	if cfg.ChunkSize > 0 {
		base.ChunkSize = cfg.ChunkSize
	}
	if cfg.ChunkOverlap > 0 {
		base.ChunkOverlap = cfg.ChunkOverlap
	}
	if cfg.TokenCounter != nil {
		base.TokenCounter = cfg.TokenCounter
	} else if base.Strategy == StrategyAdaptive {
		// Adaptive re-chunks at a fixed token budget meant to track what the
		// embedding model actually sees, so default its counter to a real
		// BPE tokenizer instead of the word-count approximation; fall back
		// quietly if the encoding can't be loaded.
		if ttc, err := NewTikTokenCounter("cl100k_base"); err == nil {
			base.TokenCounter = ttc
		}
	}
	if cfg.SentenceSplitter != nil {
		base.SentenceSplitter = cfg.SentenceSplitter
	}
	base.DeduplicationDepth = cfg.DeduplicationDepth
	return &SourceChunker{cfg: base}
}

// Chunk turns a message sequence into Chunks per the configured strategy,
// then deduplicates within the configured depth (0 = unlimited, i.e. the
// whole sequence).
func (s *SourceChunker) Chunk(messages []Message) []Chunk {
	var raw []Chunk
	switch s.cfg.Strategy {
	case StrategyPerMessage:
		raw = s.perMessage(messages)
	case StrategyConversationTurns:
		raw = s.conversationTurns(messages)
	case StrategyMessageBatch:
		raw = s.messageBatch(messages)
	case StrategyAdaptive:
		raw = s.adaptive(messages)
	default:
		raw = s.perMessage(messages)
	}
	return s.deduplicate(raw)
}

func (s *SourceChunker) perMessage(messages []Message) []Chunk {
	chunks := make([]Chunk, 0, len(messages))
	for i, m := range messages {
		chunks = append(chunks, newChunk(m.Text, i, m.Metadata))
	}
	return chunks
}

// conversationTurns pairs consecutive user/assistant messages into a single
// chunk per exchange; an unpaired trailing message becomes its own chunk.
func (s *SourceChunker) conversationTurns(messages []Message) []Chunk {
	var chunks []Chunk
	i := 0
	idx := 0
	for i < len(messages) {
		if i+1 < len(messages) && messages[i].Role != messages[i+1].Role {
			text := messages[i].Text + "\n" + messages[i+1].Text
			chunks = append(chunks, newChunk(text, idx, mergeMetadata(messages[i].Metadata, messages[i+1].Metadata)))
			i += 2
		} else {
			chunks = append(chunks, newChunk(messages[i].Text, idx, messages[i].Metadata))
			i++
		}
		idx++
	}
	return chunks
}

// messageBatch groups BatchSize consecutive messages per chunk.
func (s *SourceChunker) messageBatch(messages []Message) []Chunk {
	var chunks []Chunk
	batch := s.cfg.BatchSize
	if batch <= 0 {
		batch = 1
	}
	for start := 0; start < len(messages); start += batch {
		end := start + batch
		if end > len(messages) {
			end = len(messages)
		}
		var texts []string
		meta := map[string]interface{}{}
		for _, m := range messages[start:end] {
			texts = append(texts, m.Text)
			meta = mergeMetadata(meta, m.Metadata)
		}
		chunks = append(chunks, newChunk(strings.Join(texts, "\n"), start/batch, meta))
	}
	return chunks
}

// adaptive concatenates all message text and re-chunks it at a fixed token
// size with sentence-aware boundary search, using TextChunker.
func (s *SourceChunker) adaptive(messages []Message) []Chunk {
	var sb strings.Builder
	meta := map[string]interface{}{}
	for _, m := range messages {
		sb.WriteString(m.Text)
		sb.WriteString(" ")
		meta = mergeMetadata(meta, m.Metadata)
	}

	tc := &TextChunker{
		ChunkSize:        s.cfg.ChunkSize,
		ChunkOverlap:     s.cfg.ChunkOverlap,
		TokenCounter:     s.cfg.TokenCounter,
		SentenceSplitter: s.cfg.SentenceSplitter,
	}
	spans := tc.Chunk(sb.String())
	chunks := make([]Chunk, 0, len(spans))
	for i, span := range spans {
		m := mergeMetadata(meta, map[string]interface{}{
			"chunkIndex":  i,
			"totalChunks": len(spans),
		})
		chunks = append(chunks, newChunk(strings.TrimSpace(span.Text), i, m))
	}
	return chunks
}

// deduplicate drops chunks whose hash repeats within the most recent
// DeduplicationDepth chunks (0 = unlimited, i.e. across the whole slice).
func (s *SourceChunker) deduplicate(chunks []Chunk) []Chunk {
	depth := s.cfg.DeduplicationDepth
	seen := make(map[uint32]int) // hash -> index of last occurrence
	out := make([]Chunk, 0, len(chunks))
	for i, c := range chunks {
		if last, ok := seen[c.Hash]; ok {
			if depth == 0 || i-last <= depth {
				continue
			}
		}
		seen[c.Hash] = i
		out = append(out, c)
	}
	return out
}

func newChunk(text string, index int, metadata map[string]interface{}) Chunk {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return Chunk{
		Hash:     GetStringHash(text),
		Text:     text,
		Index:    index,
		Metadata: metadata,
	}
}

func mergeMetadata(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
