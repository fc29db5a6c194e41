// File: embed.go
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vecthare/substrate/rag/providers"
)

// Transport carries the provider-specific connection details the gateway
// needs to dispatch an embed call (spec.md §4.1). Not every field applies
// to every provider; unused fields are ignored.
type Transport struct {
	APIURL    string
	APIKey    string
	ExtrasURL string
	ExtrasKey string
	Keep      bool // ollama keep_alive

	API                      string // google discriminator: "makersuite" | "vertex"
	VertexAIAuthMode         string
	VertexAIRegion           string
	VertexAIExpressProjectID string

	InputType string // cohere: search_query | search_document
}

// EmbedErrorKind classifies an embedding-gateway failure (spec.md §4.1).
type EmbedErrorKind int

const (
	EmbedErrConfig EmbedErrorKind = iota
	EmbedErrNetwork
	EmbedErrProtocol
	EmbedErrOOM
	EmbedErrUnknown
)

func (k EmbedErrorKind) String() string {
	switch k {
	case EmbedErrConfig:
		return "config"
	case EmbedErrNetwork:
		return "network"
	case EmbedErrProtocol:
		return "protocol"
	case EmbedErrOOM:
		return "oom"
	default:
		return "unknown"
	}
}

// OOMDiagnostics accompanies an OOM-kind EmbedError with enough context to
// guide chunk-size tuning (spec.md §4.1, §4.10 step 7).
type OOMDiagnostics struct {
	Provider          string
	Model             string
	BatchSize         int
	LargestChunkLen   int
	LargestChunkIndex int
}

// EmbedError is the gateway's uniform failure shape.
type EmbedError struct {
	Provider    string
	Kind        EmbedErrorKind
	Message     string
	Diagnostics *OOMDiagnostics
}

func (e *EmbedError) Error() string {
	return fmt.Sprintf("embed[%s/%s]: %s", e.Provider, e.Kind, e.Message)
}

func newEmbedConfigError(provider, msg string) *EmbedError {
	return &EmbedError{Provider: provider, Kind: EmbedErrConfig, Message: msg}
}

// oomDiagnosticsFor inspects the batch that just failed and records the
// largest chunk, since that's usually what blew the runtime's memory.
func oomDiagnosticsFor(provider, model string, texts []string) *OOMDiagnostics {
	d := &OOMDiagnostics{Provider: provider, Model: model, BatchSize: len(texts)}
	for i, t := range texts {
		if len(t) > d.LargestChunkLen {
			d.LargestChunkLen = len(t)
			d.LargestChunkIndex = i
		}
	}
	return d
}

// classifyHTTPFailure turns a non-2xx response or transport error into the
// right EmbedError kind, recognizing the OOM signature of spec.md §4.1.
func classifyHTTPFailure(provider, model string, texts []string, body string, networkErr error) *EmbedError {
	if networkErr != nil {
		return &EmbedError{Provider: provider, Kind: EmbedErrNetwork, Message: networkErr.Error()}
	}
	if IsOOM(body) {
		return &EmbedError{
			Provider: provider, Kind: EmbedErrOOM, Message: body,
			Diagnostics: oomDiagnosticsFor(provider, model, texts),
		}
	}
	return &EmbedError{Provider: provider, Kind: EmbedErrProtocol, Message: body}
}

// namedLocalBatchLimit is the "bananabread" named-local provider's batch
// cap (spec.md §4.1: "many (≤20)").
const namedLocalBatchLimit = 20

// Gateway is the provider-agnostic façade over the dozen embedding
// providers enumerated in spec.md §4.1 (C1). It owns the HTTP client used
// by every remote provider and the registry of in-process local runtimes
// (the "local-transformer" provider).
type Gateway struct {
	client *http.Client
	logger Logger
}

// GatewayOption configures a Gateway at construction time.
type GatewayOption func(*Gateway)

// WithGatewayClient overrides the HTTP client the gateway uses for remote
// providers (tests substitute a fake transport).
func WithGatewayClient(c *http.Client) GatewayOption {
	return func(g *Gateway) { g.client = c }
}

// WithGatewayLogger overrides the gateway's logger.
func WithGatewayLogger(l Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway constructs a Gateway with a 30s-timeout HTTP client and the
// global logger, matching the teacher's embedder defaults.
func NewGateway(opts ...GatewayOption) *Gateway {
	g := &Gateway{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: GlobalLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// openAICompatible is the set of providers that speak the OpenAI
// `/embeddings` request/response shape and accept a whole batch per call
// (spec.md §4.1's table).
var openAICompatible = map[string]struct{}{
	"openai": {}, "togetherai": {}, "mistral": {}, "electronhub": {}, "openrouter": {}, "vllm": {},
}

// Embed maps (provider, model, texts) to dense vectors in input order
// (spec.md §4.1). Config errors are detected before any network call.
func (g *Gateway) Embed(ctx context.Context, provider, model string, texts []string, t Transport) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	switch provider {
	case "local-transformer":
		return g.embedLoop(ctx, provider, model, texts, t, g.embedLocalTransformer)
	case "ollama":
		return g.embedLoop(ctx, provider, model, texts, t, g.embedOllama)
	case "llamacpp":
		return g.embedLoop(ctx, provider, model, texts, t, g.embedLlamaCPP)
	case "koboldcpp":
		return g.embedLoop(ctx, provider, model, texts, t, g.embedKoboldCPP)
	case "extras":
		return g.embedLoop(ctx, provider, model, texts, t, g.embedExtras)
	case "cohere":
		if err := requireURL(provider, t.APIURL, "https://api.cohere.ai/v1/embed"); err != nil {
			return nil, err
		}
		return g.embedCohere(ctx, model, texts, t)
	case "bananabread":
		return g.embedNamedLocal(ctx, model, texts, t)
	case "google-makersuite", "google-vertex":
		return g.embedGoogle(ctx, provider, model, texts, t)
	case "nomicai":
		return g.embedNomicAI(ctx, model, texts, t)
	default:
		if _, ok := openAICompatible[provider]; ok {
			if err := requireURL(provider, t.APIURL, ""); err != nil {
				return nil, err
			}
			return g.embedOpenAIShape(ctx, provider, t.APIURL+"/embeddings", model, texts, t.APIKey)
		}
		return nil, newEmbedConfigError(provider, "unknown provider")
	}
}

// requireURL validates a provider's configured endpoint before any network
// call, per spec.md §4.1's "config errors raised synchronously" rule. An
// empty fallback means the URL is mandatory with no default.
func requireURL(provider, apiURL, fallback string) error {
	if apiURL == "" {
		if fallback == "" {
			return newEmbedConfigError(provider, "missing apiUrl")
		}
		return nil
	}
	if _, err := url.ParseRequestURI(apiURL); err != nil {
		return newEmbedConfigError(provider, "invalid apiUrl: "+err.Error())
	}
	return nil
}

// embedLoop drives the single-text-per-call providers (local-transformer,
// ollama, llamacpp, koboldcpp, extras — spec.md §4.1's "one" batch column).
func (g *Gateway) embedLoop(ctx context.Context, provider, model string, texts []string, t Transport, one func(context.Context, string, string, Transport) ([]float64, error)) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		v, err := one(ctx, model, text, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (g *Gateway) embedLocalTransformer(ctx context.Context, model, text string, t Transport) ([]float64, error) {
	factory, err := providers.GetEmbedderFactory("local-transformer")
	if err != nil {
		return nil, newEmbedConfigError("local-transformer", "no in-process runtime registered")
	}
	e, err := factory(map[string]interface{}{"model": model})
	if err != nil {
		return nil, &EmbedError{Provider: "local-transformer", Kind: EmbedErrConfig, Message: err.Error()}
	}
	v, err := e.Embed(ctx, text)
	if err != nil {
		return nil, &EmbedError{Provider: "local-transformer", Kind: EmbedErrUnknown, Message: err.Error()}
	}
	return v, nil
}

func (g *Gateway) embedOllama(ctx context.Context, model, text string, t Transport) ([]float64, error) {
	if err := requireURL("ollama", t.APIURL, ""); err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]interface{}{
		"model": model, "prompt": text, "keep_alive": t.Keep,
	})
	var resp struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := g.postJSON(ctx, "ollama", model, []string{text}, t.APIURL, "", body, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

func (g *Gateway) embedLlamaCPP(ctx context.Context, model, text string, t Transport) ([]float64, error) {
	if err := requireURL("llamacpp", t.APIURL, ""); err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]interface{}{"content": text})
	var resp struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := g.postJSON(ctx, "llamacpp", model, []string{text}, strings.TrimRight(t.APIURL, "/")+"/embedding", "", body, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

func (g *Gateway) embedKoboldCPP(ctx context.Context, model, text string, t Transport) ([]float64, error) {
	if err := requireURL("koboldcpp", t.APIURL, ""); err != nil {
		return nil, err
	}
	vecs, err := g.embedOpenAIShape(ctx, "koboldcpp", strings.TrimRight(t.APIURL, "/")+"/v1/embeddings", model, []string{text}, t.APIKey)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (g *Gateway) embedExtras(ctx context.Context, model, text string, t Transport) ([]float64, error) {
	if err := requireURL("extras", t.ExtrasURL, ""); err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]interface{}{"text": text})
	var resp struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := g.postJSON(ctx, "extras", model, []string{text}, t.ExtrasURL, t.ExtrasKey, body, &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

// embedNamedLocal implements the "bananabread" provider: batches of at
// most namedLocalBatchLimit, POSTed as {content: text[]} with an optional
// bearer token (spec.md §4.1's named-local row).
func (g *Gateway) embedNamedLocal(ctx context.Context, model string, texts []string, t Transport) ([][]float64, error) {
	if err := requireURL("bananabread", t.APIURL, ""); err != nil {
		return nil, err
	}
	out := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += namedLocalBatchLimit {
		end := start + namedLocalBatchLimit
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]
		body, _ := json.Marshal(map[string]interface{}{"content": batch})
		var resp float64Vec
		if err := g.postJSON(ctx, "bananabread", model, batch, strings.TrimRight(t.APIURL, "/")+"/embedding", t.APIKey, body, &resp); err != nil {
			return nil, err
		}
		vecs := normalizeFlatBatch(resp, len(batch))
		out = append(out, vecs...)
	}
	return out, nil
}

// float64Vec lets a whole response unmarshal as either a flat []float64 or a
// nested [][]float64 (its elements are numbers or lists), so
// normalizeFlatBatch can detect the "single-item flattened" ambiguity
// spec.md §4.1 calls out.
type float64Vec []interface{}

// normalizeFlatBatch detects a provider that returned one flat vector
// instead of a single-element list-of-lists when the batch size was 1, and
// wraps it back into list-of-lists form.
func normalizeFlatBatch(raw float64Vec, batchSize int) [][]float64 {
	if batchSize == 1 && len(raw) > 0 {
		if _, isNested := raw[0].([]interface{}); !isNested {
			return [][]float64{toFloat64Slice(raw)}
		}
	}
	out := make([][]float64, 0, len(raw))
	for _, item := range raw {
		if nested, ok := item.([]interface{}); ok {
			out = append(out, toFloat64Slice(nested))
		}
	}
	return out
}

func toFloat64Slice(raw []interface{}) []float64 {
	out := make([]float64, len(raw))
	for i, v := range raw {
		if f, ok := v.(float64); ok {
			out[i] = f
		}
	}
	return out
}

func (g *Gateway) embedCohere(ctx context.Context, model string, texts []string, t Transport) ([][]float64, error) {
	inputType := t.InputType
	if inputType == "" {
		inputType = "search_document"
	}
	apiURL := t.APIURL
	if apiURL == "" {
		apiURL = "https://api.cohere.ai/v1/embed"
	}
	body, _ := json.Marshal(map[string]interface{}{
		"texts": texts, "model": model, "input_type": inputType,
	})
	var resp struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := g.postJSON(ctx, "cohere", model, texts, apiURL, t.APIKey, body, &resp); err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

func (g *Gateway) embedNomicAI(ctx context.Context, model string, texts []string, t Transport) ([][]float64, error) {
	apiURL := t.APIURL
	if apiURL == "" {
		apiURL = "https://api-atlas.nomic.ai/v1/embedding/text"
	}
	if t.APIKey == "" {
		return nil, newEmbedConfigError("nomicai", "missing apiKey")
	}
	body, _ := json.Marshal(map[string]interface{}{"texts": texts, "model": model})
	var resp struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := g.postJSON(ctx, "nomicai", model, texts, apiURL, t.APIKey, body, &resp); err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

// embedGoogle dispatches to Google's makersuite (API-key) or Vertex
// (service-account) embedding surface per the `api` discriminator
// (spec.md §4.1).
func (g *Gateway) embedGoogle(ctx context.Context, provider, model string, texts []string, t Transport) ([][]float64, error) {
	switch t.API {
	case "vertex":
		if t.VertexAIAuthMode == "" || t.VertexAIRegion == "" {
			return nil, newEmbedConfigError(provider, "vertex requires vertexai_auth_mode and vertexai_region")
		}
	case "makersuite", "":
		if t.APIKey == "" {
			return nil, newEmbedConfigError(provider, "missing apiKey")
		}
	default:
		return nil, newEmbedConfigError(provider, "unrecognized api discriminator "+t.API)
	}
	apiURL := t.APIURL
	if apiURL == "" {
		apiURL = "https://generativelanguage.googleapis.com/v1beta/models/" + model + ":batchEmbedContents"
	}
	requests := make([]map[string]interface{}, len(texts))
	for i, text := range texts {
		requests[i] = map[string]interface{}{
			"model":   "models/" + model,
			"content": map[string]interface{}{"parts": []map[string]string{{"text": text}}},
		}
	}
	body, _ := json.Marshal(map[string]interface{}{"requests": requests})
	var resp struct {
		Embeddings []struct {
			Values []float64 `json:"values"`
		} `json:"embeddings"`
	}
	if err := g.postJSON(ctx, provider, model, texts, apiURL, t.APIKey, body, &resp); err != nil {
		return nil, err
	}
	out := make([][]float64, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

// embedOpenAIShape implements the OpenAI-compatible `/embeddings` request
// for every provider in openAICompatible plus koboldcpp's v1-compatible
// surface, sending the whole text batch in one call and placing each
// data[].embedding at its reported index. The response shape is a list of
// objects, so no flat-vector detection is done here.
func (g *Gateway) embedOpenAIShape(ctx context.Context, provider, apiURL, model string, texts []string, apiKey string) ([][]float64, error) {
	body, _ := json.Marshal(map[string]interface{}{"model": model, "input": texts})
	var resp struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := g.postJSON(ctx, provider, model, texts, apiURL, apiKey, body, &resp); err != nil {
		return nil, err
	}
	out := make([][]float64, len(resp.Data))
	for _, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) {
			continue
		}
		out[idx] = d.Embedding
	}
	return out, nil
}

// postJSON is the shared HTTP plumbing for every remote provider: it sets
// the bearer header when a key is present, reads the body, classifies
// failures into the EmbedError taxonomy, and decodes the success payload.
func (g *Gateway) postJSON(ctx context.Context, provider, model string, texts []string, apiURL, apiKey string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return newEmbedConfigError(provider, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return classifyHTTPFailure(provider, model, texts, "", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyHTTPFailure(provider, model, texts, "", err)
	}
	if resp.StatusCode != http.StatusOK {
		return classifyHTTPFailure(provider, model, texts, string(respBody), nil)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &EmbedError{Provider: provider, Kind: EmbedErrProtocol, Message: err.Error()}
	}
	return nil
}

// Dimensions discovers a provider/model's embedding width by embedding a
// short probe string, for backends (milvus) that need it at init time
// (spec.md §4.2(d)).
func (g *Gateway) Dimensions(ctx context.Context, provider, model string, t Transport) (int, error) {
	vecs, err := g.Embed(ctx, provider, model, []string{"dimension probe"}, t)
	if err != nil {
		return 0, err
	}
	if len(vecs) == 0 {
		return 0, &EmbedError{Provider: provider, Kind: EmbedErrProtocol, Message: "empty probe response"}
	}
	return len(vecs[0]), nil
}
