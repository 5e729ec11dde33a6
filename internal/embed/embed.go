// Package embed generates vector embeddings for document chunks and search
// queries, via either a local Ollama model or the OpenAI embeddings API.
package embed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/knowledgebase/kbsubsystem/internal/kberrors"
	"github.com/knowledgebase/kbsubsystem/internal/observability"
)

// Embedder turns text into vectors. Implementations must be safe for
// concurrent use; the ingestion pipeline calls EmbedBatch once per chunk
// batch from a single goroutine per document, but multiple documents may
// ingest concurrently.
type Embedder interface {
	// Embed generates one embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch generates one embedding vector per input text, preserving
	// order; a failure on any text fails the whole batch.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the vector width this embedder produces.
	Dimension() int
	// Model returns the embedding model name in use.
	Model() string
}

// ModelInfo describes a known embedding model's fixed properties.
type ModelInfo struct {
	Dimension int
	MaxTokens int
}

// openAIModels is the provider-side model registry: dimension and context
// window per OpenAI embedding model, matching the deployed model table.
var openAIModels = map[string]ModelInfo{
	"text-embedding-3-small": {Dimension: 1536, MaxTokens: 8191},
	"text-embedding-3-large": {Dimension: 3072, MaxTokens: 8191},
	"text-embedding-ada-002": {Dimension: 1536, MaxTokens: 8191},
}

// LookupModel returns the known dimension/token-limit for an OpenAI
// embedding model name, if recognized.
func LookupModel(model string) (ModelInfo, bool) {
	info, ok := openAIModels[model]
	return info, ok
}

// Config configures either provider. Only the fields relevant to the
// selected Provider are used.
type Config struct {
	Provider   string // "ollama" or "openai"
	Model      string
	Dimension  int
	OllamaHost string
	OpenAIKey  string
	OpenAIBaseURL string // overrides the default OpenAI endpoint, for Azure-style or self-hosted gateways
	BatchSize  int
}

// New builds the configured Embedder implementation.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "", "ollama":
		return NewOllamaEmbedder(cfg)
	case "openai":
		return NewOpenAIEmbedder(cfg)
	default:
		return nil, kberrors.New(kberrors.BadInput, "unknown embedding provider %q", cfg.Provider)
	}
}

// OllamaEmbedder generates embeddings via a local Ollama server, pulling the
// configured model on first use if it is not already present.
type OllamaEmbedder struct {
	client    *api.Client
	model     string
	dimension int
	batchSize int
	logger    zerolog.Logger

	mu    sync.Mutex
	ready bool
}

// NewOllamaEmbedder constructs an OllamaEmbedder from cfg, applying defaults
// for any zero-valued fields.
func NewOllamaEmbedder(cfg Config) (*OllamaEmbedder, error) {
	host := cfg.OllamaHost
	if host == "" {
		host = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = 768
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}

	ollamaURL, err := url.Parse(host)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.BadInput, err, "invalid ollama host %q", host)
	}

	return &OllamaEmbedder{
		client:    api.NewClient(ollamaURL, http.DefaultClient),
		model:     model,
		dimension: dimension,
		batchSize: batchSize,
		logger:    observability.Logger("embed.ollama"),
	}, nil
}

// ensureModel verifies the configured model is available locally, pulling
// it on first miss. Subsequent calls are a no-op once ready.
func (e *OllamaEmbedder) ensureModel(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ready {
		return nil
	}

	if _, err := e.client.Show(ctx, &api.ShowRequest{Model: e.model}); err == nil {
		e.ready = true
		return nil
	}

	e.logger.Info().Str("model", e.model).Msg("pulling embedding model")

	pullReq := &api.PullRequest{Model: e.model}
	progressFn := func(resp api.ProgressResponse) error {
		if resp.Total > 0 {
			e.logger.Debug().
				Str("status", resp.Status).
				Float64("progress", float64(resp.Completed)/float64(resp.Total)*100).
				Msg("pulling model")
		}
		return nil
	}

	if err := e.client.Pull(ctx, pullReq, progressFn); err != nil {
		return kberrors.Wrap(kberrors.Embedding, err, "pulling model %s", e.model)
	}

	e.ready = true
	return nil
}

// Embed implements Embedder.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch implements Embedder, fanning requests out across a
// semaphore-bounded pool of goroutines sized by batchSize.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := e.ensureModel(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	vectors := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, e.batchSize)

	for i, text := range texts {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(idx int, txt string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			vec, err := e.embedSingle(ctx, txt)
			if err != nil {
				errs[idx] = err
				return
			}
			vectors[idx] = vec
		}(i, text)
	}

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, kberrors.Wrap(kberrors.Embedding, err, "embedding text %d of %d", i, len(texts))
		}
	}

	e.logger.Debug().
		Int("count", len(texts)).
		Dur("duration", time.Since(start)).
		Msg("batch embedding completed")

	return vectors, nil
}

func (e *OllamaEmbedder) embedSingle(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings in response")
	}

	vec := make([]float32, len(resp.Embeddings[0]))
	for i, v := range resp.Embeddings[0] {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimension implements Embedder.
func (e *OllamaEmbedder) Dimension() int { return e.dimension }

// Model implements Embedder.
func (e *OllamaEmbedder) Model() string { return e.model }

// OpenAIEmbedder generates embeddings via the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
	batchSize int
	logger    zerolog.Logger
}

// NewOpenAIEmbedder constructs an OpenAIEmbedder from cfg. The model's
// dimension is taken from the registry when recognized, falling back to
// cfg.Dimension (or 1536) for custom deployments.
func NewOpenAIEmbedder(cfg Config) (*OpenAIEmbedder, error) {
	if cfg.OpenAIKey == "" {
		return nil, kberrors.New(kberrors.BadInput, "openai embedding provider requires an api key")
	}

	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}

	dimension := cfg.Dimension
	if info, ok := LookupModel(model); ok {
		dimension = info.Dimension
	} else if dimension <= 0 {
		dimension = 1536
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	clientConfig := openai.DefaultConfig(cfg.OpenAIKey)
	if cfg.OpenAIBaseURL != "" {
		clientConfig.BaseURL = cfg.OpenAIBaseURL
	}

	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(clientConfig),
		model:     model,
		dimension: dimension,
		batchSize: batchSize,
		logger:    observability.Logger("embed.openai"),
	}, nil
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch implements Embedder, chunking the input into batchSize-sized
// requests against the OpenAI embeddings endpoint.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	start := time.Now()
	vectors := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += e.batchSize {
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts[i:end],
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return nil, kberrors.Wrap(kberrors.Embedding, err, "openai embeddings request for batch %d-%d", i, end)
		}
		if len(resp.Data) != end-i {
			return nil, kberrors.New(kberrors.Embedding, "openai returned %d embeddings for %d inputs", len(resp.Data), end-i)
		}

		for _, d := range resp.Data {
			vectors = append(vectors, d.Embedding)
		}
	}

	e.logger.Debug().
		Int("count", len(texts)).
		Dur("duration", time.Since(start)).
		Msg("batch embedding completed")

	return vectors, nil
}

// Dimension implements Embedder.
func (e *OpenAIEmbedder) Dimension() int { return e.dimension }

// Model implements Embedder.
func (e *OpenAIEmbedder) Model() string { return e.model }
