package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultEmbeddingDim   = 1536
)

// Embedder turns texts into vectors of a fixed dimension. Implementations
// report upstream failures wrapped in ErrEmbeddingUnavailable.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

type httpEmbedder struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	modelID     string
	maxBatch    int
	expectDim   int
	dimensions  int
	extraHeader http.Header
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

type EmbedderConfig struct {
	BaseURL    string
	APIKey     string
	ModelID    string
	MaxBatch   int
	Dimensions int
	Timeout    time.Duration
}

func NewHTTPEmbedder(cfg EmbedderConfig) (Embedder, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("knowledge: embedding API key is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid embedding base URL %q", baseURL)
	}
	modelID := strings.TrimSpace(cfg.ModelID)
	if modelID == "" {
		modelID = defaultEmbeddingModel
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 16
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpEmbedder{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		modelID:    modelID,
		maxBatch:   maxBatch,
		expectDim:  cfg.Dimensions,
		dimensions: cfg.Dimensions,
		extraHeader: http.Header{
			"User-Agent": []string{"docchat-knowledge/1.0"},
		},
	}, nil
}

func NewHTTPEmbedderFromEnv() (Embedder, error) {
	apiKey := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("LLM_API_KEY"))
	}
	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("LLM_BASE_URL"))
	}
	return NewHTTPEmbedder(EmbedderConfig{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		ModelID:    os.Getenv("EMBEDDING_MODEL_ID"),
		MaxBatch:   readIntEnv("EMBEDDING_MAX_BATCH", 16),
		Dimensions: readIntEnv("EMBEDDING_VECTOR_DIM", defaultEmbeddingDim),
	})
}

func (e *httpEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if e == nil {
		return nil, errors.New("knowledge: embedder is not configured")
	}
	sanitized := make([]string, 0, len(inputs))
	for _, item := range inputs {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: blank embedding input", ErrValidation)
		}
		sanitized = append(sanitized, trimmed)
	}
	if len(sanitized) == 0 {
		return nil, nil
	}

	results := make([][]float32, 0, len(sanitized))
	for start := 0; start < len(sanitized); start += e.maxBatch {
		end := start + e.maxBatch
		if end > len(sanitized) {
			end = len(sanitized)
		}
		batchVectors, err := e.embedBatch(ctx, sanitized[start:end])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
		}
		results = append(results, batchVectors...)
	}
	return results, nil
}

func (e *httpEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	payload := embeddingRequest{
		Model: e.modelID,
		Input: batch,
	}
	if e.dimensions > 0 {
		dim := e.dimensions
		payload.Dimensions = &dim
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("encode embedding payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", body)
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	for key, values := range e.extraHeader {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embedding API status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(decoded.Data) != len(batch) {
		return nil, fmt.Errorf("embedding response count mismatch (expected %d, got %d)", len(batch), len(decoded.Data))
	}

	vectors := make([][]float32, len(decoded.Data))
	for _, item := range decoded.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding response index %d out of range", item.Index)
		}
		vector := make([]float32, 0, len(item.Embedding))
		for _, value := range item.Embedding {
			vector = append(vector, float32(value))
		}
		if e.expectDim > 0 && len(vector) != e.expectDim {
			return nil, fmt.Errorf("embedding length %d does not match expected %d", len(vector), e.expectDim)
		}
		vectors[item.Index] = vector
	}
	return vectors, nil
}
