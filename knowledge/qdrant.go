package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultQdrantCollection = "document_chunks"

// QdrantIndex talks to the Qdrant REST API.
type QdrantIndex struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	collection string
	vectorSize int
}

type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	VectorSize int
	Timeout    time.Duration
}

func NewQdrantIndex(cfg QdrantConfig) (*QdrantIndex, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}
	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		collection = defaultQdrantCollection
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &QdrantIndex{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		collection: collection,
		vectorSize: cfg.VectorSize,
	}, nil
}

func NewQdrantIndexFromEnv() (*QdrantIndex, error) {
	return NewQdrantIndex(QdrantConfig{
		URL:        os.Getenv("QDRANT_URL"),
		APIKey:     os.Getenv("QDRANT_API_KEY"),
		Collection: os.Getenv("QDRANT_COLLECTION"),
		VectorSize: readIntEnv("QDRANT_VECTOR_DIM", readIntEnv("EMBEDDING_VECTOR_DIM", defaultEmbeddingDim)),
	})
}

// EnsureCollection creates the collection with cosine distance when it does
// not exist yet.
func (c *QdrantIndex) EnsureCollection(ctx context.Context) error {
	if c.vectorSize <= 0 {
		return errors.New("knowledge: vector size must be positive")
	}
	var existing struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(c.collection), nil, &existing); err == nil {
		return nil
	}
	payload := map[string]any{
		"vectors": map[string]any{
			"size":     c.vectorSize,
			"distance": "Cosine",
		},
	}
	if err := c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(c.collection), payload, nil); err != nil {
		return fmt.Errorf("knowledge: ensure collection: %w", err)
	}
	return nil
}

func (c *QdrantIndex) Upsert(ctx context.Context, points ...Point) error {
	if len(points) == 0 {
		return nil
	}
	path := fmt.Sprintf("/collections/%s/points?wait=true", url.PathEscape(c.collection))
	if err := c.do(ctx, http.MethodPut, path, map[string]any{"points": points}, nil); err != nil {
		return fmt.Errorf("knowledge: upsert points: %w", err)
	}
	return nil
}

func (c *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", url.PathEscape(c.collection))
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"points": ids}, nil); err != nil {
		return fmt.Errorf("knowledge: delete points: %w", err)
	}
	return nil
}

// qdrantTieSlack extra candidates are fetched so hits tied on score at the
// cut-off are ordered by the local tie-break rather than by Qdrant.
const qdrantTieSlack = 8

func (c *QdrantIndex) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}
	payload := map[string]any{
		"vector":       vector,
		"limit":        k + qdrantTieSlack,
		"with_payload": true,
	}
	if len(filter) > 0 {
		must := make([]map[string]any, 0, len(filter))
		for key, value := range filter {
			must = append(must, map[string]any{
				"key":   key,
				"match": map[string]any{"value": value},
			})
		}
		payload["filter"] = map[string]any{"must": must}
	}

	var decoded struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(c.collection))
	if err := c.do(ctx, http.MethodPost, path, payload, &decoded); err != nil {
		return nil, fmt.Errorf("knowledge: search points: %w", err)
	}

	hits := make([]Hit, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		hits = append(hits, Hit{
			ID:      stringifyQdrantID(item.ID),
			Score:   item.Score,
			Payload: item.Payload,
		})
	}
	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (c *QdrantIndex) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func stringifyQdrantID(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
