package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"docchat_back/policy"
)

const defaultOversample = 4

// AuthQueryFunc maps a search hit to the tuple that must hold for principal
// to see it. ok=false drops the hit without a check.
type AuthQueryFunc func(principal string, hit Hit) (tuple policy.Tuple, ok bool)

// ViewerOfDocument requires the viewer relation on the hit's document.
func ViewerOfDocument(principal string, hit Hit) (policy.Tuple, bool) {
	documentID := payloadString(hit.Payload, PayloadDocumentID)
	if documentID == "" {
		return policy.Tuple{}, false
	}
	return policy.ViewerTuple(principal, documentID), true
}

// Retriever runs similarity search and keeps only the hits the principal is
// allowed to view.
type Retriever struct {
	embedder   Embedder
	index      VectorIndex
	gate       *policy.Gate
	authQuery  AuthQueryFunc
	oversample int
	filter     Filter
	titles     TitleLookup
	logger     *slog.Logger
}

// TitleLookup resolves current document titles by id.
type TitleLookup func(ctx context.Context, ids []string) (map[string]string, error)

type RetrieverOption func(*Retriever)

func WithAuthQuery(fn AuthQueryFunc) RetrieverOption {
	return func(r *Retriever) {
		if fn != nil {
			r.authQuery = fn
		}
	}
}

// WithOversample sets how many candidates per requested result are fetched
// before the policy filter runs.
func WithOversample(factor int) RetrieverOption {
	return func(r *Retriever) {
		if factor >= 1 {
			r.oversample = factor
		}
	}
}

func WithCandidateFilter(filter Filter) RetrieverOption {
	return func(r *Retriever) { r.filter = filter }
}

// WithTitleLookup replaces the title stored with each point by the current
// one, so renamed documents show their new title without a reindex.
func WithTitleLookup(fn TitleLookup) RetrieverOption {
	return func(r *Retriever) { r.titles = fn }
}

func WithRetrieverLogger(logger *slog.Logger) RetrieverOption {
	return func(r *Retriever) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewRetriever(embedder Embedder, index VectorIndex, gate *policy.Gate, opts ...RetrieverOption) (*Retriever, error) {
	if embedder == nil || index == nil || gate == nil {
		return nil, errors.New("knowledge: retriever requires embedder, index and gate")
	}
	r := &Retriever{
		embedder:   embedder,
		index:      index,
		gate:       gate,
		authQuery:  ViewerOfDocument,
		oversample: defaultOversample,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Retrieve returns up to k passages principal may view, best first. It never
// pads: fewer authorized candidates means fewer results. Embedding failures
// surface as ErrEmbeddingUnavailable; policy failures deny.
func (r *Retriever) Retrieve(ctx context.Context, principal, query string, k int) ([]Passage, error) {
	query = strings.TrimSpace(query)
	if query == "" || k <= 0 || strings.TrimSpace(principal) == "" {
		return nil, nil
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		if !errors.Is(err, ErrEmbeddingUnavailable) {
			err = fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
		}
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: query returned %d vectors", ErrEmbeddingUnavailable, len(vectors))
	}

	hits, err := r.index.Search(ctx, vectors[0], k*r.oversample, r.filter)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search candidates: %w", err)
	}

	tuples := make([]policy.Tuple, 0, len(hits))
	candidates := make([]Hit, 0, len(hits))
	for _, hit := range hits {
		tuple, ok := r.authQuery(principal, hit)
		if !ok {
			continue
		}
		tuples = append(tuples, tuple)
		candidates = append(candidates, hit)
	}

	allowed := r.gate.BatchCheck(ctx, tuples)
	passages := make([]Passage, 0, k)
	for i, hit := range candidates {
		if !allowed[i] {
			continue
		}
		passages = append(passages, passageFromHit(hit))
		if len(passages) == k {
			break
		}
	}

	r.refreshTitles(ctx, passages)
	r.logger.Debug("retrieval finished", "candidates", len(hits), "checked", len(candidates), "returned", len(passages))
	return passages, nil
}

func (r *Retriever) refreshTitles(ctx context.Context, passages []Passage) {
	if r.titles == nil || len(passages) == 0 {
		return
	}
	ids := make([]string, 0, len(passages))
	seen := make(map[string]bool, len(passages))
	for _, p := range passages {
		if !seen[p.DocumentID] {
			seen[p.DocumentID] = true
			ids = append(ids, p.DocumentID)
		}
	}
	titles, err := r.titles(ctx, ids)
	if err != nil {
		r.logger.Warn("resolve passage titles failed", "error", err)
		return
	}
	for i := range passages {
		if title, ok := titles[passages[i].DocumentID]; ok && title != "" {
			passages[i].Title = title
		}
	}
}
