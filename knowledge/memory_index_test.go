package knowledge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryIndexSearch_OrdersByScore(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Upsert(ctx,
		Point{ID: "far", Vector: []float32{0, 1}},
		Point{ID: "near", Vector: []float32{1, 0}},
		Point{ID: "mid", Vector: []float32{1, 1}},
	))

	hits, err := idx.Search(ctx, []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, []string{"near", "mid", "far"}, []string{hits[0].ID, hits[1].ID, hits[2].ID})
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-6)

	hits, err = idx.Search(ctx, []float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "near", hits[0].ID)
}

func TestMemoryIndexSearch_TieBreaks(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Upsert(ctx,
		Point{ID: "a", Vector: []float32{1, 0}, Payload: map[string]any{PayloadIndexedAt: int64(100)}},
		Point{ID: "b", Vector: []float32{2, 0}, Payload: map[string]any{PayloadIndexedAt: int64(300)}},
		Point{ID: "c", Vector: []float32{3, 0}, Payload: map[string]any{PayloadIndexedAt: int64(300)}},
	))

	hits, err := idx.Search(ctx, []float32{1, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	// equal cosine: newest first, then id descending
	assert.Equal(t, "c", hits[0].ID)
	assert.Equal(t, "b", hits[1].ID)
	assert.Equal(t, "a", hits[2].ID)
}

func TestMemoryIndex_UpsertValidation(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(3)
	assert.Error(t, idx.Upsert(ctx, Point{ID: "x", Vector: []float32{1, 2}}))
	assert.Error(t, idx.Upsert(ctx, Point{Vector: []float32{1, 2, 3}}))
	assert.Equal(t, 0, idx.Len())
}

func TestMemoryIndex_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Upsert(ctx, Point{ID: "p", Vector: []float32{0, 1}, Payload: map[string]any{PayloadText: "old"}}))
	require.NoError(t, idx.Upsert(ctx, Point{ID: "p", Vector: []float32{1, 0}, Payload: map[string]any{PayloadText: "new"}}))
	assert.Equal(t, 1, idx.Len())

	hits, err := idx.Search(ctx, []float32{1, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "new", hits[0].Payload[PayloadText])
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestMemoryIndexSearch_Filter(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Upsert(ctx,
		Point{ID: "d1-0", Vector: []float32{1, 0}, Payload: map[string]any{PayloadDocumentID: "d1"}},
		Point{ID: "d2-0", Vector: []float32{1, 0}, Payload: map[string]any{PayloadDocumentID: "d2"}},
	))

	hits, err := idx.Search(ctx, []float32{1, 0}, 5, Filter{PayloadDocumentID: "d2"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d2-0", hits[0].ID)
}

func TestMemoryIndex_Delete(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Upsert(ctx,
		Point{ID: "keep", Vector: []float32{1, 0}},
		Point{ID: "drop", Vector: []float32{1, 0}},
	))
	require.NoError(t, idx.Delete(ctx, []string{"drop", "missing"}))
	assert.Equal(t, 1, idx.Len())

	hits, err := idx.Search(ctx, []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "keep", hits[0].ID)
}

func TestMemoryIndexSearch_EmptyQuery(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(2)
	require.NoError(t, idx.Upsert(ctx, Point{ID: "p", Vector: []float32{1, 0}}))

	hits, err := idx.Search(ctx, nil, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(ctx, []float32{1, 0}, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestPassageFromHit(t *testing.T) {
	p := passageFromHit(Hit{ID: "c1", Score: 0.5, Payload: map[string]any{
		PayloadDocumentID: "d1",
		PayloadTitle:      "Contract",
		PayloadFileName:   "contract.pdf",
		PayloadSeq:        float64(3),
		PayloadText:       "body",
	}})
	assert.Equal(t, Passage{ChunkID: "c1", DocumentID: "d1", Title: "Contract", FileName: "contract.pdf", Seq: 3, Text: "body", Score: 0.5}, p)
}
