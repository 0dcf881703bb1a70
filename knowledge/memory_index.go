package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// MemoryIndex is a brute-force cosine index kept in process memory.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	points    map[string]Point
}

func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{dimension: dimension, points: make(map[string]Point)}
}

func (m *MemoryIndex) Upsert(ctx context.Context, points ...Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		if p.ID == "" {
			return errors.New("knowledge: point id is required")
		}
		if m.dimension > 0 && len(p.Vector) != m.dimension {
			return fmt.Errorf("knowledge: vector dimension %d does not match index dimension %d", len(p.Vector), m.dimension)
		}
		vector := make([]float32, len(p.Vector))
		copy(vector, p.Vector)
		payload := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		m.points[p.ID] = Point{ID: p.ID, Vector: vector, Payload: payload}
	}
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, nil
	}
	m.mu.RLock()
	hits := make([]Hit, 0, len(m.points))
	for _, p := range m.points {
		if !filter.matches(p.Payload) {
			continue
		}
		hits = append(hits, Hit{ID: p.ID, Score: cosine(vector, p.Vector), Payload: p.Payload})
	}
	m.mu.RUnlock()

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryIndex) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.points, id)
	}
	return nil
}

// Len reports the number of stored points.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
