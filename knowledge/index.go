package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Payload keys written with every indexed chunk.
const (
	PayloadDocumentID = "document_id"
	PayloadTitle      = "title"
	PayloadFileName   = "file_name"
	PayloadSeq        = "seq"
	PayloadText       = "text"
	PayloadIndexedAt  = "indexed_at"
)

type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

type Hit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Filter narrows search candidates by payload equality. It scopes a search,
// it is never an authorization decision.
type Filter map[string]string

// VectorIndex stores chunk vectors and answers cosine nearest-neighbor
// queries. Search returns at most k hits ordered best first; ties are broken
// by most recently indexed, then by id.
type VectorIndex interface {
	Upsert(ctx context.Context, points ...Point) error
	Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error)
	Delete(ctx context.Context, ids []string) error
}

func sortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		ti, tj := payloadInt64(hits[i].Payload, PayloadIndexedAt), payloadInt64(hits[j].Payload, PayloadIndexedAt)
		if ti != tj {
			return ti > tj
		}
		return hits[i].ID > hits[j].ID
	})
}

func (f Filter) matches(payload map[string]any) bool {
	for key, want := range f {
		if payloadString(payload, key) != want {
			return false
		}
	}
	return true
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	switch v := payload[key].(type) {
	case string:
		return v
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func payloadInt64(payload map[string]any, key string) int64 {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

func passageFromHit(hit Hit) Passage {
	return Passage{
		ChunkID:    hit.ID,
		DocumentID: payloadString(hit.Payload, PayloadDocumentID),
		Title:      payloadString(hit.Payload, PayloadTitle),
		FileName:   payloadString(hit.Payload, PayloadFileName),
		Text:       payloadString(hit.Payload, PayloadText),
		Seq:        int(payloadInt64(hit.Payload, PayloadSeq)),
		Score:      hit.Score,
	}
}
