package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type vectorRow struct {
	ID         string          `gorm:"primaryKey;size:36"`
	DocumentID string          `gorm:"size:36;index"`
	Embedding  pgvector.Vector `gorm:"type:vector"`
	Payload    datatypes.JSON  `gorm:"type:jsonb"`
	IndexedAt  int64           `gorm:"not null;default:0"`
}

func (vectorRow) TableName() string {
	return "chunk_vectors"
}

// PgVectorIndex keeps chunk vectors in Postgres using the pgvector extension.
type PgVectorIndex struct {
	db        *gorm.DB
	dimension int
}

func NewPgVectorIndex(db *gorm.DB, dimension int) (*PgVectorIndex, error) {
	if db == nil {
		return nil, errors.New("knowledge: database connection is required")
	}
	if db.Dialector.Name() != "postgres" {
		return nil, fmt.Errorf("knowledge: pgvector index requires postgres, got %s", db.Dialector.Name())
	}
	if dimension <= 0 {
		dimension = defaultEmbeddingDim
	}
	return &PgVectorIndex{db: db, dimension: dimension}, nil
}

func (p *PgVectorIndex) EnsureSchema(ctx context.Context) error {
	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunk_vectors (
	id varchar(36) PRIMARY KEY,
	document_id varchar(36) NOT NULL,
	embedding vector(%d) NOT NULL,
	payload jsonb,
	indexed_at bigint NOT NULL DEFAULT 0
)`, p.dimension),
		"CREATE INDEX IF NOT EXISTS idx_chunk_vectors_document ON chunk_vectors (document_id)",
	}
	for _, stmt := range statements {
		if err := p.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("knowledge: ensure pgvector schema: %w", err)
		}
	}
	return nil
}

func (p *PgVectorIndex) Upsert(ctx context.Context, points ...Point) error {
	if len(points) == 0 {
		return nil
	}
	rows := make([]vectorRow, 0, len(points))
	for _, point := range points {
		if len(point.Vector) != p.dimension {
			return fmt.Errorf("knowledge: vector dimension %d does not match index dimension %d", len(point.Vector), p.dimension)
		}
		raw, err := json.Marshal(point.Payload)
		if err != nil {
			return fmt.Errorf("knowledge: encode payload: %w", err)
		}
		rows = append(rows, vectorRow{
			ID:         point.ID,
			DocumentID: payloadString(point.Payload, PayloadDocumentID),
			Embedding:  pgvector.NewVector(point.Vector),
			Payload:    datatypes.JSON(raw),
			IndexedAt:  payloadInt64(point.Payload, PayloadIndexedAt),
		})
	}
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"document_id", "embedding", "payload", "indexed_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("knowledge: upsert vectors: %w", err)
	}
	return nil
}

func (p *PgVectorIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := p.db.WithContext(ctx).Where("id IN ?", ids).Delete(&vectorRow{}).Error; err != nil {
		return fmt.Errorf("knowledge: delete vectors: %w", err)
	}
	return nil
}

func (p *PgVectorIndex) Search(ctx context.Context, vector []float32, k int, filter Filter) ([]Hit, error) {
	if len(vector) == 0 || k <= 0 {
		return nil, nil
	}
	query := pgvector.NewVector(vector)

	var where []string
	args := []any{query}
	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		where = append(where, "payload->>? = ?")
		args = append(args, key, filter[key])
	}
	sql := "SELECT id, payload, 1 - (embedding <=> ?) AS score FROM chunk_vectors"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY embedding <=> ?, indexed_at DESC, id DESC LIMIT ?"
	args = append(args, query, k)

	var rows []struct {
		ID      string
		Payload datatypes.JSON
		Score   float64
	}
	if err := p.db.WithContext(ctx).Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("knowledge: search vectors: %w", err)
	}

	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		payload := map[string]any{}
		if len(row.Payload) > 0 {
			if err := json.Unmarshal(row.Payload, &payload); err != nil {
				return nil, fmt.Errorf("knowledge: decode payload: %w", err)
			}
		}
		hits = append(hits, Hit{ID: row.ID, Score: row.Score, Payload: payload})
	}
	sortHits(hits)
	return hits, nil
}
