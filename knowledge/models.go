package knowledge

import (
	"time"
)

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"

	StatusPending = "pending"
	StatusIndexed = "indexed"
	StatusFailed  = "failed"
)

type Document struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	OwnerID    string    `gorm:"size:255;not null;index" json:"owner_id"`
	Title      string    `gorm:"size:200;not null" json:"title"`
	FileName   string    `gorm:"size:255;not null" json:"file_name"`
	StorageRef string    `gorm:"size:512;not null" json:"storage_ref"`
	Visibility string    `gorm:"size:16;not null;default:'private';index" json:"visibility"`
	Status     string    `gorm:"size:16;not null;default:'pending'" json:"status"`
	ChunkCount int       `gorm:"not null;default:0" json:"chunk_count"`
	LastError  string    `gorm:"size:500" json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Document) TableName() string {
	return "documents"
}

func (d Document) IsPublic() bool {
	return d.Visibility == VisibilityPublic
}

type Chunk struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	DocumentID  string    `gorm:"size:36;not null;index:idx_document_seq" json:"document_id"`
	Seq         int       `gorm:"not null;index:idx_document_seq" json:"seq"`
	Text        string    `gorm:"type:text;not null" json:"text"`
	ContentHash string    `gorm:"size:64;not null" json:"content_hash"`
	TokenCount  int       `gorm:"not null;default:0" json:"token_count"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Chunk) TableName() string {
	return "document_chunks"
}

// Passage is an authorized retrieval result handed to the conversation layer.
type Passage struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	FileName   string  `json:"file_name"`
	Text       string  `json:"text"`
	Seq        int     `json:"seq"`
	Score      float64 `json:"score"`
}
