// Package audit keeps an append-only log of answered questions and the
// documents each answer cited.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrWriteFailure = errors.New("audit: write failed")

type record struct {
	ID          uint64         `gorm:"primaryKey"`
	Principal   string         `gorm:"size:255;not null;index:idx_audit_principal_time"`
	Question    string         `gorm:"type:text;not null"`
	DocumentIDs datatypes.JSON `gorm:"type:json"`
	AgentTag    string         `gorm:"size:64;not null"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_audit_principal_time"`
}

func (record) TableName() string {
	return "audit_logs"
}

type DocumentRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Entry struct {
	ID        uint64        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Question  string        `json:"question"`
	Documents []DocumentRef `json:"documents"`
	AgentTag  string        `json:"agent_id"`
}

// TitleLookup resolves document titles by id.
type TitleLookup func(ctx context.Context, ids []string) (map[string]string, error)

type Recorder struct {
	db     *gorm.DB
	titles TitleLookup
	logger *slog.Logger
	now    func() time.Time
}

func NewRecorder(db *gorm.DB, titles TitleLookup, logger *slog.Logger) (*Recorder, error) {
	if db == nil {
		return nil, errors.New("audit: database connection is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, titles: titles, logger: logger, now: time.Now}, nil
}

func (r *Recorder) AutoMigrate() error {
	return r.db.AutoMigrate(&record{})
}

// Record appends one entry. Failures are logged and returned wrapped in
// ErrWriteFailure; callers are expected not to fail on them.
func (r *Recorder) Record(ctx context.Context, principal, question string, documentIDs []string, agentTag string) error {
	if documentIDs == nil {
		documentIDs = []string{}
	}
	raw, err := json.Marshal(documentIDs)
	if err != nil {
		return r.failed(principal, err)
	}
	entry := record{
		Principal:   principal,
		Question:    question,
		DocumentIDs: datatypes.JSON(raw),
		AgentTag:    agentTag,
		CreatedAt:   r.now().UTC(),
	}
	// the audit write outlives a cancelled request
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.db.WithContext(writeCtx).Create(&entry).Error; err != nil {
		return r.failed(principal, err)
	}
	return nil
}

func (r *Recorder) failed(principal string, err error) error {
	r.logger.Warn("audit write failed", "principal", principal, "error", err)
	return fmt.Errorf("%w: %w", ErrWriteFailure, err)
}

// ListFor returns the principal's entries newest first with document titles
// resolved. Documents that no longer exist are listed by id.
func (r *Recorder) ListFor(ctx context.Context, principal string) ([]Entry, error) {
	var records []record
	if err := r.db.WithContext(ctx).
		Where("principal = ?", strings.TrimSpace(principal)).
		Order("created_at DESC").Order("id DESC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("audit: list entries: %w", err)
	}

	entries := make([]Entry, 0, len(records))
	idSet := make(map[string]struct{})
	var ids []string
	for _, rec := range records {
		var docIDs []string
		if len(rec.DocumentIDs) > 0 {
			if err := json.Unmarshal(rec.DocumentIDs, &docIDs); err != nil {
				r.logger.Warn("audit entry has malformed document ids", "id", rec.ID, "error", err)
			}
		}
		refs := make([]DocumentRef, 0, len(docIDs))
		for _, id := range docIDs {
			refs = append(refs, DocumentRef{ID: id})
			if _, ok := idSet[id]; !ok {
				idSet[id] = struct{}{}
				ids = append(ids, id)
			}
		}
		entries = append(entries, Entry{
			ID:        rec.ID,
			Timestamp: rec.CreatedAt,
			Question:  rec.Question,
			Documents: refs,
			AgentTag:  rec.AgentTag,
		})
	}

	titles := map[string]string{}
	if r.titles != nil && len(ids) > 0 {
		resolved, err := r.titles(ctx, ids)
		if err != nil {
			r.logger.Warn("resolve audit document titles failed", "error", err)
		} else {
			titles = resolved
		}
	}
	for i := range entries {
		for j := range entries[i].Documents {
			ref := &entries[i].Documents[j]
			if title, ok := titles[ref.ID]; ok && title != "" {
				ref.Title = title
			} else {
				ref.Title = ref.ID
			}
		}
	}
	return entries, nil
}
