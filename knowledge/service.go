package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"docchat_back/policy"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ObjectRemover deletes stored document bytes.
type ObjectRemover interface {
	Remove(ctx context.Context, ref string) error
}

// Service is the document catalog: it owns the Document rows and keeps the
// vector index and policy tuples consistent with them.
type Service struct {
	db       *gorm.DB
	gate     *policy.Gate
	index    VectorIndex
	ingestor *Ingestor
	files    ObjectRemover
	logger   *slog.Logger
}

type NewDocument struct {
	OwnerID    string
	Title      string
	FileName   string
	StorageRef string
	Public     bool
}

type DocumentUpdate struct {
	Title  *string `json:"title"`
	Public *bool   `json:"shared"`
}

func NewService(db *gorm.DB, gate *policy.Gate, index VectorIndex, ingestor *Ingestor, files ObjectRemover, logger *slog.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("knowledge: database connection is required")
	}
	if gate == nil || index == nil || ingestor == nil {
		return nil, errors.New("knowledge: service requires gate, index and ingestor")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, gate: gate, index: index, ingestor: ingestor, files: files, logger: logger}, nil
}

func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&Document{}, &Chunk{})
}

// Create registers an uploaded document in StatusPending. It is not visible
// to anybody until Ingest succeeds.
func (s *Service) Create(ctx context.Context, input NewDocument) (*Document, error) {
	owner := strings.TrimSpace(input.OwnerID)
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	ref := strings.TrimSpace(input.StorageRef)
	if ref == "" {
		return nil, fmt.Errorf("%w: storage reference is required", ErrValidation)
	}
	fileName := strings.TrimSpace(input.FileName)
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = fileName
	}
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if runes := []rune(title); len(runes) > 200 {
		title = string(runes[:200])
	}
	visibility := VisibilityPrivate
	if input.Public {
		visibility = VisibilityPublic
	}

	doc := &Document{
		ID:         uuid.NewString(),
		OwnerID:    owner,
		Title:      title,
		FileName:   fileName,
		StorageRef: ref,
		Visibility: visibility,
		Status:     StatusPending,
	}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return nil, fmt.Errorf("knowledge: create document: %w", err)
	}
	return doc, nil
}

// Ingest runs the ingestion pipeline for a stored document.
func (s *Service) Ingest(ctx context.Context, id string) (*Document, IngestResult, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, IngestResult{DocumentID: id}, err
	}
	result, err := s.ingestor.Ingest(ctx, doc)
	return doc, result, err
}

// Reindex retries ingestion on behalf of the owner.
func (s *Service) Reindex(ctx context.Context, actor, id string) (*Document, IngestResult, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, IngestResult{DocumentID: id}, err
	}
	if !s.isOwner(ctx, actor, doc) {
		return nil, IngestResult{DocumentID: id}, ErrForbidden
	}
	result, err := s.ingestor.Ingest(ctx, doc)
	return doc, result, err
}

func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(id)).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: load document: %w", err)
	}
	return &doc, nil
}

// GetForViewer returns the document only when principal may view it.
// Documents the principal cannot see are reported as not found.
func (s *Service) GetForViewer(ctx context.Context, principal, id string) (*Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.gate.Check(ctx, principal, doc.ID, policy.RelationViewer) {
		return nil, ErrNotFound
	}
	return doc, nil
}

// ListAccessible returns every indexed document principal can view, newest
// first, using a single batch check.
func (s *Service) ListAccessible(ctx context.Context, principal string) ([]Document, error) {
	var docs []Document
	if err := s.db.WithContext(ctx).
		Where("status = ?", StatusIndexed).
		Order("created_at DESC").Order("id DESC").
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("knowledge: list documents: %w", err)
	}
	tuples := make([]policy.Tuple, len(docs))
	for i, doc := range docs {
		tuples[i] = policy.ViewerTuple(principal, doc.ID)
	}
	allowed := s.gate.BatchCheck(ctx, tuples)
	visible := make([]Document, 0, len(docs))
	for i, doc := range docs {
		if allowed[i] {
			visible = append(visible, doc)
		}
	}
	return visible, nil
}

// ListOwned returns the principal's uploads in every status.
func (s *Service) ListOwned(ctx context.Context, principal string) ([]Document, error) {
	var docs []Document
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", principal).
		Order("created_at DESC").Order("id DESC").
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("knowledge: list owned documents: %w", err)
	}
	return docs, nil
}

func (s *Service) ListPublic(ctx context.Context) ([]Document, error) {
	var docs []Document
	if err := s.db.WithContext(ctx).
		Where("visibility = ? AND status = ?", VisibilityPublic, StatusIndexed).
		Order("created_at DESC").Order("id DESC").
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("knowledge: list public documents: %w", err)
	}
	return docs, nil
}

// Share grants grantee the viewer relation. Only the owner may share and
// repeating a share is a no-op. Pending or failed documents cannot be shared:
// their stored chunks must stay invisible until ingestion grants the owner.
func (s *Service) Share(ctx context.Context, actor, id, grantee string) (*Document, error) {
	grantee = strings.TrimSpace(grantee)
	if grantee == "" {
		return nil, fmt.Errorf("%w: grantee is required", ErrValidation)
	}
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.isOwner(ctx, actor, doc) {
		return nil, ErrForbidden
	}
	if doc.Status != StatusIndexed {
		return nil, fmt.Errorf("%w: status %s", ErrNotIndexed, doc.Status)
	}
	if err := s.gate.Grant(ctx, grantee, doc.ID, policy.RelationViewer); err != nil {
		return nil, err
	}
	return doc, nil
}

// Update changes the title or visibility. Visibility changes grant or revoke
// the public viewer tuple immediately.
func (s *Service) Update(ctx context.Context, actor, id string, changes DocumentUpdate) (*Document, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.isOwner(ctx, actor, doc) {
		return nil, ErrForbidden
	}

	updates := map[string]any{}
	if changes.Title != nil {
		title := strings.TrimSpace(*changes.Title)
		if title == "" {
			return nil, fmt.Errorf("%w: title cannot be empty", ErrValidation)
		}
		updates["title"] = title
		doc.Title = title
	}
	if changes.Public != nil {
		visibility := VisibilityPrivate
		if *changes.Public {
			visibility = VisibilityPublic
		}
		if visibility != doc.Visibility {
			if doc.Status == StatusIndexed {
				if *changes.Public {
					err = s.gate.GrantPublic(ctx, doc.ID, policy.RelationViewer)
				} else {
					err = s.gate.RevokePublic(ctx, doc.ID, policy.RelationViewer)
				}
				if err != nil {
					return nil, err
				}
			}
			updates["visibility"] = visibility
			doc.Visibility = visibility
		}
	}
	if len(updates) == 0 {
		return doc, nil
	}
	if err := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", doc.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("knowledge: update document: %w", err)
	}
	return doc, nil
}

// Delete removes the document's index points first so no orphaned chunk stays
// searchable, then its chunk rows, tuples, row and stored bytes.
func (s *Service) Delete(ctx context.Context, actor, id string) error {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.isOwner(ctx, actor, doc) {
		return ErrForbidden
	}

	var chunkIDs []string
	if err := s.db.WithContext(ctx).Model(&Chunk{}).
		Where("document_id = ?", doc.ID).
		Pluck("id", &chunkIDs).Error; err != nil {
		return fmt.Errorf("knowledge: load chunks: %w", err)
	}
	if err := s.index.Delete(ctx, chunkIDs); err != nil {
		return err
	}
	if err := s.gate.RevokeObject(ctx, doc.ID); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", doc.ID).Delete(&Chunk{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", doc.ID).Delete(&Document{}).Error
	}); err != nil {
		return fmt.Errorf("knowledge: delete document: %w", err)
	}

	if s.files != nil {
		if err := s.files.Remove(ctx, doc.StorageRef); err != nil {
			s.logger.Warn("remove stored document failed", "document_id", doc.ID, "error", err)
		}
	}
	return nil
}

// DocumentTitles resolves titles for the given ids. Unknown ids are omitted.
func (s *Service) DocumentTitles(ctx context.Context, ids []string) (map[string]string, error) {
	titles := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return titles, nil
	}
	var docs []Document
	if err := s.db.WithContext(ctx).Select("id", "title").Where("id IN ?", ids).Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("knowledge: load titles: %w", err)
	}
	for _, doc := range docs {
		titles[doc.ID] = doc.Title
	}
	return titles, nil
}

func (s *Service) isOwner(ctx context.Context, actor string, doc *Document) bool {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return false
	}
	if doc.OwnerID == actor {
		return true
	}
	return s.gate.Check(ctx, actor, doc.ID, policy.RelationOwner)
}
