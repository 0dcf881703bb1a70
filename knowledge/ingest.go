package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"docchat_back/policy"
	"docchat_back/storage"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultIngestConcurrency = 4

var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://docchat.local/chunks"))

// Fetcher returns stored document bytes by reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Ingestor indexes a document's chunks and then registers its owner with the
// policy gate. Re-running it for the same document is idempotent.
type Ingestor struct {
	db          *gorm.DB
	fetcher     Fetcher
	extractor   TextExtractor
	chunker     *Chunker
	embedder    Embedder
	index       VectorIndex
	gate        *policy.Gate
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

type IngestorConfig struct {
	DB          *gorm.DB
	Fetcher     Fetcher
	Extractor   TextExtractor
	Chunker     *Chunker
	Embedder    Embedder
	Index       VectorIndex
	Gate        *policy.Gate
	Concurrency int
	Logger      *slog.Logger
}

type IngestResult struct {
	DocumentID string `json:"document_id"`
	Chunks     int    `json:"chunks"`
	Removed    int    `json:"removed"`
}

func NewIngestor(cfg IngestorConfig) (*Ingestor, error) {
	if cfg.DB == nil || cfg.Fetcher == nil || cfg.Embedder == nil || cfg.Index == nil || cfg.Gate == nil {
		return nil, errors.New("knowledge: ingestor requires database, fetcher, embedder, index and gate")
	}
	if cfg.Extractor == nil {
		cfg.Extractor = LoaderExtractor{}
	}
	if cfg.Chunker == nil {
		cfg.Chunker = NewChunker(defaultChunkWindow, defaultChunkOverlap)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultIngestConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ingestor{
		db:          cfg.DB,
		fetcher:     cfg.Fetcher,
		extractor:   cfg.Extractor,
		chunker:     cfg.Chunker,
		embedder:    cfg.Embedder,
		index:       cfg.Index,
		gate:        cfg.Gate,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		now:         time.Now,
	}, nil
}

// ChunkID derives a stable point id from the document, the chunk position and
// the chunk content.
func ChunkID(documentID string, seq int, text string) string {
	return uuid.NewSHA1(chunkNamespace, []byte(documentID+":"+strconv.Itoa(seq)+":"+contentHash(text))).String()
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Ingest fetches, chunks, embeds and indexes doc. The owner tuple is written
// only when every chunk was stored; a failed run leaves the document in
// StatusFailed and can be retried.
func (in *Ingestor) Ingest(ctx context.Context, doc *Document) (IngestResult, error) {
	result := IngestResult{DocumentID: doc.ID}
	logger := in.logger.With("document_id", doc.ID)

	data, err := in.fetcher.Fetch(ctx, doc.StorageRef)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			err = fmt.Errorf("%w: %s", ErrNotFound, err)
		}
		return result, in.fail(ctx, doc, fmt.Errorf("knowledge: fetch document: %w", err))
	}

	text, err := in.extractor.Extract(ctx, doc.FileName, data)
	if err != nil {
		return result, in.fail(ctx, doc, err)
	}
	segments := in.chunker.Split(text)

	var previous []string
	if err := in.db.WithContext(ctx).Model(&Chunk{}).
		Where("document_id = ?", doc.ID).
		Pluck("id", &previous).Error; err != nil {
		return result, in.fail(ctx, doc, fmt.Errorf("knowledge: load previous chunks: %w", err))
	}

	indexedAt := in.now().UnixMicro()
	chunks := make([]Chunk, len(segments))
	for i, seg := range segments {
		chunks[i] = Chunk{
			ID:          ChunkID(doc.ID, i, seg.Text),
			DocumentID:  doc.ID,
			Seq:         i,
			Text:        seg.Text,
			ContentHash: contentHash(seg.Text),
			TokenCount:  seg.TokenCount,
		}
	}

	stored := make([]bool, len(chunks))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(in.concurrency)
	for i := range chunks {
		chunk := chunks[i]
		idx := i
		group.Go(func() error {
			vectors, err := in.embedder.Embed(groupCtx, []string{chunk.Text})
			if err != nil {
				return fmt.Errorf("knowledge: embed chunk %d: %w", chunk.Seq, err)
			}
			if len(vectors) != 1 {
				return fmt.Errorf("%w: chunk %d returned %d vectors", ErrEmbeddingUnavailable, chunk.Seq, len(vectors))
			}
			point := Point{
				ID:     chunk.ID,
				Vector: vectors[0],
				Payload: map[string]any{
					PayloadDocumentID: doc.ID,
					PayloadTitle:      doc.Title,
					PayloadFileName:   doc.FileName,
					PayloadSeq:        chunk.Seq,
					PayloadText:       chunk.Text,
					PayloadIndexedAt:  indexedAt,
				},
			}
			if err := in.index.Upsert(groupCtx, point); err != nil {
				return fmt.Errorf("knowledge: upsert chunk %d: %w", chunk.Seq, err)
			}
			stored[idx] = true
			return nil
		})
	}
	upsertErr := group.Wait()

	rows := make([]Chunk, 0, len(chunks))
	for i, ok := range stored {
		if ok {
			rows = append(rows, chunks[i])
		}
	}
	if len(rows) > 0 {
		if err := in.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
			CreateInBatches(&rows, 100).Error; err != nil && upsertErr == nil {
			upsertErr = fmt.Errorf("knowledge: persist chunks: %w", err)
		}
	}
	if upsertErr != nil {
		logger.Warn("ingestion incomplete", "stored", len(rows), "total", len(chunks))
		return result, in.fail(ctx, doc, upsertErr)
	}

	if err := in.gate.Grant(ctx, doc.OwnerID, doc.ID, policy.RelationOwner); err != nil {
		return result, in.fail(ctx, doc, err)
	}
	if doc.IsPublic() {
		if err := in.gate.GrantPublic(ctx, doc.ID, policy.RelationViewer); err != nil {
			return result, in.fail(ctx, doc, err)
		}
	}

	current := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		current[c.ID] = struct{}{}
	}
	var stale []string
	for _, id := range previous {
		if _, ok := current[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		if err := in.index.Delete(ctx, stale); err != nil {
			logger.Warn("remove stale chunks failed", "count", len(stale), "error", err)
		} else if err := in.db.WithContext(ctx).Where("id IN ?", stale).Delete(&Chunk{}).Error; err != nil {
			logger.Warn("remove stale chunk rows failed", "count", len(stale), "error", err)
		} else {
			result.Removed = len(stale)
		}
	}

	doc.Status = StatusIndexed
	doc.ChunkCount = len(chunks)
	doc.LastError = ""
	if err := in.db.WithContext(ctx).Model(&Document{}).Where("id = ?", doc.ID).Updates(map[string]any{
		"status":      StatusIndexed,
		"chunk_count": len(chunks),
		"last_error":  "",
	}).Error; err != nil {
		return result, fmt.Errorf("knowledge: update document status: %w", err)
	}

	result.Chunks = len(chunks)
	logger.Info("document indexed", "chunks", result.Chunks, "removed", result.Removed)
	return result, nil
}

func (in *Ingestor) fail(ctx context.Context, doc *Document, cause error) error {
	message := cause.Error()
	if runes := []rune(message); len(runes) > 500 {
		message = string(runes[:500])
	}
	doc.Status = StatusFailed
	doc.LastError = message
	// record the failure even when the request context is already gone
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := in.db.WithContext(updateCtx).Model(&Document{}).Where("id = ?", doc.ID).Updates(map[string]any{
		"status":     StatusFailed,
		"last_error": message,
	}).Error; err != nil {
		in.logger.Error("mark document failed", "document_id", doc.ID, "error", err)
	}
	in.logger.Warn("ingestion failed", "document_id", doc.ID, "error", cause)
	return cause
}
