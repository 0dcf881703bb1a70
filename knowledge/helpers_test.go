package knowledge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"docchat_back/database"
	"docchat_back/policy"
	"docchat_back/storage"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testKeywords = []string{"termination", "payment", "delivery", "warranty"}

// keywordEmbedder maps text to keyword counts so similarity is predictable.
type keywordEmbedder struct {
	mu     sync.Mutex
	calls  int
	failOn func(text string) bool
}

func (e *keywordEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	failOn := e.failOn
	e.mu.Unlock()

	vectors := make([][]float32, 0, len(inputs))
	for _, text := range inputs {
		if failOn != nil && failOn(text) {
			return nil, errors.Join(ErrEmbeddingUnavailable, errors.New("upstream 503"))
		}
		vectors = append(vectors, keywordVector(text))
	}
	return vectors, nil
}

func (e *keywordEmbedder) setFailure(fn func(text string) bool) {
	e.mu.Lock()
	e.failOn = fn
	e.mu.Unlock()
}

func keywordVector(text string) []float32 {
	lower := strings.ToLower(text)
	vector := make([]float32, len(testKeywords)+1)
	for i, word := range testKeywords {
		vector[i] = float32(strings.Count(lower, word))
	}
	vector[len(testKeywords)] = 0.1
	return vector
}

type mapFetcher struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (m *mapFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[ref]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return data, nil
}

func (m *mapFetcher) Remove(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, ref)
	return nil
}

func (m *mapFetcher) put(ref, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[ref] = []byte(text)
}

// failingBackend rejects every call.
type failingBackend struct{}

func (failingBackend) Write(context.Context, []policy.Tuple) error  { return errors.New("fga down") }
func (failingBackend) Delete(context.Context, []policy.Tuple) error { return errors.New("fga down") }
func (failingBackend) DeleteObject(context.Context, string) error   { return errors.New("fga down") }
func (failingBackend) Check(context.Context, policy.Tuple) (bool, error) {
	return false, errors.New("fga down")
}
func (failingBackend) BatchCheck(context.Context, []policy.Tuple) ([]bool, error) {
	return nil, errors.New("fga down")
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Open("sqlite", "file:"+name+"?mode=memory&cache=shared")
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type fixture struct {
	db       *gorm.DB
	index    *MemoryIndex
	store    *policy.Store
	gate     *policy.Gate
	embedder *keywordEmbedder
	files    *mapFetcher
	ingestor *Ingestor
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	store, err := policy.NewStore(db)
	require.NoError(t, err)
	require.NoError(t, store.AutoMigrate())

	f := &fixture{
		db:       db,
		index:    NewMemoryIndex(len(testKeywords) + 1),
		store:    store,
		gate:     policy.NewGate(store, 0, nil),
		embedder: &keywordEmbedder{},
		files:    &mapFetcher{files: map[string][]byte{}},
	}
	f.ingestor, err = NewIngestor(IngestorConfig{
		DB:          db,
		Fetcher:     f.files,
		Chunker:     NewChunker(120, 20),
		Embedder:    f.embedder,
		Index:       f.index,
		Gate:        f.gate,
		Concurrency: 3,
	})
	require.NoError(t, err)
	f.service, err = NewService(db, f.gate, f.index, f.ingestor, f.files, nil)
	require.NoError(t, err)
	require.NoError(t, f.service.AutoMigrate())
	return f
}

// create stores text under a fresh reference and registers the document
// without ingesting it.
func (f *fixture) create(t *testing.T, owner, title, text string, public bool) *Document {
	t.Helper()
	ref := "mem://" + owner + "/" + title
	f.files.put(ref, text)
	doc, err := f.service.Create(context.Background(), NewDocument{
		OwnerID:    owner,
		Title:      title,
		FileName:   title + ".txt",
		StorageRef: ref,
		Public:     public,
	})
	require.NoError(t, err)
	return doc
}

// upload creates and ingests a document.
func (f *fixture) upload(t *testing.T, owner, title, text string, public bool) *Document {
	t.Helper()
	doc := f.create(t, owner, title, text, public)
	_, _, err := f.service.Ingest(context.Background(), doc.ID)
	require.NoError(t, err)
	loaded, err := f.service.Get(context.Background(), doc.ID)
	require.NoError(t, err)
	return loaded
}
