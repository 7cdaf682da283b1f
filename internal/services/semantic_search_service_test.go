package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/enablhealth/knowledge-go/internal/errors"
	"github.com/enablhealth/knowledge-go/internal/kbase"
	"github.com/enablhealth/knowledge-go/internal/knowledge"
)

// fakeObjectStore 内存对象存储替身
type fakeObjectStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) put(key, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = []byte(content)
}

func (f *fakeObjectStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, apperrors.NewNotFoundError("object " + key)
	}
	return data, nil
}

func (f *fakeObjectStore) Ready() bool { return true }

// stubEmbedder 基于词频的确定性向量，便于构造可预期的相似度
type stubEmbedder struct {
	mu    sync.Mutex
	calls map[string]int
	// 内容包含该子串时返回永久错误
	failContains string
}

func newStubEmbedder() *stubEmbedder {
	return &stubEmbedder{calls: make(map[string]int)}
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	s.calls[text]++
	s.mu.Unlock()

	if s.failContains != "" && strings.Contains(text, s.failContains) {
		return nil, apperrors.NewValidationError("rejected input")
	}

	vector := make([]float32, 4)
	for _, word := range []string{"alpha", "beta", "gamma", "delta"} {
		count := strings.Count(strings.ToLower(text), word)
		vector[wordSlot(word)] = float32(count)
	}
	if vector[0] == 0 && vector[1] == 0 && vector[2] == 0 && vector[3] == 0 {
		vector[3] = 1
	}
	return vector, nil
}

func wordSlot(word string) int {
	switch word {
	case "alpha":
		return 0
	case "beta":
		return 1
	case "gamma":
		return 2
	default:
		return 3
	}
}

func (s *stubEmbedder) Dimensions() int { return 4 }
func (s *stubEmbedder) Ready() bool     { return true }

type fixture struct {
	svc     *SemanticSearchService
	objects *fakeObjectStore
	embed   *stubEmbedder
	manager *kbase.Manager
	store   knowledge.VectorStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	objects := newFakeObjectStore()
	embed := newStubEmbedder()
	store := knowledge.NewMemoryVectorStore()
	manager := kbase.NewManager(kbase.NewMemoryStore(), kbase.IngestionTriggerFunc(
		func(ctx context.Context, userID, knowledgeBaseID string) error {
			return nil
		}))

	worker := knowledge.NewEmbedWorker(embed, knowledge.EmbedOptions{
		Concurrency: 2,
		RetryBase:   time.Millisecond,
		RetryCap:    5 * time.Millisecond,
	})
	chunker := knowledge.NewChunker(100, 20, 10)

	svc := NewSemanticSearchService(objects, chunker, worker, store, manager, SemanticSearchOptions{
		SearchLimit: 10,
		MinScore:    0.7,
	})
	return &fixture{svc: svc, objects: objects, embed: embed, manager: manager, store: store}
}

func docRequest(userID, documentID, key string) DocumentRequest {
	return DocumentRequest{
		UserID:       userID,
		DocumentID:   documentID,
		ObjectKey:    key,
		DocumentName: documentID + ".txt",
		DocumentType: "txt",
		UploadedAt:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestProcessDocumentIndexesAllChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.objects.put("docs/doc-1", strings.Repeat("alpha alpha beta ", 20))

	report, err := f.svc.ProcessDocument(ctx, docRequest("user-1", "doc-1", "docs/doc-1"))
	require.NoError(t, err)
	assert.Equal(t, report.TotalChunks, report.IndexedChunks)
	assert.Empty(t, report.Failures)
	assert.Greater(t, report.TotalChunks, 1)

	f.manager.WaitIdle("user-1", time.Second)
	kb, err := f.svc.GetKnowledgeBaseStatus(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, kbase.StatusActive, kb.Status)
	assert.Equal(t, 1, kb.DocumentCount)
}

func TestProcessDocumentPartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 毒化词集中在文档中段，尾部chunk正常入库
	text := strings.Repeat("alpha beta gamma ", 5) +
		strings.Repeat("poison ", 15) +
		strings.Repeat("alpha beta gamma ", 10)
	f.objects.put("docs/doc-2", text)
	f.embed.failContains = "poison"

	report, err := f.svc.ProcessDocument(ctx, docRequest("user-1", "doc-2", "docs/doc-2"))
	require.NoError(t, err)
	assert.NotEmpty(t, report.Failures)
	assert.Equal(t, report.TotalChunks-len(report.Failures), report.IndexedChunks)
	assert.Greater(t, report.IndexedChunks, 0)
	for _, failure := range report.Failures {
		assert.Equal(t, "embed", failure.Stage)
	}
}

func TestProcessDocumentAllChunksFailing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.objects.put("docs/doc-3", strings.Repeat("poison ", 50))
	f.embed.failContains = "poison"

	report, err := f.svc.ProcessDocument(ctx, docRequest("user-1", "doc-3", "docs/doc-3"))
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Zero(t, report.IndexedChunks)
	assert.Len(t, report.Failures, report.TotalChunks)
}

func TestProcessDocumentEmptyText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.objects.put("docs/empty", "   \n\t ")

	_, err := f.svc.ProcessDocument(ctx, docRequest("user-1", "doc-4", "docs/empty"))
	require.Error(t, err)
	assert.False(t, apperrors.IsTransient(err))
}

func TestProcessDocumentMissingObject(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ProcessDocument(context.Background(), docRequest("user-1", "doc-5", "docs/nope"))
	assert.True(t, apperrors.IsNotFound(err))
}

func TestProcessDocumentReprocessingIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.objects.put("docs/doc-6", strings.Repeat("alpha ", 30))

	first, err := f.svc.ProcessDocument(ctx, docRequest("user-1", "doc-6", "docs/doc-6"))
	require.NoError(t, err)
	second, err := f.svc.ProcessDocument(ctx, docRequest("user-1", "doc-6", "docs/doc-6"))
	require.NoError(t, err)
	assert.Equal(t, first.IndexedChunks, second.IndexedChunks)

	results, err := f.svc.Search(ctx, SearchRequest{UserID: "user-1", Query: "alpha"})
	require.NoError(t, err)
	assert.Len(t, results, first.IndexedChunks)
}

func TestSearchReturnsRelevantChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.objects.put("docs/alpha", strings.Repeat("alpha ", 30))
	f.objects.put("docs/beta", strings.Repeat("beta ", 30))

	_, err := f.svc.ProcessDocument(ctx, docRequest("user-1", "doc-alpha", "docs/alpha"))
	require.NoError(t, err)
	_, err = f.svc.ProcessDocument(ctx, docRequest("user-1", "doc-beta", "docs/beta"))
	require.NoError(t, err)

	hits, err := f.svc.Search(ctx, SearchRequest{UserID: "user-1", Query: "alpha"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, hit := range hits {
		assert.Equal(t, "doc-alpha", hit.DocumentID)
		assert.GreaterOrEqual(t, hit.Score, 0.7)
		assert.NotEmpty(t, hit.Snippet)
	}
}

func TestSearchTenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.objects.put("docs/alice", strings.Repeat("alpha ", 30))
	_, err := f.svc.ProcessDocument(ctx, docRequest("alice", "doc-alice", "docs/alice"))
	require.NoError(t, err)

	hits, err := f.svc.Search(ctx, SearchRequest{UserID: "bob", Query: "alpha"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchRejectsEmptyInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Search(context.Background(), SearchRequest{UserID: "", Query: "alpha"})
	require.Error(t, err)

	_, err = f.svc.Search(context.Background(), SearchRequest{UserID: "user-1", Query: "  "})
	require.Error(t, err)
}

func TestFindSimilarExcludesSeedDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.objects.put("docs/seed", strings.Repeat("alpha ", 30))
	f.objects.put("docs/twin", strings.Repeat("alpha ", 25))
	f.objects.put("docs/other", strings.Repeat("beta ", 30))

	_, err := f.svc.ProcessDocument(ctx, docRequest("user-1", "doc-seed", "docs/seed"))
	require.NoError(t, err)
	_, err = f.svc.ProcessDocument(ctx, docRequest("user-1", "doc-twin", "docs/twin"))
	require.NoError(t, err)
	_, err = f.svc.ProcessDocument(ctx, docRequest("user-1", "doc-other", "docs/other"))
	require.NoError(t, err)

	hits, err := f.svc.FindSimilar(ctx, "user-1", "doc-seed", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	for _, hit := range hits {
		assert.NotEqual(t, "doc-seed", hit.DocumentID)
	}
}

func TestFindSimilarMissingDocument(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.FindSimilar(context.Background(), "user-1", "doc-missing", 5)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestDeleteDocumentRemovesFromSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.objects.put("docs/doc-del", strings.Repeat("alpha ", 30))
	_, err := f.svc.ProcessDocument(ctx, docRequest("user-1", "doc-del", "docs/doc-del"))
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteDocument(ctx, "user-1", "doc-del"))

	hits, err := f.svc.Search(ctx, SearchRequest{UserID: "user-1", Query: "alpha"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchCustomMinScore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.objects.put("docs/mixed", strings.Repeat("alpha beta ", 20))
	_, err := f.svc.ProcessDocument(ctx, docRequest("user-1", "doc-mixed", "docs/mixed"))
	require.NoError(t, err)

	strict := 0.999
	hits, err := f.svc.Search(ctx, SearchRequest{
		UserID:   "user-1",
		Query:    "gamma",
		MinScore: &strict,
	})
	require.NoError(t, err)
	assert.Empty(t, hits)

	loose := 0.0
	hits, err = f.svc.Search(ctx, SearchRequest{
		UserID:   "user-1",
		Query:    "gamma",
		MinScore: &loose,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}
