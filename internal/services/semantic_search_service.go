package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/enablhealth/knowledge-go/internal/errors"
	"github.com/enablhealth/knowledge-go/internal/kbase"
	"github.com/enablhealth/knowledge-go/internal/knowledge"
	"github.com/enablhealth/knowledge-go/internal/logger"
	"github.com/enablhealth/knowledge-go/internal/metrics"
	"github.com/enablhealth/knowledge-go/internal/storage"
)

const snippetLength = 200

// SemanticSearchOptions 服务层默认参数
type SemanticSearchOptions struct {
	SearchLimit int
	MinScore    float64
}

// DocumentRequest 文档处理请求
type DocumentRequest struct {
	UserID       string
	DocumentID   string
	ObjectKey    string
	DocumentName string
	DocumentType string
	UploadedAt   time.Time
	Tags         []string
}

// ChunkFailure 单个chunk的失败记录
type ChunkFailure struct {
	ChunkIndex int
	Stage      string
	Err        error
}

// ProcessReport 文档处理结果：部分失败不是整体失败
type ProcessReport struct {
	DocumentID    string
	TotalChunks   int
	IndexedChunks int
	Failures      []ChunkFailure
}

// SearchRequest 语义检索请求
type SearchRequest struct {
	UserID   string
	Query    string
	Limit    int
	MinScore *float64
	Filters  knowledge.QueryFilters
}

// SearchHit 检索命中，Snippet是截断后的预览文本
type SearchHit struct {
	ChunkID      string
	DocumentID   string
	DocumentName string
	DocumentType string
	Snippet      string
	Content      string
	Score        float64
	ChunkIndex   int
	UploadedAt   time.Time
}

// SemanticSearchService 文档向量化与语义检索服务
type SemanticSearchService struct {
	objects  storage.ObjectStore
	chunker  *knowledge.Chunker
	embedder *knowledge.EmbedWorker
	store    knowledge.VectorStore
	kbs      *kbase.Manager
	opts     SemanticSearchOptions
}

// NewSemanticSearchService 创建语义检索服务
func NewSemanticSearchService(
	objects storage.ObjectStore,
	chunker *knowledge.Chunker,
	embedder *knowledge.EmbedWorker,
	store knowledge.VectorStore,
	kbs *kbase.Manager,
	opts SemanticSearchOptions,
) *SemanticSearchService {
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 10
	}
	if opts.MinScore <= 0 {
		opts.MinScore = 0.7
	}
	return &SemanticSearchService{
		objects:  objects,
		chunker:  chunker,
		embedder: embedder,
		store:    store,
		kbs:      kbs,
		opts:     opts,
	}
}

// ProcessDocument 完整的入库流水线：取文本、分块、向量化、写索引。
// 至少一个chunk入库即视为成功，全部失败才返回错误。
func (s *SemanticSearchService) ProcessDocument(ctx context.Context, req DocumentRequest) (*ProcessReport, error) {
	if req.UserID == "" {
		return nil, apperrors.NewValidationError("user id is empty")
	}
	if req.DocumentID == "" {
		return nil, apperrors.NewValidationError("document id is empty")
	}

	data, err := s.objects.GetObject(ctx, req.ObjectKey)
	if err != nil {
		return nil, err
	}

	text := string(data)
	if strings.TrimSpace(text) == "" {
		// 空文档是永久错误，重试不会改变结果
		return nil, apperrors.NewValidationError("document text is empty")
	}

	if _, err := s.kbs.GetOrCreate(ctx, req.UserID); err != nil {
		return nil, err
	}

	meta := knowledge.ChunkMetadata{
		DocumentName: req.DocumentName,
		DocumentType: req.DocumentType,
		UploadedAt:   req.UploadedAt,
		Tags:         req.Tags,
	}
	chunks := s.chunker.Split(text, req.DocumentID, req.UserID, meta)
	if len(chunks) == 0 {
		return nil, apperrors.NewValidationError("document produced no chunks")
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	report := &ProcessReport{
		DocumentID:  req.DocumentID,
		TotalChunks: len(chunks),
	}

	embedResults := s.embedder.EmbedAll(ctx, texts)
	for i, result := range embedResults {
		if result.Err != nil {
			metrics.ChunkFailures.WithLabelValues("embed").Inc()
			report.Failures = append(report.Failures, ChunkFailure{
				ChunkIndex: chunks[i].ChunkIndex,
				Stage:      "embed",
				Err:        result.Err,
			})
			logger.Warn("chunk embedding failed",
				zap.String("document_id", req.DocumentID),
				zap.Int("chunk_index", chunks[i].ChunkIndex),
				zap.Error(result.Err))
			continue
		}

		err := s.store.Upsert(ctx, knowledge.IndexRecord{
			Chunk:     chunks[i],
			Embedding: result.Vector,
		})
		if err != nil {
			metrics.ChunkFailures.WithLabelValues("index").Inc()
			report.Failures = append(report.Failures, ChunkFailure{
				ChunkIndex: chunks[i].ChunkIndex,
				Stage:      "index",
				Err:        err,
			})
			logger.Warn("chunk index write failed",
				zap.String("document_id", req.DocumentID),
				zap.Int("chunk_index", chunks[i].ChunkIndex),
				zap.Error(err))
			continue
		}

		metrics.ChunksIndexed.Inc()
		report.IndexedChunks++
	}

	if report.IndexedChunks == 0 {
		return report, apperrors.NewExternalError(apperrors.ErrCodeEmbeddingFailed,
			fmt.Sprintf("all %d chunks failed for document %s", report.TotalChunks, req.DocumentID))
	}

	if err := s.kbs.IncrementDocumentCount(ctx, req.UserID); err != nil {
		logger.Warn("failed to update document count",
			zap.String("user_id", req.UserID), zap.Error(err))
	}
	if err := s.kbs.Sync(ctx, req.UserID); err != nil {
		logger.Warn("failed to trigger knowledge base sync",
			zap.String("user_id", req.UserID), zap.Error(err))
	}

	logger.Info("document processed",
		zap.String("user_id", req.UserID),
		zap.String("document_id", req.DocumentID),
		zap.Int("total_chunks", report.TotalChunks),
		zap.Int("indexed_chunks", report.IndexedChunks))
	return report, nil
}

// Search 语义检索：向量化查询文本后按相似度取回chunk
func (s *SemanticSearchService) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	if req.UserID == "" {
		return nil, apperrors.NewValidationError("user id is empty")
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, apperrors.NewValidationError("query is empty")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.opts.SearchLimit
	}
	minScore := s.opts.MinScore
	if req.MinScore != nil {
		minScore = *req.MinScore
	}

	embedding, err := s.embedder.EmbedOne(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	results, err := s.store.Query(ctx, knowledge.QueryRequest{
		UserID:    req.UserID,
		Embedding: embedding,
		Filters:   req.Filters,
		Limit:     limit,
		MinScore:  minScore,
	})
	if err != nil {
		return nil, err
	}

	metrics.SearchesServed.Inc()
	return toHits(results), nil
}

// FindSimilar 以某文档的首个chunk为种子检索相似文档，
// 结果排除种子文档自身
func (s *SemanticSearchService) FindSimilar(ctx context.Context, userID, documentID string, limit int) ([]SearchHit, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("user id is empty")
	}
	if documentID == "" {
		return nil, apperrors.NewValidationError("document id is empty")
	}
	if limit <= 0 {
		limit = s.opts.SearchLimit
	}

	_, embedding, err := s.store.FetchChunk(ctx, userID, documentID, 0)
	if err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, apperrors.NewNotFoundError("embedding for document " + documentID)
	}

	// 多取一些结果，排除种子文档后仍可能填满limit
	results, err := s.store.Query(ctx, knowledge.QueryRequest{
		UserID:    userID,
		Embedding: embedding,
		Limit:     limit + snippetOverfetch,
		MinScore:  s.opts.MinScore,
	})
	if err != nil {
		return nil, err
	}

	filtered := make([]knowledge.SearchResult, 0, len(results))
	for _, r := range results {
		if r.DocumentID == documentID {
			continue
		}
		filtered = append(filtered, r)
	}
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}

	return toHits(filtered), nil
}

const snippetOverfetch = 10

// DeleteDocument 删除某文档的全部chunk
func (s *SemanticSearchService) DeleteDocument(ctx context.Context, userID, documentID string) error {
	if userID == "" {
		return apperrors.NewValidationError("user id is empty")
	}
	if documentID == "" {
		return apperrors.NewValidationError("document id is empty")
	}
	if err := s.store.DeleteDocument(ctx, userID, documentID); err != nil {
		return err
	}

	if err := s.kbs.DecrementDocumentCount(ctx, userID); err != nil && !apperrors.IsNotFound(err) {
		logger.Warn("failed to update document count after delete",
			zap.String("user_id", userID), zap.Error(err))
	}
	return nil
}

// SyncKnowledgeBase 手动触发知识库同步
func (s *SemanticSearchService) SyncKnowledgeBase(ctx context.Context, userID string) error {
	return s.kbs.Sync(ctx, userID)
}

// GetKnowledgeBaseStatus 查询知识库状态
func (s *SemanticSearchService) GetKnowledgeBaseStatus(ctx context.Context, userID string) (*kbase.KnowledgeBase, error) {
	return s.kbs.GetStatus(ctx, userID)
}

// Ready 依赖的下游全部就绪才算就绪
func (s *SemanticSearchService) Ready() bool {
	return s.objects.Ready() && s.store.Ready() && s.kbs.Ready()
}

func toHits(results []knowledge.SearchResult) []SearchHit {
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{
			ChunkID:      r.ChunkID,
			DocumentID:   r.DocumentID,
			DocumentName: r.Metadata.DocumentName,
			DocumentType: r.Metadata.DocumentType,
			Snippet:      buildSnippet(r.Content),
			Content:      r.Content,
			Score:        r.Score,
			ChunkIndex:   r.ChunkIndex,
			UploadedAt:   r.Metadata.UploadedAt,
		})
	}
	return hits
}

// buildSnippet 截取预览文本，按rune截断避免拆散多字节字符
func buildSnippet(content string) string {
	trimmed := strings.TrimSpace(content)
	runes := []rune(trimmed)
	if len(runes) <= snippetLength {
		return trimmed
	}
	return string(runes[:snippetLength]) + "..."
}
