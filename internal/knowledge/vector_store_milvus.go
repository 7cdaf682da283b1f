package knowledge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	apperrors "github.com/enablhealth/knowledge-go/internal/errors"
	"github.com/enablhealth/knowledge-go/internal/logger"

	"go.uber.org/zap"
)

// MilvusOptions Milvus客户端配置
type MilvusOptions struct {
	Address    string
	Username   string
	Password   string
	Collection string
	Database   string
	VectorSize int
	UseTLS     bool
	Timeout    time.Duration
}

// milvusVectorStore 所有用户共享一个collection，
// user_id作为标量字段参与过滤表达式
type milvusVectorStore struct {
	milvusClient    client.Client
	collection      string
	vectorSize      int
	collectionReady bool
	mu              sync.Mutex
}

// NewMilvusVectorStore 创建Milvus向量存储
func NewMilvusVectorStore(opts MilvusOptions) (VectorStore, error) {
	if opts.Address == "" {
		opts.Address = "localhost:19530"
	}
	if opts.Collection == "" {
		opts.Collection = "doc_chunks"
	}
	if opts.VectorSize == 0 {
		opts.VectorSize = 1536
	}
	if opts.Database == "" {
		opts.Database = "default"
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	milvusClient, err := client.NewClient(ctx, client.Config{
		Address:       opts.Address,
		DBName:        opts.Database,
		Username:      opts.Username,
		Password:      opts.Password,
		EnableTLSAuth: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	return &milvusVectorStore{
		milvusClient: milvusClient,
		collection:   opts.Collection,
		vectorSize:   opts.VectorSize,
	}, nil
}

// ensureCollection 全程持锁，并发首写只建一次collection
func (s *milvusVectorStore) ensureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collectionReady {
		return nil
	}

	hasCollection, err := s.milvusClient.HasCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if hasCollection {
		s.collectionReady = true
		return nil
	}

	schema := &entity.Schema{
		CollectionName: s.collection,
		Description:    "per-user document chunk vectors",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "256"},
			},
			{
				Name:       "document_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "256"},
			},
			{
				Name:       "user_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "256"},
			},
			{
				Name:       "content",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "65535"},
			},
			{
				Name:     "chunk_index",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:       "document_name",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "1024"},
			},
			{
				Name:       "document_type",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:     "uploaded_at",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", s.vectorSize)},
			},
		},
	}

	if err := s.milvusClient.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	var index entity.Index
	index, err = entity.NewIndexHNSW(entity.COSINE, 8, 64)
	if err != nil {
		index, err = entity.NewIndexIvfFlat(entity.COSINE, 128)
		if err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	if err := s.milvusClient.CreateIndex(ctx, s.collection, "embedding", index, false); err != nil {
		logger.Warn("failed to create milvus index", zap.String("collection", s.collection), zap.Error(err))
	}

	if err := s.milvusClient.LoadCollection(ctx, s.collection, false); err != nil {
		logger.Warn("failed to load milvus collection", zap.String("collection", s.collection), zap.Error(err))
	}

	s.collectionReady = true
	return nil
}

// Upsert 先按chunk_id删除旧记录再插入，保证重复写入不累积
func (s *milvusVectorStore) Upsert(ctx context.Context, record IndexRecord) error {
	if len(record.Embedding) == 0 {
		return apperrors.NewValidationError("embedding is empty")
	}
	if record.Chunk.UserID == "" {
		return apperrors.NewTenantViolationError("upsert without user id")
	}
	if len(record.Embedding) != s.vectorSize {
		return apperrors.NewValidationError(fmt.Sprintf("embedding dimension %d does not match collection dimension %d", len(record.Embedding), s.vectorSize))
	}
	if err := s.ensureCollection(ctx); err != nil {
		return apperrors.NewExternalError(apperrors.ErrCodeIndexWrite, "failed to ensure collection").WithCause(err)
	}

	expr := fmt.Sprintf("chunk_id == %q", record.Chunk.ChunkID)
	if err := s.milvusClient.Delete(ctx, s.collection, "", expr); err != nil {
		return apperrors.NewTransientError(apperrors.ErrCodeIndexWrite, "milvus delete before insert failed").WithCause(err)
	}

	chunk := record.Chunk
	columns := []entity.Column{
		entity.NewColumnVarChar("chunk_id", []string{chunk.ChunkID}),
		entity.NewColumnVarChar("document_id", []string{chunk.DocumentID}),
		entity.NewColumnVarChar("user_id", []string{chunk.UserID}),
		entity.NewColumnVarChar("content", []string{chunk.Content}),
		entity.NewColumnInt64("chunk_index", []int64{int64(chunk.ChunkIndex)}),
		entity.NewColumnVarChar("document_name", []string{chunk.Metadata.DocumentName}),
		entity.NewColumnVarChar("document_type", []string{chunk.Metadata.DocumentType}),
		entity.NewColumnInt64("uploaded_at", []int64{chunk.Metadata.UploadedAt.Unix()}),
		entity.NewColumnFloatVector("embedding", s.vectorSize, [][]float32{record.Embedding}),
	}

	if _, err := s.milvusClient.Insert(ctx, s.collection, "", columns...); err != nil {
		return apperrors.NewTransientError(apperrors.ErrCodeIndexWrite, "milvus insert failed").WithCause(err)
	}

	if err := s.milvusClient.Flush(ctx, s.collection, false); err != nil {
		logger.Warn("failed to flush milvus collection", zap.Error(err))
	}

	return nil
}

// Query 向量检索，过滤表达式强制包含user_id
func (s *milvusVectorStore) Query(ctx context.Context, req QueryRequest) ([]SearchResult, error) {
	if req.UserID == "" {
		return nil, apperrors.NewTenantViolationError("query without user id")
	}
	if len(req.Embedding) == 0 {
		return nil, apperrors.NewValidationError("query embedding is empty")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, apperrors.NewExternalError(apperrors.ErrCodeIndexQuery, "failed to ensure collection").WithCause(err)
	}

	expr := s.filterExpr(req.UserID, req.Filters)

	var sp entity.SearchParam
	sp, err := entity.NewIndexHNSWSearchParam(64)
	if err != nil {
		// 与建索引时的降级路径对应
		sp, err = entity.NewIndexIvfFlatSearchParam(16)
		if err != nil {
			return nil, apperrors.NewExternalError(apperrors.ErrCodeIndexQuery, "failed to build search params").WithCause(err)
		}
	}
	searchResults, err := s.milvusClient.Search(
		ctx,
		s.collection,
		[]string{},
		expr,
		[]string{"chunk_id", "document_id", "content", "chunk_index", "document_name", "document_type", "uploaded_at"},
		[]entity.Vector{entity.FloatVector(req.Embedding)},
		"embedding",
		entity.COSINE,
		req.Limit,
		sp,
	)
	if err != nil {
		return nil, apperrors.NewTransientError(apperrors.ErrCodeIndexQuery, "milvus search failed").WithCause(err)
	}
	if len(searchResults) == 0 {
		return []SearchResult{}, nil
	}
	if searchResults[0].Err != nil {
		return nil, apperrors.NewExternalError(apperrors.ErrCodeIndexQuery, "milvus search error").WithCause(searchResults[0].Err)
	}

	result := searchResults[0]
	results := make([]SearchResult, 0, result.ResultCount)

	chunkIDs := varCharColumn(result.Fields, "chunk_id")
	documentIDs := varCharColumn(result.Fields, "document_id")
	contents := varCharColumn(result.Fields, "content")
	documentNames := varCharColumn(result.Fields, "document_name")
	documentTypes := varCharColumn(result.Fields, "document_type")
	chunkIndexes := int64Column(result.Fields, "chunk_index")
	uploadedAts := int64Column(result.Fields, "uploaded_at")

	for i := 0; i < result.ResultCount; i++ {
		// COSINE原始得分在[-1,1]，归一化到[0,1]与其他实现对齐
		score := 0.0
		if i < len(result.Scores) {
			score = (1 + float64(result.Scores[i])) / 2
		}
		if score < req.MinScore {
			continue
		}

		sr := SearchResult{Score: score}
		if i < len(chunkIDs) {
			sr.ChunkID = chunkIDs[i]
		}
		if i < len(documentIDs) {
			sr.DocumentID = documentIDs[i]
		}
		if i < len(contents) {
			sr.Content = contents[i]
		}
		if i < len(chunkIndexes) {
			sr.ChunkIndex = int(chunkIndexes[i])
		}
		if i < len(documentNames) {
			sr.Metadata.DocumentName = documentNames[i]
		}
		if i < len(documentTypes) {
			sr.Metadata.DocumentType = documentTypes[i]
		}
		if i < len(uploadedAts) {
			sr.Metadata.UploadedAt = time.Unix(uploadedAts[i], 0).UTC()
		}
		results = append(results, sr)
	}

	sortResults(results)
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// FetchChunk 按标量字段取回chunk及其向量
func (s *milvusVectorStore) FetchChunk(ctx context.Context, userID, documentID string, chunkIndex int) (*SearchResult, []float32, error) {
	if userID == "" {
		return nil, nil, apperrors.NewTenantViolationError("fetch without user id")
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, nil, apperrors.NewExternalError(apperrors.ErrCodeIndexQuery, "failed to ensure collection").WithCause(err)
	}

	expr := fmt.Sprintf("user_id == %q and document_id == %q and chunk_index == %d", userID, documentID, chunkIndex)
	resultSet, err := s.milvusClient.Query(
		ctx,
		s.collection,
		[]string{},
		expr,
		[]string{"chunk_id", "document_id", "content", "chunk_index", "document_name", "document_type", "uploaded_at", "embedding"},
	)
	if err != nil {
		return nil, nil, apperrors.NewTransientError(apperrors.ErrCodeIndexQuery, "milvus query failed").WithCause(err)
	}

	chunkIDs := varCharColumn(resultSet, "chunk_id")
	if len(chunkIDs) == 0 {
		return nil, nil, apperrors.NewNotFoundError(fmt.Sprintf("chunk %s_%d", documentID, chunkIndex))
	}

	sr := SearchResult{ChunkID: chunkIDs[0]}
	if vals := varCharColumn(resultSet, "document_id"); len(vals) > 0 {
		sr.DocumentID = vals[0]
	}
	if vals := varCharColumn(resultSet, "content"); len(vals) > 0 {
		sr.Content = vals[0]
	}
	if vals := int64Column(resultSet, "chunk_index"); len(vals) > 0 {
		sr.ChunkIndex = int(vals[0])
	}
	if vals := varCharColumn(resultSet, "document_name"); len(vals) > 0 {
		sr.Metadata.DocumentName = vals[0]
	}
	if vals := varCharColumn(resultSet, "document_type"); len(vals) > 0 {
		sr.Metadata.DocumentType = vals[0]
	}
	if vals := int64Column(resultSet, "uploaded_at"); len(vals) > 0 {
		sr.Metadata.UploadedAt = time.Unix(vals[0], 0).UTC()
	}

	var embedding []float32
	for _, field := range resultSet {
		if field.Name() != "embedding" {
			continue
		}
		if col, ok := field.(*entity.ColumnFloatVector); ok {
			data := col.Data()
			if len(data) > 0 {
				embedding = data[0]
			}
		}
	}

	return &sr, embedding, nil
}

// DeleteDocument 删除某用户某文档的全部chunk
func (s *milvusVectorStore) DeleteDocument(ctx context.Context, userID, documentID string) error {
	if userID == "" {
		return apperrors.NewTenantViolationError("delete without user id")
	}
	if err := s.ensureCollection(ctx); err != nil {
		return apperrors.NewExternalError(apperrors.ErrCodeIndexWrite, "failed to ensure collection").WithCause(err)
	}

	expr := fmt.Sprintf("user_id == %q and document_id == %q", userID, documentID)
	if err := s.milvusClient.Delete(ctx, s.collection, "", expr); err != nil {
		return apperrors.NewTransientError(apperrors.ErrCodeIndexWrite, "milvus delete failed").WithCause(err)
	}

	if err := s.milvusClient.Flush(ctx, s.collection, false); err != nil {
		logger.Warn("failed to flush after delete", zap.Error(err))
	}

	return nil
}

func (s *milvusVectorStore) Ready() bool {
	if s.milvusClient == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.milvusClient.ListCollections(ctx)
	return err == nil
}

// filterExpr 构建过滤表达式，user_id永远是第一个条件
func (s *milvusVectorStore) filterExpr(userID string, filters QueryFilters) string {
	parts := []string{fmt.Sprintf("user_id == %q", userID)}

	if len(filters.DocumentTypes) > 0 {
		quoted := make([]string, 0, len(filters.DocumentTypes))
		for _, t := range filters.DocumentTypes {
			quoted = append(quoted, fmt.Sprintf("%q", t))
		}
		parts = append(parts, fmt.Sprintf("document_type in [%s]", strings.Join(quoted, ", ")))
	}
	if filters.UploadedAfter != nil {
		parts = append(parts, fmt.Sprintf("uploaded_at >= %d", filters.UploadedAfter.Unix()))
	}
	if filters.UploadedBefore != nil {
		parts = append(parts, fmt.Sprintf("uploaded_at <= %d", filters.UploadedBefore.Unix()))
	}

	return strings.Join(parts, " and ")
}

func varCharColumn(fields []entity.Column, name string) []string {
	for _, field := range fields {
		if field.Name() != name {
			continue
		}
		if col, ok := field.(*entity.ColumnVarChar); ok {
			return col.Data()
		}
	}
	return nil
}

func int64Column(fields []entity.Column, name string) []int64 {
	for _, field := range fields {
		if field.Name() != name {
			continue
		}
		if col, ok := field.(*entity.ColumnInt64); ok {
			return col.Data()
		}
	}
	return nil
}
