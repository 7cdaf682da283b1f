package knowledge

import (
	"context"
	"time"
)

// IndexRecord 写入向量索引的一条记录
type IndexRecord struct {
	Chunk     Chunk
	Embedding []float32
}

// QueryFilters 检索的可选元数据过滤
type QueryFilters struct {
	DocumentTypes  []string
	UploadedAfter  *time.Time
	UploadedBefore *time.Time
}

// QueryRequest 向量检索请求。UserID必填，实现层必须将其
// 作为硬过滤条件，缺失时返回错误而不是降级为全局检索。
type QueryRequest struct {
	UserID    string
	Embedding []float32
	Filters   QueryFilters
	Limit     int
	MinScore  float64
}

// SearchResult 检索命中结果，Score已归一化到[0,1]
type SearchResult struct {
	ChunkID    string
	DocumentID string
	Content    string
	Score      float64
	ChunkIndex int
	Metadata   ChunkMetadata
}

// VectorStore 向量索引抽象。Upsert以ChunkID为主键，
// 重复写入覆盖而非累积。
type VectorStore interface {
	Upsert(ctx context.Context, record IndexRecord) error
	Query(ctx context.Context, req QueryRequest) ([]SearchResult, error)
	FetchChunk(ctx context.Context, userID, documentID string, chunkIndex int) (*SearchResult, []float32, error)
	DeleteDocument(ctx context.Context, userID, documentID string) error
	Ready() bool
}
