package knowledge

import (
	"context"
	"fmt"
	"math"
	"sync"

	apperrors "github.com/enablhealth/knowledge-go/internal/errors"
)

// memoryVectorStore 内存向量存储，用于本地开发与测试。
// 与生产实现保持相同的租户隔离与幂等语义。
type memoryVectorStore struct {
	mu      sync.RWMutex
	records map[string]IndexRecord
}

// NewMemoryVectorStore 创建内存向量存储
func NewMemoryVectorStore() VectorStore {
	return &memoryVectorStore{
		records: make(map[string]IndexRecord),
	}
}

func (s *memoryVectorStore) Upsert(ctx context.Context, record IndexRecord) error {
	if len(record.Embedding) == 0 {
		return apperrors.NewValidationError("embedding is empty")
	}
	if record.Chunk.UserID == "" {
		return apperrors.NewTenantViolationError("upsert without user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Chunk.ChunkID] = record
	return nil
}

func (s *memoryVectorStore) Query(ctx context.Context, req QueryRequest) ([]SearchResult, error) {
	if req.UserID == "" {
		return nil, apperrors.NewTenantViolationError("query without user id")
	}
	if len(req.Embedding) == 0 {
		return nil, apperrors.NewValidationError("query embedding is empty")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []SearchResult
	for _, record := range s.records {
		if record.Chunk.UserID != req.UserID {
			continue
		}
		if !matchFilters(record.Chunk.Metadata, req.Filters) {
			continue
		}

		// 余弦相似度从[-1,1]归一化到[0,1]
		score := (1 + cosineSimilarity(req.Embedding, record.Embedding)) / 2
		if score < req.MinScore {
			continue
		}

		results = append(results, SearchResult{
			ChunkID:    record.Chunk.ChunkID,
			DocumentID: record.Chunk.DocumentID,
			Content:    record.Chunk.Content,
			Score:      score,
			ChunkIndex: record.Chunk.ChunkIndex,
			Metadata:   record.Chunk.Metadata,
		})
	}

	sortResults(results)
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

func (s *memoryVectorStore) FetchChunk(ctx context.Context, userID, documentID string, chunkIndex int) (*SearchResult, []float32, error) {
	if userID == "" {
		return nil, nil, apperrors.NewTenantViolationError("fetch without user id")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, record := range s.records {
		if record.Chunk.UserID != userID || record.Chunk.DocumentID != documentID || record.Chunk.ChunkIndex != chunkIndex {
			continue
		}
		result := SearchResult{
			ChunkID:    record.Chunk.ChunkID,
			DocumentID: record.Chunk.DocumentID,
			Content:    record.Chunk.Content,
			Score:      1,
			ChunkIndex: record.Chunk.ChunkIndex,
			Metadata:   record.Chunk.Metadata,
		}
		embedding := make([]float32, len(record.Embedding))
		copy(embedding, record.Embedding)
		return &result, embedding, nil
	}

	return nil, nil, apperrors.NewNotFoundError(fmt.Sprintf("chunk %s_%d", documentID, chunkIndex))
}

func (s *memoryVectorStore) DeleteDocument(ctx context.Context, userID, documentID string) error {
	if userID == "" {
		return apperrors.NewTenantViolationError("delete without user id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, record := range s.records {
		if record.Chunk.UserID == userID && record.Chunk.DocumentID == documentID {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *memoryVectorStore) Ready() bool {
	return true
}

func matchFilters(meta ChunkMetadata, filters QueryFilters) bool {
	if len(filters.DocumentTypes) > 0 {
		found := false
		for _, t := range filters.DocumentTypes {
			if meta.DocumentType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filters.UploadedAfter != nil && meta.UploadedAt.Before(*filters.UploadedAfter) {
		return false
	}
	if filters.UploadedBefore != nil && meta.UploadedAt.After(*filters.UploadedBefore) {
		return false
	}
	return true
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
