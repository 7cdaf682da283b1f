package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	apperrors "github.com/enablhealth/knowledge-go/internal/errors"
)

// ElasticOptions ES向量存储配置
type ElasticOptions struct {
	Addresses  []string
	Username   string
	Password   string
	APIKey     string
	Index      string
	VectorSize int
	// 自定义HTTP传输层，测试用
	Transport http.RoundTripper
}

// elasticVectorStore 基于ES dense_vector的向量索引。
// 所有用户共享一个索引，user_id作为强制过滤字段。
type elasticVectorStore struct {
	client     *elasticsearch.Client
	index      string
	vectorSize int
	indexReady bool
	mu         sync.Mutex
}

// NewElasticVectorStore 创建ES向量存储
func NewElasticVectorStore(opts ElasticOptions) (VectorStore, error) {
	if len(opts.Addresses) == 0 {
		return nil, fmt.Errorf("elasticsearch addresses not configured")
	}
	if opts.Index == "" {
		opts.Index = "user_doc_chunks"
	}
	if opts.VectorSize == 0 {
		opts.VectorSize = 1536
	}

	cfg := elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
		APIKey:    opts.APIKey,
		Transport: opts.Transport,
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	return &elasticVectorStore{
		client:     client,
		index:      opts.Index,
		vectorSize: opts.VectorSize,
	}, nil
}

// ensureIndex 全程持锁，并发首写只发出一次建索引请求
func (e *elasticVectorStore) ensureIndex(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.indexReady {
		return nil
	}

	req := esapi.IndicesExistsRequest{
		Index: []string{e.index},
	}
	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == 200 {
		e.indexReady = true
		return nil
	}

	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"chunk_id":    map[string]interface{}{"type": "keyword"},
				"document_id": map[string]interface{}{"type": "keyword"},
				"user_id":     map[string]interface{}{"type": "keyword"},
				"content":     map[string]interface{}{"type": "text"},
				"chunk_index": map[string]interface{}{"type": "integer"},
				"embedding": map[string]interface{}{
					"type":       "dense_vector",
					"dims":       e.vectorSize,
					"index":      true,
					"similarity": "cosine",
				},
				"document_name": map[string]interface{}{"type": "keyword"},
				"document_type": map[string]interface{}{"type": "keyword"},
				"uploaded_at":   map[string]interface{}{"type": "date"},
				"tags":          map[string]interface{}{"type": "keyword"},
			},
		},
	}

	body, _ := json.Marshal(mapping)
	createReq := esapi.IndicesCreateRequest{
		Index: e.index,
		Body:  bytes.NewReader(body),
	}
	createResp, err := createReq.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer createResp.Body.Close()

	if createResp.IsError() {
		// 其他写入方抢先建好了同名索引，视为成功
		if !strings.Contains(createResp.String(), "resource_already_exists_exception") {
			return fmt.Errorf("create index error: %s", createResp.String())
		}
	}

	e.indexReady = true
	return nil
}

// Upsert 以ChunkID作为文档ID写入，重复写入覆盖旧值
func (e *elasticVectorStore) Upsert(ctx context.Context, record IndexRecord) error {
	if len(record.Embedding) == 0 {
		return apperrors.NewValidationError("embedding is empty")
	}
	if record.Chunk.UserID == "" {
		return apperrors.NewTenantViolationError("upsert without user id")
	}
	if err := e.ensureIndex(ctx); err != nil {
		return apperrors.NewExternalError(apperrors.ErrCodeIndexWrite, "failed to ensure index").WithCause(err)
	}

	doc := map[string]interface{}{
		"chunk_id":      record.Chunk.ChunkID,
		"document_id":   record.Chunk.DocumentID,
		"user_id":       record.Chunk.UserID,
		"content":       record.Chunk.Content,
		"chunk_index":   record.Chunk.ChunkIndex,
		"embedding":     record.Embedding,
		"document_name": record.Chunk.Metadata.DocumentName,
		"document_type": record.Chunk.Metadata.DocumentType,
		"uploaded_at":   record.Chunk.Metadata.UploadedAt,
		"tags":          record.Chunk.Metadata.Tags,
	}

	payload, _ := json.Marshal(doc)
	req := esapi.IndexRequest{
		Index:      e.index,
		DocumentID: record.Chunk.ChunkID,
		Body:       bytes.NewReader(payload),
		Refresh:    "true",
	}

	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return apperrors.NewTransientError(apperrors.ErrCodeIndexWrite, "index write failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return apperrors.NewExternalError(apperrors.ErrCodeIndexWrite, fmt.Sprintf("index write error: %s", resp.String()))
	}

	return nil
}

// Query kNN检索。user_id是knn的硬过滤，不依赖评分排序兜底
func (e *elasticVectorStore) Query(ctx context.Context, req QueryRequest) ([]SearchResult, error) {
	if req.UserID == "" {
		return nil, apperrors.NewTenantViolationError("query without user id")
	}
	if len(req.Embedding) == 0 {
		return nil, apperrors.NewValidationError("query embedding is empty")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if err := e.ensureIndex(ctx); err != nil {
		return nil, apperrors.NewExternalError(apperrors.ErrCodeIndexQuery, "failed to ensure index").WithCause(err)
	}

	filters := []interface{}{
		map[string]interface{}{
			"term": map[string]interface{}{
				"user_id": req.UserID,
			},
		},
	}
	if len(req.Filters.DocumentTypes) > 0 {
		filters = append(filters, map[string]interface{}{
			"terms": map[string]interface{}{
				"document_type": req.Filters.DocumentTypes,
			},
		})
	}
	if req.Filters.UploadedAfter != nil || req.Filters.UploadedBefore != nil {
		rangeClause := map[string]interface{}{}
		if req.Filters.UploadedAfter != nil {
			rangeClause["gte"] = req.Filters.UploadedAfter.Format(time.RFC3339)
		}
		if req.Filters.UploadedBefore != nil {
			rangeClause["lte"] = req.Filters.UploadedBefore.Format(time.RFC3339)
		}
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{
				"uploaded_at": rangeClause,
			},
		})
	}

	body := map[string]interface{}{
		"size": req.Limit,
		"knn": map[string]interface{}{
			"field":          "embedding",
			"query_vector":   req.Embedding,
			"k":              req.Limit,
			"num_candidates": req.Limit * 10,
			"filter": map[string]interface{}{
				"bool": map[string]interface{}{
					"must": filters,
				},
			},
		},
		"_source": []string{
			"chunk_id", "document_id", "content", "chunk_index",
			"document_name", "document_type", "uploaded_at", "tags",
		},
	}

	payload, _ := json.Marshal(body)
	searchReq := esapi.SearchRequest{
		Index: []string{e.index},
		Body:  bytes.NewReader(payload),
	}

	resp, err := searchReq.Do(ctx, e.client)
	if err != nil {
		return nil, apperrors.NewTransientError(apperrors.ErrCodeIndexQuery, "search failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return nil, apperrors.NewExternalError(apperrors.ErrCodeIndexQuery, fmt.Sprintf("search error: %s", resp.String()))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, apperrors.NewExternalError(apperrors.ErrCodeIndexQuery, "failed to decode search response").WithCause(err)
	}

	results := decodeHits(result)

	// dense_vector cosine相似度已在[0,1]，直接按阈值过滤
	filtered := results[:0]
	for _, r := range results {
		if r.Score >= req.MinScore {
			filtered = append(filtered, r)
		}
	}

	sortResults(filtered)
	if len(filtered) > req.Limit {
		filtered = filtered[:req.Limit]
	}
	return filtered, nil
}

// FetchChunk 按(userID, documentID, chunkIndex)取回单个chunk及其向量
func (e *elasticVectorStore) FetchChunk(ctx context.Context, userID, documentID string, chunkIndex int) (*SearchResult, []float32, error) {
	if userID == "" {
		return nil, nil, apperrors.NewTenantViolationError("fetch without user id")
	}
	if err := e.ensureIndex(ctx); err != nil {
		return nil, nil, apperrors.NewExternalError(apperrors.ErrCodeIndexQuery, "failed to ensure index").WithCause(err)
	}

	body := map[string]interface{}{
		"size": 1,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"user_id": userID}},
					map[string]interface{}{"term": map[string]interface{}{"document_id": documentID}},
					map[string]interface{}{"term": map[string]interface{}{"chunk_index": chunkIndex}},
				},
			},
		},
	}

	payload, _ := json.Marshal(body)
	searchReq := esapi.SearchRequest{
		Index: []string{e.index},
		Body:  bytes.NewReader(payload),
	}

	resp, err := searchReq.Do(ctx, e.client)
	if err != nil {
		return nil, nil, apperrors.NewTransientError(apperrors.ErrCodeIndexQuery, "fetch failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return nil, nil, apperrors.NewExternalError(apperrors.ErrCodeIndexQuery, fmt.Sprintf("fetch error: %s", resp.String()))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, nil, apperrors.NewExternalError(apperrors.ErrCodeIndexQuery, "failed to decode fetch response").WithCause(err)
	}

	hits, embeddings := decodeHitsWithEmbedding(result)
	if len(hits) == 0 {
		return nil, nil, apperrors.NewNotFoundError(fmt.Sprintf("chunk %s_%d", documentID, chunkIndex))
	}
	return &hits[0], embeddings[0], nil
}

// DeleteDocument 删除某用户某文档的全部chunk
func (e *elasticVectorStore) DeleteDocument(ctx context.Context, userID, documentID string) error {
	if userID == "" {
		return apperrors.NewTenantViolationError("delete without user id")
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{"term": map[string]interface{}{"user_id": userID}},
					map[string]interface{}{"term": map[string]interface{}{"document_id": documentID}},
				},
			},
		},
	}

	body, _ := json.Marshal(query)
	req := esapi.DeleteByQueryRequest{
		Index:   []string{e.index},
		Body:    bytes.NewReader(body),
		Refresh: boolPtr(true),
	}

	resp, err := req.Do(ctx, e.client)
	if err != nil {
		return apperrors.NewTransientError(apperrors.ErrCodeIndexWrite, "delete failed").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return apperrors.NewExternalError(apperrors.ErrCodeIndexWrite, fmt.Sprintf("delete error: %s", resp.String()))
	}

	return nil
}

func (e *elasticVectorStore) Ready() bool {
	return e.client != nil
}

func decodeHits(result map[string]interface{}) []SearchResult {
	hits, _ := decodeHitsWithEmbedding(result)
	return hits
}

func decodeHitsWithEmbedding(result map[string]interface{}) ([]SearchResult, [][]float32) {
	hitsWrap, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	rawHits, ok := hitsWrap["hits"].([]interface{})
	if !ok {
		return nil, nil
	}

	results := make([]SearchResult, 0, len(rawHits))
	embeddings := make([][]float32, 0, len(rawHits))
	for _, raw := range rawHits {
		hit, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		score, _ := hit["_score"].(float64)
		source, ok := hit["_source"].(map[string]interface{})
		if !ok {
			continue
		}

		chunkID, _ := source["chunk_id"].(string)
		documentID, _ := source["document_id"].(string)
		content, _ := source["content"].(string)
		chunkIndex := 0
		if v, ok := source["chunk_index"].(float64); ok {
			chunkIndex = int(v)
		}

		meta := ChunkMetadata{}
		meta.DocumentName, _ = source["document_name"].(string)
		meta.DocumentType, _ = source["document_type"].(string)
		if ts, ok := source["uploaded_at"].(string); ok {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				meta.UploadedAt = parsed
			}
		}
		if rawTags, ok := source["tags"].([]interface{}); ok {
			for _, t := range rawTags {
				if tag, ok := t.(string); ok {
					meta.Tags = append(meta.Tags, tag)
				}
			}
		}

		var embedding []float32
		if rawVec, ok := source["embedding"].([]interface{}); ok {
			embedding = make([]float32, 0, len(rawVec))
			for _, v := range rawVec {
				if f, ok := v.(float64); ok {
					embedding = append(embedding, float32(f))
				}
			}
		}

		results = append(results, SearchResult{
			ChunkID:    chunkID,
			DocumentID: documentID,
			Content:    content,
			Score:      score,
			ChunkIndex: chunkIndex,
			Metadata:   meta,
		})
		embeddings = append(embeddings, embedding)
	}

	return results, embeddings
}

// sortResults 分数降序，分数相同时新文档优先，最后按ChunkID稳定排序
func sortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Metadata.UploadedAt.Equal(results[j].Metadata.UploadedAt) {
			return results[i].Metadata.UploadedAt.After(results[j].Metadata.UploadedAt)
		}
		return results[i].ChunkID < results[j].ChunkID
	})
}

func boolPtr(v bool) *bool {
	return &v
}
