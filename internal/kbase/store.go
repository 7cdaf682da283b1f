package kbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/enablhealth/knowledge-go/internal/errors"
)

// Status 知识库生命周期状态
type Status string

const (
	StatusCreating Status = "creating"
	StatusActive   Status = "active"
	StatusSyncing  Status = "syncing"
	StatusFailed   Status = "failed"
)

// KnowledgeBase 用户知识库记录，每个用户最多一条
type KnowledgeBase struct {
	UserID          string     `json:"user_id"`
	KnowledgeBaseID string     `json:"knowledge_base_id"`
	Status          Status     `json:"status"`
	DocumentCount   int        `json:"document_count"`
	CreatedAt       time.Time  `json:"created_at"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}

// Store 知识库记录存储。Create是条件写入：
// 记录已存在时返回false且不覆盖，用于并发创建去重。
type Store interface {
	Get(ctx context.Context, userID string) (*KnowledgeBase, error)
	Create(ctx context.Context, kb *KnowledgeBase) (bool, error)
	Update(ctx context.Context, kb *KnowledgeBase) error
	Ready() bool
}

func kbKey(userID string) string {
	return fmt.Sprintf("kb:user:%s", userID)
}

// RedisStore 基于Redis的知识库存储
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore 创建Redis知识库存储
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, userID string) (*KnowledgeBase, error) {
	data, err := s.client.Get(ctx, kbKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NewNotFoundError("knowledge base for user " + userID)
		}
		return nil, apperrors.NewTransientError(apperrors.ErrCodeOperationFailed, "failed to read knowledge base").WithCause(err)
	}

	var kb KnowledgeBase
	if err := json.Unmarshal(data, &kb); err != nil {
		return nil, apperrors.NewSystemError(apperrors.ErrCodeInternal, "corrupt knowledge base record").WithCause(err)
	}
	return &kb, nil
}

// Create SetNX条件写入，已存在时返回false
func (s *RedisStore) Create(ctx context.Context, kb *KnowledgeBase) (bool, error) {
	data, err := json.Marshal(kb)
	if err != nil {
		return false, apperrors.NewSystemError(apperrors.ErrCodeInternal, "failed to encode knowledge base").WithCause(err)
	}

	ok, err := s.client.SetNX(ctx, kbKey(kb.UserID), data, 0).Result()
	if err != nil {
		return false, apperrors.NewTransientError(apperrors.ErrCodeOperationFailed, "failed to create knowledge base").WithCause(err)
	}
	return ok, nil
}

func (s *RedisStore) Update(ctx context.Context, kb *KnowledgeBase) error {
	data, err := json.Marshal(kb)
	if err != nil {
		return apperrors.NewSystemError(apperrors.ErrCodeInternal, "failed to encode knowledge base").WithCause(err)
	}

	if err := s.client.Set(ctx, kbKey(kb.UserID), data, 0).Err(); err != nil {
		return apperrors.NewTransientError(apperrors.ErrCodeOperationFailed, "failed to update knowledge base").WithCause(err)
	}
	return nil
}

func (s *RedisStore) Ready() bool {
	if s.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

// MemoryStore 内存实现，用于测试
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]KnowledgeBase
}

// NewMemoryStore 创建内存知识库存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]KnowledgeBase)}
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kb, ok := s.records[userID]
	if !ok {
		return nil, apperrors.NewNotFoundError("knowledge base for user " + userID)
	}
	copied := kb
	return &copied, nil
}

func (s *MemoryStore) Create(ctx context.Context, kb *KnowledgeBase) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[kb.UserID]; exists {
		return false, nil
	}
	s.records[kb.UserID] = *kb
	return true, nil
}

func (s *MemoryStore) Update(ctx context.Context, kb *KnowledgeBase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[kb.UserID] = *kb
	return nil
}

func (s *MemoryStore) Ready() bool {
	return true
}
