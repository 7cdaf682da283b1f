package kbase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/enablhealth/knowledge-go/internal/errors"
	"github.com/enablhealth/knowledge-go/internal/logger"
	"github.com/enablhealth/knowledge-go/internal/metrics"
)

// IngestionTrigger 同步任务的实际执行者。
// Manager只负责状态机与去重，不关心同步做了什么。
type IngestionTrigger interface {
	Ingest(ctx context.Context, userID, knowledgeBaseID string) error
}

// IngestionTriggerFunc 函数适配器
type IngestionTriggerFunc func(ctx context.Context, userID, knowledgeBaseID string) error

func (f IngestionTriggerFunc) Ingest(ctx context.Context, userID, knowledgeBaseID string) error {
	return f(ctx, userID, knowledgeBaseID)
}

// Manager 用户知识库管理器：懒创建、状态机流转、同步任务去重
type Manager struct {
	store   Store
	trigger IngestionTrigger

	// 同步任务超时，防止trigger悬挂导致状态卡在syncing
	syncTimeout time.Duration

	mu      sync.Mutex
	syncing map[string]bool
}

// NewManager 创建知识库管理器
func NewManager(store Store, trigger IngestionTrigger) *Manager {
	return &Manager{
		store:       store,
		trigger:     trigger,
		syncTimeout: 10 * time.Minute,
		syncing:     make(map[string]bool),
	}
}

// GetOrCreate 获取用户知识库，不存在时创建。
// KnowledgeBaseID由userID确定，并发创建经条件写入收敛到同一条记录。
func (m *Manager) GetOrCreate(ctx context.Context, userID string) (*KnowledgeBase, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("user id is empty")
	}

	kb, err := m.store.Get(ctx, userID)
	if err == nil {
		return kb, nil
	}
	if !apperrors.IsNotFound(err) {
		return nil, err
	}

	fresh := &KnowledgeBase{
		UserID:          userID,
		KnowledgeBaseID: fmt.Sprintf("kb_%s", userID),
		Status:          StatusCreating,
		CreatedAt:       time.Now().UTC(),
	}

	created, err := m.store.Create(ctx, fresh)
	if err != nil {
		return nil, err
	}
	if !created {
		// 并发创建输掉了竞争，读回赢家写入的记录
		return m.store.Get(ctx, userID)
	}

	// 保持creating状态，首次同步成功后才流转到active

	logger.Info("knowledge base created",
		zap.String("user_id", userID),
		zap.String("knowledge_base_id", fresh.KnowledgeBaseID))
	return fresh, nil
}

// GetStatus 查询知识库状态
func (m *Manager) GetStatus(ctx context.Context, userID string) (*KnowledgeBase, error) {
	if userID == "" {
		return nil, apperrors.NewValidationError("user id is empty")
	}
	return m.store.Get(ctx, userID)
}

// IncrementDocumentCount 文档入库成功后递增计数
func (m *Manager) IncrementDocumentCount(ctx context.Context, userID string) error {
	kb, err := m.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	kb.DocumentCount++
	return m.store.Update(ctx, kb)
}

// DecrementDocumentCount 文档删除后递减计数，不会减到负数
func (m *Manager) DecrementDocumentCount(ctx context.Context, userID string) error {
	kb, err := m.store.Get(ctx, userID)
	if err != nil {
		return err
	}
	if kb.DocumentCount > 0 {
		kb.DocumentCount--
	}
	return m.store.Update(ctx, kb)
}

// Sync 触发知识库同步。立即返回，同步在后台执行；
// 同一用户已有同步在跑时合并请求，不排队不叠加。
func (m *Manager) Sync(ctx context.Context, userID string) error {
	if userID == "" {
		return apperrors.NewValidationError("user id is empty")
	}

	kb, err := m.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.syncing[userID] {
		m.mu.Unlock()
		logger.Debug("sync already in progress, coalescing", zap.String("user_id", userID))
		metrics.SyncJobs.WithLabelValues("coalesced").Inc()
		return nil
	}
	m.syncing[userID] = true
	m.mu.Unlock()

	kb.Status = StatusSyncing
	if err := m.store.Update(ctx, kb); err != nil {
		m.mu.Lock()
		delete(m.syncing, userID)
		m.mu.Unlock()
		return err
	}

	go m.runSync(kb.UserID, kb.KnowledgeBaseID)
	return nil
}

// runSync 后台同步任务，使用独立的context以免被请求取消连累
func (m *Manager) runSync(userID, knowledgeBaseID string) {
	defer func() {
		m.mu.Lock()
		delete(m.syncing, userID)
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.syncTimeout)
	defer cancel()

	var syncErr error
	if m.trigger != nil {
		syncErr = m.trigger.Ingest(ctx, userID, knowledgeBaseID)
	}

	kb, err := m.store.Get(ctx, userID)
	if err != nil {
		logger.Error("failed to load knowledge base after sync",
			zap.String("user_id", userID), zap.Error(err))
		metrics.SyncJobs.WithLabelValues("failure").Inc()
		return
	}

	if syncErr != nil {
		kb.Status = StatusFailed
		kb.LastError = syncErr.Error()
		metrics.SyncJobs.WithLabelValues("failure").Inc()
		logger.Error("knowledge base sync failed",
			zap.String("user_id", userID),
			zap.String("knowledge_base_id", knowledgeBaseID),
			zap.Error(syncErr))
	} else {
		now := time.Now().UTC()
		kb.Status = StatusActive
		kb.LastSyncedAt = &now
		kb.LastError = ""
		metrics.SyncJobs.WithLabelValues("success").Inc()
		logger.Info("knowledge base sync completed",
			zap.String("user_id", userID),
			zap.String("knowledge_base_id", knowledgeBaseID))
	}

	if err := m.store.Update(ctx, kb); err != nil {
		logger.Error("failed to persist sync outcome",
			zap.String("user_id", userID), zap.Error(err))
	}
}

// WaitIdle 等待某用户的后台同步结束，测试用
func (m *Manager) WaitIdle(userID string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		busy := m.syncing[userID]
		m.mu.Unlock()
		if !busy {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// Ready 存储可用即视为就绪
func (m *Manager) Ready() bool {
	return m.store != nil && m.store.Ready()
}
