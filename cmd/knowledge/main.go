package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/enablhealth/knowledge-go/internal/config"
	"github.com/enablhealth/knowledge-go/internal/kbase"
	"github.com/enablhealth/knowledge-go/internal/knowledge"
	"github.com/enablhealth/knowledge-go/internal/logger"
	"github.com/enablhealth/knowledge-go/internal/services"
	"github.com/enablhealth/knowledge-go/internal/storage"
)

func main() {
	// .env不存在不是错误，环境变量可以来自部署环境
	_ = godotenv.Load()

	if err := config.LoadConfig(); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg := config.AppConfig

	if err := logger.InitLogger(); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	svc, cleanup, err := buildService(cfg)
	if err != nil {
		logger.Fatal("failed to build knowledge service", zap.Error(err))
	}
	defer cleanup()

	// 指标端口独立于业务端口
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if !svc.Ready() {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

		addr := ":" + cfg.Server.MetricsPort
		logger.Info("metrics listener started", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics listener stopped", zap.Error(err))
		}
	}()

	logger.Info("knowledge service started",
		zap.String("env", cfg.Server.Env),
		zap.String("vector_store", cfg.Knowledge.VectorStore.Provider),
		zap.String("embedding_model", cfg.Knowledge.Embedding.Model))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down knowledge service")
}

// buildService 按配置装配整条流水线
func buildService(cfg *config.Config) (*services.SemanticSearchService, func(), error) {
	kcfg := cfg.Knowledge

	objects, err := storage.NewMinIOStore(kcfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("object store: %w", err)
	}

	store, err := buildVectorStore(kcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("vector store: %w", err)
	}

	embedder := knowledge.NewOpenAIEmbedder(kcfg.Embedding.APIKey, kcfg.Embedding.Model)
	worker := knowledge.NewEmbedWorker(embedder, knowledge.EmbedOptions{
		Concurrency:   kcfg.MaxParallel,
		MaxRetries:    kcfg.MaxRetries,
		RetryBase:     time.Duration(kcfg.RetryBaseMS) * time.Millisecond,
		RetryCap:      time.Duration(kcfg.RetryCapMS) * time.Millisecond,
		MaxInputChars: kcfg.Embedding.MaxInputChars,
	})

	chunker := knowledge.NewChunker(kcfg.ChunkSize, kcfg.ChunkOverlap, kcfg.MinChunkLength)

	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Host + ":" + cfg.Redis.Port,
		DB:   cfg.Redis.DB,
	})
	kbStore := kbase.NewRedisStore(redisClient)

	// 同步任务目前只做状态流转，索引写入在ProcessDocument中同步完成
	manager := kbase.NewManager(kbStore, kbase.IngestionTriggerFunc(
		func(ctx context.Context, userID, knowledgeBaseID string) error {
			return nil
		}))

	svc := services.NewSemanticSearchService(objects, chunker, worker, store, manager, services.SemanticSearchOptions{
		SearchLimit: kcfg.SearchLimit,
		MinScore:    kcfg.MinScore,
	})

	cleanup := func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("failed to close redis client", zap.Error(err))
		}
	}
	return svc, cleanup, nil
}

func buildVectorStore(kcfg config.KnowledgeConfig) (knowledge.VectorStore, error) {
	switch kcfg.VectorStore.Provider {
	case "elasticsearch":
		es := kcfg.VectorStore.Elasticsearch
		return knowledge.NewElasticVectorStore(knowledge.ElasticOptions{
			Addresses:  es.Addresses,
			Username:   es.Username,
			Password:   es.Password,
			APIKey:     es.APIKey,
			Index:      es.Index,
			VectorSize: kcfg.Embedding.Dimensions,
		})
	case "milvus":
		mv := kcfg.VectorStore.Milvus
		return knowledge.NewMilvusVectorStore(knowledge.MilvusOptions{
			Address:    mv.Address,
			Username:   mv.Username,
			Password:   mv.Password,
			Collection: mv.Collection,
			Database:   mv.Database,
			VectorSize: kcfg.Embedding.Dimensions,
			UseTLS:     mv.TLS,
		})
	case "memory":
		return knowledge.NewMemoryVectorStore(), nil
	default:
		return nil, fmt.Errorf("unknown vector store provider: %s", kcfg.VectorStore.Provider)
	}
}
