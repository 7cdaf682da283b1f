package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Knowledge KnowledgeConfig
}

type ServerConfig struct {
	Env         string
	MetricsPort string
}

type RedisConfig struct {
	Host string
	Port string
	DB   int
}

// KnowledgeConfig 文档向量化与检索配置
type KnowledgeConfig struct {
	ChunkSize      int `validate:"gt=0"`
	ChunkOverlap   int `validate:"gte=0,ltfield=ChunkSize"`
	MinChunkLength int `validate:"gte=0"`

	// 向量化并发与重试
	MaxParallel  int `validate:"gt=0"`
	MaxRetries   int `validate:"gte=0"`
	RetryBaseMS  int `validate:"gt=0"`
	RetryCapMS   int `validate:"gt=0"`

	// 检索默认值
	SearchLimit int     `validate:"gt=0"`
	MinScore    float64 `validate:"gte=0,lte=1"`

	Storage     ObjectStorageConfig
	VectorStore VectorStoreConfig
	Embedding   EmbeddingConfig
}

type ObjectStorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type VectorStoreConfig struct {
	Provider      string `validate:"oneof=elasticsearch milvus memory"`
	Elasticsearch ElasticsearchConfig
	Milvus        MilvusConfig
}

type ElasticsearchConfig struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
	Index     string
}

type MilvusConfig struct {
	Address    string
	Username   string
	Password   string
	Collection string
	Database   string
	TLS        bool
}

type EmbeddingConfig struct {
	Provider string
	APIKey   string
	Model    string
	// 维度必须与索引schema一致
	Dimensions int `validate:"gt=0"`
	// 字符上限是显式策略：字符数≠token数，不照抄提供商的token限制
	MaxInputChars int `validate:"gt=0"`
}

var AppConfig *Config

// LoadConfig 加载配置（默认值 + 环境变量覆盖）
func LoadConfig() error {
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.metrics_port", "9091")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.db", 0)

	// 分块配置默认值
	viper.SetDefault("knowledge.chunk_size", 1000)
	viper.SetDefault("knowledge.chunk_overlap", 200)
	viper.SetDefault("knowledge.min_chunk_length", 50)

	// 向量化并发与重试
	viper.SetDefault("knowledge.max_parallel", 4)
	viper.SetDefault("knowledge.max_retries", 3)
	viper.SetDefault("knowledge.retry_base_ms", 200)
	viper.SetDefault("knowledge.retry_cap_ms", 5000)

	// 检索默认值
	viper.SetDefault("knowledge.search_limit", 10)
	viper.SetDefault("knowledge.min_score", 0.7)

	// 对象存储
	viper.SetDefault("knowledge.storage.endpoint", "")
	viper.SetDefault("knowledge.storage.bucket", "user-documents")
	viper.SetDefault("knowledge.storage.use_ssl", false)

	// 向量索引
	viper.SetDefault("knowledge.vector_store.provider", "elasticsearch")
	viper.SetDefault("knowledge.vector_store.elasticsearch.addresses", []string{"http://localhost:9200"})
	viper.SetDefault("knowledge.vector_store.elasticsearch.index", "user_doc_chunks")
	viper.SetDefault("knowledge.vector_store.milvus.address", "localhost:19530")
	viper.SetDefault("knowledge.vector_store.milvus.collection", "doc_chunks")
	viper.SetDefault("knowledge.vector_store.milvus.database", "default")
	viper.SetDefault("knowledge.vector_store.milvus.tls", false)

	// 向量化提供商
	viper.SetDefault("knowledge.embedding.provider", "openai")
	viper.SetDefault("knowledge.embedding.model", "text-embedding-3-small")
	viper.SetDefault("knowledge.embedding.dimensions", 1536)
	viper.SetDefault("knowledge.embedding.max_input_chars", 8000)

	applyEnvOverrides()

	cfg := &Config{
		Server: ServerConfig{
			Env:         viper.GetString("server.env"),
			MetricsPort: viper.GetString("server.metrics_port"),
		},
		Redis: RedisConfig{
			Host: viper.GetString("redis.host"),
			Port: viper.GetString("redis.port"),
			DB:   viper.GetInt("redis.db"),
		},
		Knowledge: KnowledgeConfig{
			ChunkSize:      viper.GetInt("knowledge.chunk_size"),
			ChunkOverlap:   viper.GetInt("knowledge.chunk_overlap"),
			MinChunkLength: viper.GetInt("knowledge.min_chunk_length"),
			MaxParallel:    viper.GetInt("knowledge.max_parallel"),
			MaxRetries:     viper.GetInt("knowledge.max_retries"),
			RetryBaseMS:    viper.GetInt("knowledge.retry_base_ms"),
			RetryCapMS:     viper.GetInt("knowledge.retry_cap_ms"),
			SearchLimit:    viper.GetInt("knowledge.search_limit"),
			MinScore:       viper.GetFloat64("knowledge.min_score"),
			Storage: ObjectStorageConfig{
				Endpoint:  viper.GetString("knowledge.storage.endpoint"),
				AccessKey: viper.GetString("knowledge.storage.access_key"),
				SecretKey: viper.GetString("knowledge.storage.secret_key"),
				Bucket:    viper.GetString("knowledge.storage.bucket"),
				UseSSL:    viper.GetBool("knowledge.storage.use_ssl"),
			},
			VectorStore: VectorStoreConfig{
				Provider: viper.GetString("knowledge.vector_store.provider"),
				Elasticsearch: ElasticsearchConfig{
					Addresses: viper.GetStringSlice("knowledge.vector_store.elasticsearch.addresses"),
					Username:  viper.GetString("knowledge.vector_store.elasticsearch.username"),
					Password:  viper.GetString("knowledge.vector_store.elasticsearch.password"),
					APIKey:    viper.GetString("knowledge.vector_store.elasticsearch.api_key"),
					Index:     viper.GetString("knowledge.vector_store.elasticsearch.index"),
				},
				Milvus: MilvusConfig{
					Address:    viper.GetString("knowledge.vector_store.milvus.address"),
					Username:   viper.GetString("knowledge.vector_store.milvus.username"),
					Password:   viper.GetString("knowledge.vector_store.milvus.password"),
					Collection: viper.GetString("knowledge.vector_store.milvus.collection"),
					Database:   viper.GetString("knowledge.vector_store.milvus.database"),
					TLS:        viper.GetBool("knowledge.vector_store.milvus.tls"),
				},
			},
			Embedding: EmbeddingConfig{
				Provider:      viper.GetString("knowledge.embedding.provider"),
				APIKey:        viper.GetString("knowledge.embedding.api_key"),
				Model:         viper.GetString("knowledge.embedding.model"),
				Dimensions:    viper.GetInt("knowledge.embedding.dimensions"),
				MaxInputChars: viper.GetInt("knowledge.embedding.max_input_chars"),
			},
		},
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	AppConfig = cfg
	return nil
}

// Validate 校验配置的合法性
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg.Knowledge); err != nil {
		return fmt.Errorf("invalid knowledge config: %w", err)
	}
	if err := v.Struct(cfg.Knowledge.VectorStore); err != nil {
		return fmt.Errorf("invalid vector store config: %w", err)
	}
	if err := v.Struct(cfg.Knowledge.Embedding); err != nil {
		return fmt.Errorf("invalid embedding config: %w", err)
	}
	return nil
}

func applyEnvOverrides() {
	if env := os.Getenv("ENV"); env != "" {
		viper.Set("server.env", env)
	}
	if port := os.Getenv("METRICS_PORT"); port != "" {
		viper.Set("server.metrics_port", port)
	}

	if host := os.Getenv("REDIS_HOST"); host != "" {
		viper.Set("redis.host", host)
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		viper.Set("redis.port", port)
	}

	// 分块配置
	if size := os.Getenv("CHUNK_SIZE"); size != "" {
		viper.Set("knowledge.chunk_size", size)
	}
	if overlap := os.Getenv("CHUNK_OVERLAP"); overlap != "" {
		viper.Set("knowledge.chunk_overlap", overlap)
	}
	if parallel := os.Getenv("EMBED_MAX_PARALLEL"); parallel != "" {
		viper.Set("knowledge.max_parallel", parallel)
	}

	// 对象存储
	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		viper.Set("knowledge.storage.endpoint", endpoint)
	}
	if key := os.Getenv("MINIO_ACCESS_KEY"); key != "" {
		viper.Set("knowledge.storage.access_key", key)
	}
	if secret := os.Getenv("MINIO_SECRET_KEY"); secret != "" {
		viper.Set("knowledge.storage.secret_key", secret)
	}
	if bucket := os.Getenv("MINIO_BUCKET"); bucket != "" {
		viper.Set("knowledge.storage.bucket", bucket)
	}

	// 向量索引
	if provider := os.Getenv("VECTOR_STORE_PROVIDER"); provider != "" {
		viper.Set("knowledge.vector_store.provider", provider)
	}
	if addrs := os.Getenv("ELASTICSEARCH_ADDRESSES"); addrs != "" {
		list := strings.Split(addrs, ",")
		for i := range list {
			list[i] = strings.TrimSpace(list[i])
		}
		viper.Set("knowledge.vector_store.elasticsearch.addresses", list)
	}
	if user := os.Getenv("ELASTICSEARCH_USERNAME"); user != "" {
		viper.Set("knowledge.vector_store.elasticsearch.username", user)
	}
	if pass := os.Getenv("ELASTICSEARCH_PASSWORD"); pass != "" {
		viper.Set("knowledge.vector_store.elasticsearch.password", pass)
	}
	if milvusAddr := os.Getenv("MILVUS_ADDRESS"); milvusAddr != "" {
		viper.Set("knowledge.vector_store.milvus.address", milvusAddr)
	}

	// 向量化提供商
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		viper.Set("knowledge.embedding.api_key", key)
	}
	if model := os.Getenv("EMBEDDING_MODEL"); model != "" {
		viper.Set("knowledge.embedding.model", model)
	}
	if dims := os.Getenv("EMBEDDING_DIMENSIONS"); dims != "" {
		viper.Set("knowledge.embedding.dimensions", dims)
	}
	if cap := os.Getenv("EMBEDDING_MAX_INPUT_CHARS"); cap != "" {
		viper.Set("knowledge.embedding.max_input_chars", cap)
	}
}
