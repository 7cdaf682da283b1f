package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/enablhealth/knowledge-go/internal/config"
	apperrors "github.com/enablhealth/knowledge-go/internal/errors"
)

// ObjectStore 对象存储抽象，按key读取已提取的文档文本
type ObjectStore interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
	Ready() bool
}

// MinIOStore 基于MinIO的对象存储实现
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore 创建MinIO对象存储客户端
func NewMinIOStore(cfg config.ObjectStorageConfig) (*MinIOStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint not configured")
	}

	// minio.New 不接受协议前缀
	endpoint := strings.TrimPrefix(cfg.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "user-documents"
	}

	return &MinIOStore{client: client, bucket: bucket}, nil
}

func (s *MinIOStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	if s.client == nil {
		return nil, apperrors.NewExternalError(apperrors.ErrCodeObjectStore, "object store not configured")
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperrors.NewExternalError(apperrors.ErrCodeObjectStore, "failed to open object").WithCause(err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" {
			return nil, apperrors.NewNotFoundError("object " + key)
		}
		return nil, apperrors.NewExternalError(apperrors.ErrCodeObjectStore, "failed to read object").WithCause(err)
	}

	return data, nil
}

func (s *MinIOStore) Ready() bool {
	return s.client != nil
}
