package knowledge

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	apperrors "github.com/enablhealth/knowledge-go/internal/errors"
)

// Embedder 定义文本向量化接口
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Ready() bool
}

// NoopEmbedder 默认占位实现
type NoopEmbedder struct{}

func (n *NoopEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, apperrors.NewExternalError(apperrors.ErrCodeEmbeddingFailed, "embedding provider not configured")
}

func (n *NoopEmbedder) Dimensions() int {
	return 0
}

func (n *NoopEmbedder) Ready() bool {
	return false
}

var embeddingDimensions = map[string]int{
	"text-embedding-3-large": 3072,
	"text-embedding-3-small": 1536,
	"text-embedding-ada-002": 1536,
}

// OpenAIEmbedder 使用OpenAI Embedding API
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder 创建OpenAI嵌入向量生成器
func NewOpenAIEmbedder(apiKey, model string) Embedder {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return &NoopEmbedder{}
	}
	if model == "" {
		model = "text-embedding-3-small"
	}

	dims, ok := embeddingDimensions[model]
	if !ok {
		dims = 1536
	}

	return &OpenAIEmbedder{
		client:     openai.NewClient(apiKey),
		model:      model,
		dimensions: dims,
	}
}

// Embed 向量化单条文本。提供商的响应形状在此适配层吸收一次，
// 返回的错误已按瞬态/永久分类，调用方据此决定是否重试。
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.NewValidationError("text is empty")
	}
	if e.client == nil {
		return nil, apperrors.NewExternalError(apperrors.ErrCodeEmbeddingFailed, "openai client not initialized")
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(e.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, classifyProviderError(err)
	}
	if len(resp.Data) == 0 {
		return nil, apperrors.NewExternalError(apperrors.ErrCodeEmbeddingFailed, "embedding response empty")
	}

	embedding := resp.Data[0].Embedding
	result := make([]float32, len(embedding))
	copy(result, embedding)
	return result, nil
}

func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *OpenAIEmbedder) Ready() bool {
	return e.client != nil
}

// classifyProviderError 将提供商错误归类为瞬态（限流、超时、服务端错误）
// 或永久（输入非法等），瞬态错误允许上层重试
func classifyProviderError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return apperrors.NewTransientError(apperrors.ErrCodeRateLimited, "embedding provider rate limited").WithCause(err)
		case http.StatusRequestTimeout, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return apperrors.NewTransientError(apperrors.ErrCodeEmbeddingFailed, "embedding provider unavailable").WithCause(err)
		}
		return apperrors.NewExternalError(apperrors.ErrCodeEmbeddingFailed, "embedding request rejected").WithCause(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.NewTransientError(apperrors.ErrCodeTimeout, "embedding request timed out").WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTransientError(apperrors.ErrCodeTimeout, "embedding request timed out").WithCause(err)
	}

	return apperrors.NewExternalError(apperrors.ErrCodeEmbeddingFailed, "embedding request failed").WithCause(err)
}
