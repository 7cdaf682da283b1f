package knowledge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/enablhealth/knowledge-go/internal/errors"
	"github.com/enablhealth/knowledge-go/internal/logger"
	"github.com/enablhealth/knowledge-go/internal/metrics"
)

// EmbedOptions 向量化编排参数
type EmbedOptions struct {
	Concurrency   int
	MaxRetries    int
	RetryBase     time.Duration
	RetryCap      time.Duration
	MaxInputChars int
}

// EmbedResult 单条文本的向量化结果，Index对应输入切片中的位置
type EmbedResult struct {
	Index  int
	Vector []float32
	Err    error
}

// EmbedWorker 批量向量化编排器：限制并发、按瞬态错误重试、
// 单条失败不影响其余文本
type EmbedWorker struct {
	embedder Embedder
	opts     EmbedOptions
}

// NewEmbedWorker 创建向量化编排器
func NewEmbedWorker(embedder Embedder, opts EmbedOptions) *EmbedWorker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 5 * time.Second
	}
	return &EmbedWorker{embedder: embedder, opts: opts}
}

// EmbedAll 并发向量化一批文本，结果按输入顺序返回。
// 永不因单条失败提前返回，调用方自行统计成败。
func (w *EmbedWorker) EmbedAll(ctx context.Context, texts []string) []EmbedResult {
	results := make([]EmbedResult, len(texts))
	if len(texts) == 0 {
		return results
	}

	sem := make(chan struct{}, w.opts.Concurrency)
	var wg sync.WaitGroup

	for i, text := range texts {
		wg.Add(1)
		go func(idx int, input string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = EmbedResult{Index: idx, Err: apperrors.NewTransientError(apperrors.ErrCodeTimeout, "embedding canceled").WithCause(ctx.Err())}
				return
			}

			vector, err := w.EmbedOne(ctx, input)
			results[idx] = EmbedResult{Index: idx, Vector: vector, Err: err}
		}(i, text)
	}

	wg.Wait()
	return results
}

// EmbedOne 向量化单条文本，瞬态错误按指数退避重试
func (w *EmbedWorker) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	input := truncateRunes(text, w.opts.MaxInputChars)

	start := time.Now()
	defer func() {
		metrics.EmbedDuration.Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt <= w.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := w.backoff(attempt)
			logger.Debug("retrying embedding call",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, apperrors.NewTransientError(apperrors.ErrCodeTimeout, "embedding canceled").WithCause(ctx.Err())
			}
		}

		vector, err := w.embedder.Embed(ctx, input)
		if err == nil {
			return vector, nil
		}
		lastErr = err

		// 永久错误立即放弃，重试只会重复同样的失败
		if !apperrors.IsTransient(err) {
			return nil, err
		}
	}

	return nil, lastErr
}

// backoff 计算第attempt次重试的延迟：base*2^(attempt-1)，封顶cap
func (w *EmbedWorker) backoff(attempt int) time.Duration {
	delay := w.opts.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.opts.RetryCap {
			return w.opts.RetryCap
		}
	}
	if delay > w.opts.RetryCap {
		return w.opts.RetryCap
	}
	return delay
}

// truncateRunes 按rune数截断，避免把多字节字符切半
func truncateRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
