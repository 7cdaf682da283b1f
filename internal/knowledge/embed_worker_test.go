package knowledge

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/enablhealth/knowledge-go/internal/errors"
)

// fakeEmbedder 可编程的测试替身
type fakeEmbedder struct {
	mu       sync.Mutex
	calls    map[string]int
	failText string
	failErr  error
	// 前N次调用返回瞬态错误后恢复
	transientUntil int
	inFlight       int32
	maxInFlight    int32
	delay          time.Duration
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{calls: make(map[string]int)}
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	current := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if current <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, current) {
			break
		}
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls[text]++
	count := f.calls[text]
	f.mu.Unlock()

	if f.failText != "" && text == f.failText {
		return nil, f.failErr
	}
	if count <= f.transientUntil {
		return nil, apperrors.NewTransientError(apperrors.ErrCodeRateLimited, "rate limited")
	}

	return []float32{float32(len(text)), 1, 0}, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }
func (f *fakeEmbedder) Ready() bool     { return true }

func (f *fakeEmbedder) callCount(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[text]
}

func TestEmbedAllPartialFailure(t *testing.T) {
	fake := newFakeEmbedder()
	fake.failText = "chunk-2"
	fake.failErr = apperrors.NewValidationError("bad input")

	worker := NewEmbedWorker(fake, EmbedOptions{Concurrency: 2})
	texts := []string{"chunk-0", "chunk-1", "chunk-2", "chunk-3", "chunk-4"}

	results := worker.EmbedAll(context.Background(), texts)
	require.Len(t, results, 5)

	for i, result := range results {
		assert.Equal(t, i, result.Index)
		if i == 2 {
			assert.Error(t, result.Err)
			assert.Nil(t, result.Vector)
		} else {
			assert.NoError(t, result.Err)
			assert.NotEmpty(t, result.Vector)
		}
	}
}

func TestEmbedAllConcurrencyBound(t *testing.T) {
	fake := newFakeEmbedder()
	fake.delay = 20 * time.Millisecond

	worker := NewEmbedWorker(fake, EmbedOptions{Concurrency: 3})
	texts := make([]string, 12)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}

	results := worker.EmbedAll(context.Background(), texts)
	for _, result := range results {
		require.NoError(t, result.Err)
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&fake.maxInFlight), int32(3))
}

func TestEmbedOneRetriesTransient(t *testing.T) {
	fake := newFakeEmbedder()
	fake.transientUntil = 2

	worker := NewEmbedWorker(fake, EmbedOptions{
		Concurrency: 1,
		MaxRetries:  3,
		RetryBase:   time.Millisecond,
		RetryCap:    5 * time.Millisecond,
	})

	vector, err := worker.EmbedOne(context.Background(), "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, vector)
	assert.Equal(t, 3, fake.callCount("hello"))
}

func TestEmbedOneDoesNotRetryPermanent(t *testing.T) {
	fake := newFakeEmbedder()
	fake.failText = "bad"
	fake.failErr = apperrors.NewValidationError("bad input")

	worker := NewEmbedWorker(fake, EmbedOptions{
		Concurrency: 1,
		MaxRetries:  3,
		RetryBase:   time.Millisecond,
		RetryCap:    5 * time.Millisecond,
	})

	_, err := worker.EmbedOne(context.Background(), "bad")
	require.Error(t, err)
	assert.False(t, apperrors.IsTransient(err))
	assert.Equal(t, 1, fake.callCount("bad"))
}

func TestEmbedOneGivesUpAfterMaxRetries(t *testing.T) {
	fake := newFakeEmbedder()
	fake.transientUntil = 100

	worker := NewEmbedWorker(fake, EmbedOptions{
		Concurrency: 1,
		MaxRetries:  2,
		RetryBase:   time.Millisecond,
		RetryCap:    5 * time.Millisecond,
	})

	_, err := worker.EmbedOne(context.Background(), "stuck")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.Equal(t, 3, fake.callCount("stuck"))
}

func TestEmbedOneTruncatesInput(t *testing.T) {
	fake := newFakeEmbedder()

	worker := NewEmbedWorker(fake, EmbedOptions{
		Concurrency:   1,
		MaxInputChars: 10,
	})

	_, err := worker.EmbedOne(context.Background(), strings.Repeat("長", 100))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.callCount(strings.Repeat("長", 10)))
}

func TestEmbedAllRespectsCancellation(t *testing.T) {
	fake := newFakeEmbedder()
	fake.delay = 50 * time.Millisecond

	worker := NewEmbedWorker(fake, EmbedOptions{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := worker.EmbedAll(ctx, []string{"a", "b", "c"})
	errored := 0
	for _, result := range results {
		if result.Err != nil {
			errored++
		}
	}
	assert.NotZero(t, errored)
}
