package knowledge

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMilvusTestStore(t *testing.T) VectorStore {
	t.Helper()
	addr := os.Getenv("MILVUS_ADDRESS")
	if addr == "" {
		t.Skip("MILVUS_ADDRESS not set")
	}

	store, err := NewMilvusVectorStore(MilvusOptions{
		Address:    addr,
		Collection: fmt.Sprintf("doc_chunks_test_%d", time.Now().UnixNano()),
		VectorSize: 4,
	})
	require.NoError(t, err)
	return store
}

func TestMilvusConcurrentFirstWrites(t *testing.T) {
	store := newMilvusTestStore(t)
	ctx := context.Background()
	uploaded := time.Now().UTC()

	// 首批并发写入共同触发collection创建，互相不能干扰
	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			doc := fmt.Sprintf("doc-%d", idx)
			errs[idx] = store.Upsert(ctx, record("user-1", doc, 0, []float32{1, 0, 0, 0}, uploaded))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "writer %d", i)
	}
}

func TestMilvusQueryRoundTrip(t *testing.T) {
	store := newMilvusTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx,
		record("user-1", "doc-1", 0, []float32{1, 0, 0, 0}, time.Now().UTC())))

	results, err := store.Query(ctx, QueryRequest{
		UserID:    "user-1",
		Embedding: []float32{1, 0, 0, 0},
		Limit:     10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "doc-1", results[0].DocumentID)
}
