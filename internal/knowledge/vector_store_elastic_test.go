package knowledge

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeElasticTransport 模拟ES节点，记录各类请求次数
type fakeElasticTransport struct {
	mu           sync.Mutex
	existsCalls  int
	createCalls  int
	docWrites    int
	createStatus int
	createBody   string
}

func newFakeElasticTransport() *fakeElasticTransport {
	return &fakeElasticTransport{
		createStatus: 200,
		createBody:   `{"acknowledged":true}`,
	}
}

func (f *fakeElasticTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	switch {
	case req.Method == http.MethodHead:
		f.mu.Lock()
		f.existsCalls++
		f.mu.Unlock()
		return elasticResponse(req, 404, ""), nil

	case req.Method == http.MethodPut && strings.Contains(req.URL.Path, "/_doc/"):
		f.mu.Lock()
		f.docWrites++
		f.mu.Unlock()
		return elasticResponse(req, 201, `{"result":"created"}`), nil

	case req.Method == http.MethodPut:
		f.mu.Lock()
		f.createCalls++
		status := f.createStatus
		body := f.createBody
		f.mu.Unlock()
		// 拉长建索引耗时，放大并发窗口
		time.Sleep(10 * time.Millisecond)
		return elasticResponse(req, status, body), nil
	}

	return elasticResponse(req, 200, "{}"), nil
}

func elasticResponse(req *http.Request, status int, body string) *http.Response {
	header := http.Header{}
	header.Set("X-Elastic-Product", "Elasticsearch")
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}
}

func newElasticTestStore(t *testing.T, transport *fakeElasticTransport) VectorStore {
	t.Helper()
	store, err := NewElasticVectorStore(ElasticOptions{
		Addresses:  []string{"http://elastic.test:9200"},
		Index:      "user_doc_chunks",
		VectorSize: 3,
		Transport:  transport,
	})
	require.NoError(t, err)
	return store
}

func TestElasticConcurrentFirstWritesCreateIndexOnce(t *testing.T) {
	transport := newFakeElasticTransport()
	store := newElasticTestStore(t, transport)
	ctx := context.Background()
	uploaded := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			doc := "doc-" + string(rune('a'+idx))
			errs[idx] = store.Upsert(ctx, record("user-1", doc, 0, []float32{1, 0, 0}, uploaded))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "writer %d", i)
	}

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 1, transport.createCalls)
	assert.Equal(t, writers, transport.docWrites)
}

func TestElasticIndexAlreadyExistsIsNotAnError(t *testing.T) {
	transport := newFakeElasticTransport()
	// 存在性检查与建索引之间被其他写入方抢先
	transport.createStatus = 400
	transport.createBody = `{"error":{"type":"resource_already_exists_exception","reason":"index [user_doc_chunks] already exists"},"status":400}`
	store := newElasticTestStore(t, transport)

	err := store.Upsert(context.Background(),
		record("user-1", "doc-1", 0, []float32{1, 0, 0}, time.Now().UTC()))
	require.NoError(t, err)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, 1, transport.createCalls)
	assert.Equal(t, 1, transport.docWrites)
}
