package analysis

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citegraph/citegraphd/internal/provider"
)

func testGroq(t *testing.T, handler http.Handler) Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := New("groq", ClientConfig{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
		Retry: provider.RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: time.Millisecond,
			Factor:      1.2,
			MaxBackoff:  5 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return p
}

func TestGroqSummarize(t *testing.T) {
	p := testGroq(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"choices": [{"message": {"role": "assistant", "content": "A tidy summary."}}]}`)
	}))

	out, err := p.Summarize(context.Background(), "long abstract", LevelStandard)
	require.NoError(t, err)
	assert.Equal(t, "A tidy summary.", out)
}

func TestGroqOverloadedClassification(t *testing.T) {
	calls := int32(0)
	p := testGroq(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := p.Summarize(context.Background(), "text", LevelStandard)
	require.Error(t, err)
	assert.Equal(t, provider.KindOverloaded, provider.KindOf(err))
	// Overloaded is transient: the internal retry loop ran its attempts.
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGroqExtractEntitiesParsesFencedJSON(t *testing.T) {
	p := testGroq(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices": [{"message": {"content": "`+
			"```json\\n[{\\\"name\\\": \\\"Ising model\\\", \\\"kind\\\": \\\"method\\\", \\\"confidence\\\": 0.9}]\\n```"+
			`"}}]}`)
	}))

	concepts, err := p.ExtractEntities(context.Background(), "text")
	require.NoError(t, err)
	require.Len(t, concepts, 1)
	assert.Equal(t, "Ising model", concepts[0].Name)
}

func TestGroqEmbed(t *testing.T) {
	p := testGroq(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		fmt.Fprint(w, `{"data": [{"embedding": [0.1, 0.2, 0.3]}]}`)
	}))

	vec, err := p.Embed(context.Background(), "title and abstract")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestGroqEmptyInputFailsFast(t *testing.T) {
	p := testGroq(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))

	_, err := p.Summarize(context.Background(), "", LevelStandard)
	require.Error(t, err)
	assert.Equal(t, provider.KindInvalidInput, provider.KindOf(err))
}
