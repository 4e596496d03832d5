package metadata

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

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{
		BaseURL:      srv.URL,
		RPS:          1000,
		Burst:        100,
		MaxTokenWait: time.Second,
		Timeout:      5 * time.Second,
		Retry: provider.RetryConfig{
			MaxAttempts: 10,
			BaseBackoff: time.Millisecond,
			Factor:      1.2,
			MaxBackoff:  10 * time.Millisecond,
		},
	}
	return NewClient(cfg, nil)
}

func TestGetPaperDecodesRecord(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/paper/ARXIV:2401.00001")
		fmt.Fprint(w, `{
			"paperId": "abc123",
			"title": "Spectral Gaps in Random Graphs",
			"abstract": "We study spectral gaps.",
			"year": 2024,
			"publicationDate": "2024-01-05",
			"citationCount": 17,
			"authors": [{"name": "A. Author"}, {"name": "B. Author"}],
			"externalIds": {"ArXiv": "2401.00001"},
			"fieldsOfStudy": ["Mathematics"],
			"tldr": {"text": "Gaps exist."}
		}`)
	}))

	rec, err := c.GetPaper(context.Background(), "2401.00001")
	require.NoError(t, err)

	assert.Equal(t, "2401.00001", rec.ID)
	assert.Equal(t, "Spectral Gaps in Random Graphs", rec.Title)
	assert.Equal(t, []string{"A. Author", "B. Author"}, rec.Authors)
	assert.Equal(t, 17, rec.CitationCount)
	assert.Equal(t, "Gaps exist.", rec.TLDR)
	assert.Equal(t, 2024, rec.PublishedDate.Year())

	p := rec.ToPaper()
	assert.Equal(t, "Mathematics", p.PrimaryCategory())
	assert.Equal(t, 2024, p.Year())
}

func TestGetPaperInvalidIDFailsFast(t *testing.T) {
	calls := int32(0)
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))

	_, err := c.GetPaper(context.Background(), "not an id")
	require.Error(t, err)
	assert.Equal(t, provider.KindInvalidID, provider.KindOf(err))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestGetPaperNotFoundIsNotRetried(t *testing.T) {
	calls := int32(0)
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.GetPaper(context.Background(), "2401.00001")
	require.Error(t, err)
	assert.Equal(t, provider.KindNotFound, provider.KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetPaperRetriesRateLimitStorm(t *testing.T) {
	calls := int32(0)
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 5 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"paperId": "x", "externalIds": {"ArXiv": "2401.00001"}, "title": "T"}`)
	}))

	rec, err := c.GetPaper(context.Background(), "2401.00001")
	require.NoError(t, err)
	assert.Equal(t, "2401.00001", rec.ID)
	assert.Equal(t, int32(6), atomic.LoadInt32(&calls))
}

func TestGetReferencesPaginates(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/references")
		if r.URL.Query().Get("offset") == "0" {
			fmt.Fprint(w, `{
				"data": [
					{"contexts": ["as shown in [3]"], "citedPaper": {"paperId": "p1", "title": "Ref One", "externalIds": {"ArXiv": "2302.11111"}}},
					{"contexts": [], "citedPaper": {"paperId": "p2", "title": "No ArXiv", "externalIds": {}}}
				],
				"next": 100
			}`)
			return
		}
		fmt.Fprint(w, `{
			"data": [
				{"contexts": [], "citedPaper": {"paperId": "p3", "title": "Ref Three", "externalIds": {"ArXiv": "2303.22222"}}}
			]
		}`)
	}))

	page, err := c.GetReferences(context.Background(), "2401.00001", 0)
	require.NoError(t, err)
	// The entry without an arXiv id is dropped, not invented.
	require.Len(t, page.Edges, 1)
	assert.Equal(t, "2302.11111", page.Edges[0].ID)
	assert.Equal(t, "as shown in [3]", page.Edges[0].Context)
	require.NotNil(t, page.Next)

	page2, err := c.GetReferences(context.Background(), "2401.00001", *page.Next)
	require.NoError(t, err)
	require.Len(t, page2.Edges, 1)
	assert.Equal(t, "2303.22222", page2.Edges[0].ID)
	assert.Nil(t, page2.Next)
}

func TestGetCitationsUsesCitingPaper(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/citations")
		fmt.Fprint(w, `{
			"data": [
				{"contexts": ["builds on"], "citingPaper": {"paperId": "c1", "title": "Citing", "externalIds": {"ArXiv": "2405.33333"}}}
			]
		}`)
	}))

	page, err := c.GetCitations(context.Background(), "2401.00001", 0)
	require.NoError(t, err)
	require.Len(t, page.Edges, 1)
	assert.Equal(t, "2405.33333", page.Edges[0].ID)
}

func TestGetPaperCancellation(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.GetPaper(ctx, "2401.00001")
	require.Error(t, err)
	assert.Equal(t, provider.KindCancelled, provider.KindOf(err))
}

func TestOldStyleArxivIDsAccepted(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"paperId": "x", "title": "Old", "externalIds": {}}`)
	}))

	rec, err := c.GetPaper(context.Background(), "math.GT/0309136")
	require.NoError(t, err)
	assert.Equal(t, "math.GT/0309136", rec.ID)
}
