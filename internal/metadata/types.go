// Package metadata wraps the paper-metadata provider (a Semantic-Scholar
// style REST API) behind a token bucket, a retry loop and typed errors.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/citegraph/citegraphd/internal/model"
)

// Record is a metadata-resolved paper. Loose provider JSON is decoded and
// validated into this; nothing untyped leaves the package.
type Record struct {
	ID            model.PaperID
	Title         string
	Abstract      string
	Authors       []string
	Categories    []string
	PublishedDate time.Time
	CitationCount int
	TLDR          string
}

// ToPaper converts the record into the shared paper entity.
func (r *Record) ToPaper() model.Paper {
	return model.Paper{
		ID:            r.ID,
		Title:         r.Title,
		Abstract:      r.Abstract,
		Authors:       r.Authors,
		Categories:    r.Categories,
		PublishedDate: r.PublishedDate,
		CitationCount: r.CitationCount,
		TLDR:          r.TLDR,
	}
}

// EdgeRef is one citation or reference edge endpoint plus the citation
// context sentence when the provider carries one.
type EdgeRef struct {
	ID      model.PaperID
	Title   string
	Context string
}

// EdgePage is one page of edges with the cursor for the next page.
// Next is nil on the last page.
type EdgePage struct {
	Edges []EdgeRef
	Next  *int
}

// Provider is the metadata client contract the pipeline depends on.
// The concrete Client talks HTTP; tests substitute stubs.
type Provider interface {
	// GetPaper fetches the metadata record for id.
	GetPaper(ctx context.Context, id model.PaperID) (*Record, error)

	// GetReferences fetches one page of outgoing edges starting at cursor.
	GetReferences(ctx context.Context, id model.PaperID, cursor int) (*EdgePage, error)

	// GetCitations fetches one page of incoming edges starting at cursor.
	GetCitations(ctx context.Context, id model.PaperID, cursor int) (*EdgePage, error)
}

// Wire shapes. The provider returns loosely structured JSON; these decode
// targets are the only place that shape is known.

type wirePaper struct {
	PaperID         string         `json:"paperId"`
	Title           string         `json:"title"`
	Abstract        string         `json:"abstract"`
	Year            int            `json:"year"`
	PublicationDate string         `json:"publicationDate"`
	CitationCount   *int           `json:"citationCount"`
	Authors         []wireAuthor   `json:"authors"`
	ExternalIDs     map[string]any `json:"externalIds"`
	FieldsOfStudy   []string       `json:"fieldsOfStudy"`
	TLDR            *wireTLDR      `json:"tldr"`
}

type wireAuthor struct {
	Name string `json:"name"`
}

type wireTLDR struct {
	Text string `json:"text"`
}

type wireEdgeEntry struct {
	Contexts    []string   `json:"contexts"`
	CitingPaper *wirePaper `json:"citingPaper"`
	CitedPaper  *wirePaper `json:"citedPaper"`
}

type wireEdgePage struct {
	Data []wireEdgeEntry `json:"data"`
	Next *int            `json:"next"`
}

// toRecord validates a wire paper into a Record. The requested id is used
// when the provider omits an arXiv external id.
func (w *wirePaper) toRecord(requested model.PaperID) (*Record, error) {
	id := w.arxivID()
	if id == "" {
		id = requested
	}
	if id == "" {
		id = w.PaperID
	}
	if id == "" {
		return nil, fmt.Errorf("paper record carries no usable identifier")
	}

	rec := &Record{
		ID:            id,
		Title:         strings.TrimSpace(w.Title),
		Abstract:      strings.TrimSpace(w.Abstract),
		Categories:    w.FieldsOfStudy,
		CitationCount: model.CitationUnknown,
	}
	if w.CitationCount != nil && *w.CitationCount >= 0 {
		rec.CitationCount = *w.CitationCount
	}
	for _, a := range w.Authors {
		if a.Name != "" {
			rec.Authors = append(rec.Authors, a.Name)
		}
	}
	if w.TLDR != nil {
		rec.TLDR = strings.TrimSpace(w.TLDR.Text)
	}
	if w.PublicationDate != "" {
		if ts, err := time.Parse("2006-01-02", w.PublicationDate); err == nil {
			rec.PublishedDate = ts
		}
	}
	if rec.PublishedDate.IsZero() && w.Year > 0 {
		rec.PublishedDate = time.Date(w.Year, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return rec, nil
}

// arxivID extracts the arXiv id from the external id map, stripping any
// "arXiv:" prefix.
func (w *wirePaper) arxivID() string {
	if w.ExternalIDs == nil {
		return ""
	}
	if v, ok := w.ExternalIDs["ArXiv"].(string); ok {
		return strings.TrimPrefix(v, "arXiv:")
	}
	return ""
}

// decodeStrict unmarshals data rejecting unknown top-level shapes silently
// but failing on type mismatches, so malformed provider output surfaces as
// a typed validation error at the boundary.
func decodeStrict(data []byte, out any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decoding provider response: %w", err)
	}
	return nil
}
