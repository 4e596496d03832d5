// Package graphstore persists the citation graph: paper nodes, concept
// nodes, citation edges and mention edges, backed by embedded SQLite.
// All upserts are keyed on the entity's uniqueness key, so replays never
// produce duplicates, and existing attributes are only overwritten by
// non-null incoming values.
package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"

	"github.com/citegraph/citegraphd/internal/model"
)

const instrumentationName = "github.com/citegraph/citegraphd/internal/graphstore"

var tracer = otel.Tracer(instrumentationName)

var errSelfLoop = fmt.Errorf("graphstore: citation edge cannot be a self-loop")

const schema = `
CREATE TABLE IF NOT EXISTS papers (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL DEFAULT '',
	abstract        TEXT NOT NULL DEFAULT '',
	published_date  TEXT NOT NULL DEFAULT '',
	citation_count  INTEGER NOT NULL DEFAULT -1,
	tldr            TEXT NOT NULL DEFAULT '',
	summary         TEXT NOT NULL DEFAULT '',
	embedding_model TEXT NOT NULL DEFAULT '',
	updated_at      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS authors (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS authored_by (
	paper_id  TEXT NOT NULL REFERENCES papers(id),
	author_id INTEGER NOT NULL REFERENCES authors(id),
	position  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (paper_id, author_id)
);

CREATE TABLE IF NOT EXISTS paper_categories (
	paper_id TEXT NOT NULL REFERENCES papers(id),
	category TEXT NOT NULL,
	PRIMARY KEY (paper_id, category)
);

CREATE TABLE IF NOT EXISTS concepts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	norm_name  TEXT NOT NULL,
	kind       TEXT NOT NULL DEFAULT 'other',
	confidence REAL NOT NULL DEFAULT 0,
	UNIQUE (norm_name, kind)
);

CREATE TABLE IF NOT EXISTS citations (
	src      TEXT NOT NULL REFERENCES papers(id),
	dst      TEXT NOT NULL REFERENCES papers(id),
	intent   TEXT NOT NULL DEFAULT '',
	position TEXT NOT NULL DEFAULT '',
	context  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (src, dst),
	CHECK (src <> dst)
);

CREATE TABLE IF NOT EXISTS mentions (
	paper_id   TEXT NOT NULL REFERENCES papers(id),
	concept_id INTEGER NOT NULL REFERENCES concepts(id),
	confidence REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (paper_id, concept_id)
);

CREATE TABLE IF NOT EXISTS pending_embeddings (
	paper_id    TEXT PRIMARY KEY REFERENCES papers(id),
	recorded_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_citations_dst ON citations(dst);
CREATE INDEX IF NOT EXISTS idx_categories_category ON paper_categories(category);
`

// Store wraps the SQLite graph database. Safe for concurrent use; SQLite
// serializes writes internally, the adapter does not add its own lock.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the graph database at path and applies the
// schema. Parent directories are created as needed.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, fmt.Errorf("graphstore: path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create graph store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply graph schema: %w", err)
	}

	logger.Info("graph store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UpsertPaper creates or updates the paper node. Empty incoming fields
// never clear stored values, and an unknown citation count never
// overwrites a known one. Edges are untouched.
func (s *Store) UpsertPaper(ctx context.Context, p model.Paper) error {
	ctx, span := tracer.Start(ctx, "graphstore.UpsertPaper")
	defer span.End()
	return s.upsertPaper(ctx, s.db, p)
}

func (s *Store) upsertPaper(ctx context.Context, q querier, p model.Paper) error {
	if p.ID == "" {
		return fmt.Errorf("graphstore: paper id required")
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO papers (id, title, abstract, published_date, citation_count, tldr, summary, embedding_model, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title           = COALESCE(NULLIF(excluded.title, ''), papers.title),
			abstract        = COALESCE(NULLIF(excluded.abstract, ''), papers.abstract),
			published_date  = COALESCE(NULLIF(excluded.published_date, ''), papers.published_date),
			citation_count  = CASE WHEN excluded.citation_count >= 0 THEN excluded.citation_count ELSE papers.citation_count END,
			tldr            = COALESCE(NULLIF(excluded.tldr, ''), papers.tldr),
			summary         = COALESCE(NULLIF(excluded.summary, ''), papers.summary),
			embedding_model = COALESCE(NULLIF(excluded.embedding_model, ''), papers.embedding_model),
			updated_at      = excluded.updated_at`,
		string(p.ID), p.Title, p.Abstract, formatDate(p.PublishedDate), p.CitationCount,
		p.TLDR, p.Summary, p.EmbeddingModel, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert paper %s: %w", p.ID, err)
	}

	if err := s.replaceAuthors(ctx, q, p.ID, p.Authors); err != nil {
		return err
	}
	return s.replaceCategories(ctx, q, p.ID, p.Categories)
}

func (s *Store) replaceAuthors(ctx context.Context, q querier, id model.PaperID, authors []string) error {
	if len(authors) == 0 {
		return nil
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM authored_by WHERE paper_id = ?`, string(id)); err != nil {
		return fmt.Errorf("clear authors for %s: %w", id, err)
	}
	for i, name := range authors {
		if name == "" {
			continue
		}
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO authors (name) VALUES (?)`, name); err != nil {
			return fmt.Errorf("upsert author %q: %w", name, err)
		}
		if _, err := q.ExecContext(ctx, `
			INSERT OR REPLACE INTO authored_by (paper_id, author_id, position)
			SELECT ?, id, ? FROM authors WHERE name = ?`, string(id), i, name); err != nil {
			return fmt.Errorf("link author %q to %s: %w", name, id, err)
		}
	}
	return nil
}

func (s *Store) replaceCategories(ctx context.Context, q querier, id model.PaperID, categories []string) error {
	if len(categories) == 0 {
		return nil
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM paper_categories WHERE paper_id = ?`, string(id)); err != nil {
		return fmt.Errorf("clear categories for %s: %w", id, err)
	}
	for _, c := range categories {
		if c == "" {
			continue
		}
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO paper_categories (paper_id, category) VALUES (?, ?)`, string(id), c); err != nil {
			return fmt.Errorf("add category %q to %s: %w", c, id, err)
		}
	}
	return nil
}

// EnsureStub creates an id-only paper node if none exists.
func (s *Store) EnsureStub(ctx context.Context, id model.PaperID) error {
	return s.ensureStub(ctx, s.db, id)
}

func (s *Store) ensureStub(ctx context.Context, q querier, id model.PaperID) error {
	if id == "" {
		return fmt.Errorf("graphstore: paper id required")
	}
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO papers (id, updated_at) VALUES (?, ?)`,
		string(id), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("ensure stub %s: %w", id, err)
	}
	return nil
}

// UpsertCitation records the edge src→dst, creating stub endpoints as
// needed. Replays merge attributes; empty incoming values never clear
// stored ones. Self-loops are rejected.
func (s *Store) UpsertCitation(ctx context.Context, c model.Citation) error {
	ctx, span := tracer.Start(ctx, "graphstore.UpsertCitation")
	defer span.End()
	return s.upsertCitation(ctx, s.db, c)
}

func (s *Store) upsertCitation(ctx context.Context, q querier, c model.Citation) error {
	if c.Src == "" || c.Dst == "" {
		return fmt.Errorf("graphstore: citation endpoints required")
	}
	if c.Src == c.Dst {
		return errSelfLoop
	}
	if err := s.ensureStub(ctx, q, c.Src); err != nil {
		return err
	}
	if err := s.ensureStub(ctx, q, c.Dst); err != nil {
		return err
	}

	intent := string(c.Intent)
	if c.Intent == model.IntentUnknown {
		intent = ""
	}
	position := string(c.Position)
	if c.Position == model.PositionOther {
		position = ""
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO citations (src, dst, intent, position, context)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(src, dst) DO UPDATE SET
			intent   = COALESCE(NULLIF(excluded.intent, ''), citations.intent),
			position = COALESCE(NULLIF(excluded.position, ''), citations.position),
			context  = COALESCE(NULLIF(excluded.context, ''), citations.context)`,
		string(c.Src), string(c.Dst), intent, position, c.Context)
	if err != nil {
		return fmt.Errorf("upsert citation %s->%s: %w", c.Src, c.Dst, err)
	}
	return nil
}

// UpsertConceptMentions upserts each concept by its uniqueness key,
// (normalized name, kind), and links it to the paper. The same name
// under two kinds is two concepts. A replay with higher confidence
// raises the stored confidence, never lowers it.
func (s *Store) UpsertConceptMentions(ctx context.Context, id model.PaperID, concepts []model.Concept) error {
	ctx, span := tracer.Start(ctx, "graphstore.UpsertConceptMentions")
	defer span.End()
	return s.upsertConceptMentions(ctx, s.db, id, concepts)
}

func (s *Store) upsertConceptMentions(ctx context.Context, q querier, id model.PaperID, concepts []model.Concept) error {
	if err := s.ensureStub(ctx, q, id); err != nil {
		return err
	}
	for _, c := range concepts {
		norm := c.NormalizedName()
		if norm == "" {
			continue
		}
		kind := string(c.Kind)
		if kind == "" {
			kind = string(model.KindOther)
		}
		_, err := q.ExecContext(ctx, `
			INSERT INTO concepts (name, norm_name, kind, confidence)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(norm_name, kind) DO UPDATE SET
				confidence = MAX(concepts.confidence, excluded.confidence)`,
			c.Name, norm, kind, c.Confidence)
		if err != nil {
			return fmt.Errorf("upsert concept %q: %w", c.Name, err)
		}
		_, err = q.ExecContext(ctx, `
			INSERT INTO mentions (paper_id, concept_id, confidence)
			SELECT ?, id, ? FROM concepts WHERE norm_name = ? AND kind = ?
			ON CONFLICT(paper_id, concept_id) DO UPDATE SET
				confidence = MAX(mentions.confidence, excluded.confidence)`,
			string(id), c.Confidence, norm, kind)
		if err != nil {
			return fmt.Errorf("upsert mention %s->%q: %w", id, c.Name, err)
		}
	}
	return nil
}

// Batch runs fn inside one transaction; either every operation lands or
// none does. Atomicity covers this store only.
func (s *Store) Batch(ctx context.Context, fn func(b *Batch) error) error {
	ctx, span := tracer.Start(ctx, "graphstore.Batch")
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin graph batch: %w", err)
	}
	if err := fn(&Batch{store: s, ctx: ctx, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("graph batch rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit graph batch: %w", err)
	}
	return nil
}

// Batch exposes the upsert operations bound to one transaction.
type Batch struct {
	store *Store
	ctx   context.Context
	tx    *sql.Tx
}

func (b *Batch) UpsertPaper(p model.Paper) error {
	return b.store.upsertPaper(b.ctx, b.tx, p)
}

func (b *Batch) UpsertCitation(c model.Citation) error {
	return b.store.upsertCitation(b.ctx, b.tx, c)
}

func (b *Batch) UpsertConceptMentions(id model.PaperID, concepts []model.Concept) error {
	return b.store.upsertConceptMentions(b.ctx, b.tx, id, concepts)
}

// MarkEmbeddingPending records that the paper's graph write landed but
// its vector write did not.
func (s *Store) MarkEmbeddingPending(ctx context.Context, id model.PaperID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO pending_embeddings (paper_id, recorded_at) VALUES (?, ?)`,
		string(id), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("mark embedding pending %s: %w", id, err)
	}
	return nil
}

// ClearEmbeddingPending removes the pending marker after a successful
// vector write.
func (s *Store) ClearEmbeddingPending(ctx context.Context, id model.PaperID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_embeddings WHERE paper_id = ?`, string(id))
	if err != nil {
		return fmt.Errorf("clear embedding pending %s: %w", id, err)
	}
	return nil
}

// PendingEmbeddings lists papers persisted to the graph whose vector
// write is still owed, oldest first.
func (s *Store) PendingEmbeddings(ctx context.Context) ([]model.PaperID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT paper_id FROM pending_embeddings ORDER BY recorded_at, paper_id`)
	if err != nil {
		return nil, fmt.Errorf("list pending embeddings: %w", err)
	}
	defer rows.Close()

	var out []model.PaperID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan pending embedding: %w", err)
		}
		out = append(out, model.PaperID(id))
	}
	return out, rows.Err()
}

func normalizeCategoryFilter(category string) string {
	return strings.TrimSpace(category)
}

const dateLayout = "2006-01-02"

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
