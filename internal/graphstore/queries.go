package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/citegraph/citegraphd/internal/model"
)

// GetPaper loads a paper node with its authors and categories. found is
// false when no node exists.
func (s *Store) GetPaper(ctx context.Context, id model.PaperID) (paper model.Paper, found bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, abstract, published_date, citation_count, tldr, summary, embedding_model
		FROM papers WHERE id = ?`, string(id))
	paper, err = scanPaper(row.Scan)
	if err == sql.ErrNoRows {
		return model.Paper{}, false, nil
	}
	if err != nil {
		return model.Paper{}, false, fmt.Errorf("get paper %s: %w", id, err)
	}

	paper.Authors, err = s.paperAuthors(ctx, id)
	if err != nil {
		return model.Paper{}, false, err
	}
	paper.Categories, err = s.paperCategories(ctx, id)
	if err != nil {
		return model.Paper{}, false, err
	}
	return paper, true, nil
}

func scanPaper(scan func(dest ...any) error) (model.Paper, error) {
	var p model.Paper
	var id, published string
	err := scan(&id, &p.Title, &p.Abstract, &published, &p.CitationCount,
		&p.TLDR, &p.Summary, &p.EmbeddingModel)
	p.ID = model.PaperID(id)
	p.PublishedDate = parseDate(published)
	return p, err
}

func (s *Store) paperAuthors(ctx context.Context, id model.PaperID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.name FROM authors a
		JOIN authored_by ab ON ab.author_id = a.id
		WHERE ab.paper_id = ? ORDER BY ab.position`, string(id))
	if err != nil {
		return nil, fmt.Errorf("authors of %s: %w", id, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *Store) paperCategories(ctx context.Context, id model.PaperID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category FROM paper_categories WHERE paper_id = ? ORDER BY category`, string(id))
	if err != nil {
		return nil, fmt.Errorf("categories of %s: %w", id, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListPapers pages through non-stub papers ordered by id. An empty
// category matches everything.
func (s *Store) ListPapers(ctx context.Context, offset, limit int, category string) (papers []model.Paper, total int, err error) {
	category = normalizeCategoryFilter(category)

	where := `WHERE p.title <> ''`
	args := []any{}
	if category != "" {
		where += ` AND p.id IN (SELECT paper_id FROM paper_categories WHERE category = ?)`
		args = append(args, category)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM papers p `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count papers: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.title, p.abstract, p.published_date, p.citation_count, p.tldr, p.summary, p.embedding_model
		FROM papers p `+where+` ORDER BY p.id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list papers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanPaper(rows.Scan)
		if err != nil {
			return nil, 0, fmt.Errorf("scan paper: %w", err)
		}
		papers = append(papers, p)
	}
	return papers, total, rows.Err()
}

// PapersByIDs loads the named papers; missing ids are skipped.
func (s *Store) PapersByIDs(ctx context.Context, ids []model.PaperID) ([]model.Paper, error) {
	out := make([]model.Paper, 0, len(ids))
	for _, id := range ids {
		p, found, err := s.GetPaper(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, p)
		}
	}
	return out, nil
}

// References returns the outbound citation edges of id.
func (s *Store) References(ctx context.Context, id model.PaperID) ([]model.Citation, error) {
	return s.edges(ctx, `SELECT src, dst, intent, position, context FROM citations WHERE src = ? ORDER BY dst`, id)
}

// Citations returns the inbound citation edges of id.
func (s *Store) Citations(ctx context.Context, id model.PaperID) ([]model.Citation, error) {
	return s.edges(ctx, `SELECT src, dst, intent, position, context FROM citations WHERE dst = ? ORDER BY src`, id)
}

func (s *Store) edges(ctx context.Context, query string, id model.PaperID) ([]model.Citation, error) {
	rows, err := s.db.QueryContext(ctx, query, string(id))
	if err != nil {
		return nil, fmt.Errorf("edges of %s: %w", id, err)
	}
	defer rows.Close()

	var out []model.Citation
	for rows.Next() {
		c, err := scanCitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCitation(rows *sql.Rows) (model.Citation, error) {
	var c model.Citation
	var src, dst, intent, position string
	if err := rows.Scan(&src, &dst, &intent, &position, &c.Context); err != nil {
		return model.Citation{}, fmt.Errorf("scan citation: %w", err)
	}
	c.Src, c.Dst = model.PaperID(src), model.PaperID(dst)
	c.Intent = model.ParseIntent(intent)
	c.Position = model.ParsePosition(position)
	return c, nil
}

// Concepts returns the concepts mentioned by id, highest confidence first.
func (s *Store) Concepts(ctx context.Context, id model.PaperID) ([]model.Concept, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.name, c.kind, m.confidence FROM concepts c
		JOIN mentions m ON m.concept_id = c.id
		WHERE m.paper_id = ? ORDER BY m.confidence DESC, c.name`, string(id))
	if err != nil {
		return nil, fmt.Errorf("concepts of %s: %w", id, err)
	}
	defer rows.Close()

	var out []model.Concept
	for rows.Next() {
		var c model.Concept
		var kind string
		if err := rows.Scan(&c.Name, &kind, &c.Confidence); err != nil {
			return nil, fmt.Errorf("scan concept: %w", err)
		}
		c.Kind = model.ParseConceptKind(kind)
		out = append(out, c)
	}
	return out, rows.Err()
}

// PaperIDs lists every persisted paper id. Used on resume to rebuild
// the visited set.
func (s *Store) PaperIDs(ctx context.Context) ([]model.PaperID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM papers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list paper ids: %w", err)
	}
	defer rows.Close()

	var out []model.PaperID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan paper id: %w", err)
		}
		out = append(out, model.PaperID(id))
	}
	return out, rows.Err()
}

// CountPapers reports how many paper nodes exist.
func (s *Store) CountPapers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM papers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count papers: %w", err)
	}
	return n, nil
}

// Neighborhood walks the citation graph from id up to depth hops,
// following edges in both directions, and returns the visited nodes and
// the edges between them.
func (s *Store) Neighborhood(ctx context.Context, id model.PaperID, depth int) ([]model.Paper, []model.Citation, error) {
	ctx, span := tracer.Start(ctx, "graphstore.Neighborhood")
	defer span.End()

	_, found, err := s.GetPaper(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, nil
	}

	visited := map[model.PaperID]bool{id: true}
	frontier := []model.PaperID{id}
	edgeSet := map[[2]model.PaperID]model.Citation{}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []model.PaperID
		for _, cur := range frontier {
			out, err := s.References(ctx, cur)
			if err != nil {
				return nil, nil, err
			}
			in, err := s.Citations(ctx, cur)
			if err != nil {
				return nil, nil, err
			}
			for _, e := range append(out, in...) {
				edgeSet[[2]model.PaperID{e.Src, e.Dst}] = e
				for _, end := range []model.PaperID{e.Src, e.Dst} {
					if !visited[end] {
						visited[end] = true
						next = append(next, end)
					}
				}
			}
		}
		frontier = next
	}

	ids := make([]model.PaperID, 0, len(visited))
	for v := range visited {
		ids = append(ids, v)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	nodes, err := s.PapersByIDs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	edges := make([]model.Citation, 0, len(edgeSet))
	for _, e := range edgeSet {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Src != edges[j].Src {
			return edges[i].Src < edges[j].Src
		}
		return edges[i].Dst < edges[j].Dst
	})
	return nodes, edges, nil
}

// Cluster is one community of papers in the citation graph.
type Cluster struct {
	ID      int             `json:"id"`
	Members []model.PaperID `json:"members"`
	Label   string          `json:"label,omitempty"`
}

const labelPropagationRounds = 10

// Clusters detects communities by synchronous label propagation over the
// undirected citation graph and returns those with at least minSize
// members, largest first. Deterministic: ties resolve to the smallest
// label.
func (s *Store) Clusters(ctx context.Context, minSize int) ([]Cluster, error) {
	ctx, span := tracer.Start(ctx, "graphstore.Clusters")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `SELECT src, dst FROM citations`)
	if err != nil {
		return nil, fmt.Errorf("export edges: %w", err)
	}
	defer rows.Close()

	adj := map[model.PaperID][]model.PaperID{}
	for rows.Next() {
		var src, dst string
		if err := rows.Scan(&src, &dst); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		a, b := model.PaperID(src), model.PaperID(dst)
		adj[a] = append(adj[a], b)
		adj[b] = append(adj[b], a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	nodes := make([]model.PaperID, 0, len(adj))
	for n := range adj {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	labels := make(map[model.PaperID]model.PaperID, len(nodes))
	for _, n := range nodes {
		labels[n] = n
	}

	for round := 0; round < labelPropagationRounds; round++ {
		changed := false
		next := make(map[model.PaperID]model.PaperID, len(labels))
		for _, n := range nodes {
			counts := map[model.PaperID]int{}
			for _, nb := range adj[n] {
				counts[labels[nb]]++
			}
			best := labels[n]
			bestCount := 0
			for label, count := range counts {
				if count > bestCount || (count == bestCount && label < best) {
					best, bestCount = label, count
				}
			}
			next[n] = best
			if best != labels[n] {
				changed = true
			}
		}
		labels = next
		if !changed {
			break
		}
	}

	groups := map[model.PaperID][]model.PaperID{}
	for n, label := range labels {
		groups[label] = append(groups[label], n)
	}

	var clusters []Cluster
	for _, members := range groups {
		if len(members) < minSize {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		clusters = append(clusters, Cluster{Members: members})
	}
	sort.Slice(clusters, func(i, j int) bool {
		if len(clusters[i].Members) != len(clusters[j].Members) {
			return len(clusters[i].Members) > len(clusters[j].Members)
		}
		return clusters[i].Members[0] < clusters[j].Members[0]
	})
	for i := range clusters {
		clusters[i].ID = i
	}
	return clusters, nil
}
