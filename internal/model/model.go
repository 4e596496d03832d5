// Package model defines the entities shared across the ingestion pipeline
// and the stores: papers, citation edges, concepts, and enrichments.
//
// All cross-component references use stable PaperID strings. No in-memory
// pointer graph exists; cyclic structure lives only in the graph store.
package model

import (
	"strings"
	"time"
)

// PaperID is a stable external identifier (arXiv-style, e.g. "2401.12345").
// It is the uniqueness key for papers throughout the system.
type PaperID = string

// CitationUnknown is the citation count value for papers whose count has not
// been resolved from the metadata provider.
const CitationUnknown = -1

// Paper is a paper node. A Paper is created the first time its id is
// observed; metadata and enrichment fields are filled in later. A stub
// carries only ID.
type Paper struct {
	ID       PaperID `json:"id"`
	Title    string  `json:"title,omitempty"`
	Abstract string  `json:"abstract,omitempty"`
	// FullText is the document body when a source supplied one. It is
	// analysis input only and is never persisted.
	FullText      string    `json:"-"`
	Authors       []string  `json:"authors,omitempty"`
	Categories    []string  `json:"categories,omitempty"`
	PublishedDate time.Time `json:"published_date,omitzero"`
	// CitationCount is CitationUnknown until resolved.
	CitationCount int       `json:"citation_count"`
	TLDR          string    `json:"tl_dr,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	Embedding     []float32 `json:"-"`
	// EmbeddingModel identifies the model that produced Embedding.
	EmbeddingModel string `json:"embedding_model,omitempty"`
}

// IsStub reports whether the paper carries only its id.
func (p *Paper) IsStub() bool {
	return p.Title == "" && p.Abstract == ""
}

// PrimaryCategory returns the first category, or "" for stubs.
func (p *Paper) PrimaryCategory() string {
	if len(p.Categories) == 0 {
		return ""
	}
	return p.Categories[0]
}

// Year returns the four-digit publication year, or 0 if unknown.
func (p *Paper) Year() int {
	if p.PublishedDate.IsZero() {
		return 0
	}
	return p.PublishedDate.Year()
}

// CitationIntent classifies why a paper cites another.
type CitationIntent string

const (
	IntentMethod     CitationIntent = "method"
	IntentBackground CitationIntent = "background"
	IntentResult     CitationIntent = "result"
	IntentCritique   CitationIntent = "critique"
	IntentExtension  CitationIntent = "extension"
	IntentUnknown    CitationIntent = "unknown"
)

// ParseIntent maps a classifier label onto a CitationIntent, falling back
// to IntentUnknown for anything unrecognized.
func ParseIntent(s string) CitationIntent {
	switch CitationIntent(strings.ToLower(strings.TrimSpace(s))) {
	case IntentMethod, IntentBackground, IntentResult, IntentCritique, IntentExtension:
		return CitationIntent(strings.ToLower(strings.TrimSpace(s)))
	default:
		return IntentUnknown
	}
}

// CitationPosition is the section of the citing paper where the citation
// appears.
type CitationPosition string

const (
	PositionAbstract     CitationPosition = "abstract"
	PositionIntroduction CitationPosition = "introduction"
	PositionMethods      CitationPosition = "methods"
	PositionResults      CitationPosition = "results"
	PositionDiscussion   CitationPosition = "discussion"
	PositionOther        CitationPosition = "other"
)

// ParsePosition maps a classifier label onto a CitationPosition.
func ParsePosition(s string) CitationPosition {
	switch CitationPosition(strings.ToLower(strings.TrimSpace(s))) {
	case PositionAbstract, PositionIntroduction, PositionMethods, PositionResults, PositionDiscussion:
		return CitationPosition(strings.ToLower(strings.TrimSpace(s)))
	default:
		return PositionOther
	}
}

// Citation is a directed edge src -> dst. At most one edge exists per
// (src, dst) pair; later observations refine attributes but never duplicate.
type Citation struct {
	Src      PaperID          `json:"src"`
	Dst      PaperID          `json:"dst"`
	Intent   CitationIntent   `json:"intent,omitempty"`
	Position CitationPosition `json:"position,omitempty"`
	Context  string           `json:"context,omitempty"`
}

// ConceptKind classifies an extracted concept.
type ConceptKind string

const (
	KindMethod     ConceptKind = "method"
	KindTheorem    ConceptKind = "theorem"
	KindDataset    ConceptKind = "dataset"
	KindEquation   ConceptKind = "equation"
	KindConstant   ConceptKind = "constant"
	KindConjecture ConceptKind = "conjecture"
	KindOther      ConceptKind = "other"
)

// ParseConceptKind maps an extractor label onto a ConceptKind.
func ParseConceptKind(s string) ConceptKind {
	switch ConceptKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindMethod, KindTheorem, KindDataset, KindEquation, KindConstant, KindConjecture:
		return ConceptKind(strings.ToLower(strings.TrimSpace(s)))
	default:
		return KindOther
	}
}

// Concept is an extracted entity (method, theorem, dataset, ...).
// Uniqueness key: (NormalizedName(), Kind).
type Concept struct {
	Name       string      `json:"name"`
	Kind       ConceptKind `json:"kind"`
	Confidence float64     `json:"confidence,omitempty"`
	Embedding  []float32   `json:"-"`
}

// NormalizedName is the case-insensitive, whitespace-collapsed form of Name
// used as half of the concept uniqueness key.
func (c *Concept) NormalizedName() string {
	return NormalizeConceptName(c.Name)
}

// NormalizeConceptName lowercases and collapses runs of whitespace.
func NormalizeConceptName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// EdgeLabel is the classifier output for one outgoing reference.
type EdgeLabel struct {
	Intent   CitationIntent   `json:"intent"`
	Position CitationPosition `json:"position"`
}

// Enrichment is the analyzer output for one paper. Any field may be absent
// when the producing sub-step failed; Partial marks such records so the
// paper can be re-analyzed on a later run.
type Enrichment struct {
	PaperID    PaperID               `json:"paper_id"`
	Summary    string                `json:"summary,omitempty"`
	TLDR       string                `json:"tl_dr,omitempty"`
	Concepts   []Concept             `json:"concepts,omitempty"`
	EdgeLabels map[PaperID]EdgeLabel `json:"edge_labels,omitempty"`
	Embedding  []float32             `json:"-"`
	ModelID    string                `json:"model_id,omitempty"`
	Partial    bool                  `json:"partial,omitempty"`
}
