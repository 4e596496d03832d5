package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/citegraph/citegraphd/internal/model"
)

func TestHeuristicExtraction(t *testing.T) {
	text := "By Theorem 3.1 and the Schrodinger equation, using the Planck constant, " +
		"we recover Noether's theorem. Theorem 3.1 is applied twice."

	concepts := ExtractEntitiesHeuristic(text)

	byName := make(map[string]model.ConceptKind)
	for _, c := range concepts {
		byName[c.Name] = c.Kind
	}

	assert.Equal(t, model.KindTheorem, byName["Theorem 3.1"])
	assert.Equal(t, model.KindEquation, byName["Schrodinger equation"])
	assert.Equal(t, model.KindConstant, byName["Planck constant"])

	// Duplicate mentions collapse to one concept.
	count := 0
	for _, c := range concepts {
		if c.Name == "Theorem 3.1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestHeuristicExtractionEmptyText(t *testing.T) {
	assert.Empty(t, ExtractEntitiesHeuristic(""))
}
