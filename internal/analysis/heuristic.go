package analysis

import (
	"fmt"
	"regexp"

	"github.com/citegraph/citegraphd/internal/model"
)

// Regex tier for entity extraction. Used when the LLM extractor fails so a
// paper still gets its obvious named structures.
var (
	theoremPattern = regexp.MustCompile(`(?:Theorem|Lemma|Proposition|Corollary)\s+(\d+(?:\.\d+)*)`)

	namedTheoremPattern = regexp.MustCompile(`([A-Z][a-z]+(?:[-\x27][A-Z][a-z]+)*)(?:\x27s)?\s+(?:theorem|lemma|inequality|conjecture)`)

	namedEquationPattern = regexp.MustCompile(`([A-Z][a-z]+(?:[-\s][A-Z][a-z]+)*)\s+(?:equation|equations|field equations)`)

	constantPattern = regexp.MustCompile(`(Planck|Boltzmann|Avogadro|Hubble|gravitational|fine.structure)\s+constant`)
)

// ExtractEntitiesHeuristic runs the regex tier over text. Confidence is
// fixed low so LLM-extracted concepts win on merge.
func ExtractEntitiesHeuristic(text string) []model.Concept {
	seen := make(map[string]bool)
	var out []model.Concept

	add := func(name string, kind model.ConceptKind) {
		key := model.NormalizeConceptName(name) + "/" + string(kind)
		if name == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, model.Concept{Name: name, Kind: kind, Confidence: 0.5})
	}

	for _, m := range theoremPattern.FindAllStringSubmatch(text, -1) {
		add(fmt.Sprintf("Theorem %s", m[1]), model.KindTheorem)
	}
	for _, m := range namedTheoremPattern.FindAllStringSubmatch(text, -1) {
		add(m[0], model.KindTheorem)
	}
	for _, m := range namedEquationPattern.FindAllStringSubmatch(text, -1) {
		add(m[0], model.KindEquation)
	}
	for _, m := range constantPattern.FindAllStringSubmatch(text, -1) {
		add(m[0], model.KindConstant)
	}
	return out
}
