package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/citegraph/citegraphd/internal/model"
)

// stripFences removes markdown code fences models wrap JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}

// extractJSON pulls the first JSON value (object or array) out of model
// output that may carry prose around it.
func extractJSON(s string) (string, error) {
	s = stripFences(s)
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return "", fmt.Errorf("no JSON in model output")
	}
	open := s[start]
	var closing byte = '}'
	if open == '[' {
		closing = ']'
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case inString:
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == open:
			depth++
		case c == closing:
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON in model output")
}

type wireEntity struct {
	Name       string  `json:"name"`
	Kind       string  `json:"kind"`
	EntityType string  `json:"entity_type"`
	Confidence float64 `json:"confidence"`
}

// parseEntities validates extractor output into typed concepts. Entries
// without a name are dropped; unknown kinds collapse to KindOther.
func parseEntities(raw string) ([]model.Concept, error) {
	js, err := extractJSON(raw)
	if err != nil {
		return nil, err
	}
	var wire []wireEntity
	if err := json.Unmarshal([]byte(js), &wire); err != nil {
		return nil, fmt.Errorf("parsing entity JSON: %w", err)
	}

	concepts := make([]model.Concept, 0, len(wire))
	for _, e := range wire {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		kind := e.Kind
		if kind == "" {
			kind = e.EntityType
		}
		conf := e.Confidence
		if conf < 0 || conf > 1 {
			conf = 0
		}
		concepts = append(concepts, model.Concept{
			Name:       name,
			Kind:       model.ParseConceptKind(kind),
			Confidence: conf,
		})
	}
	return concepts, nil
}

type wireLabel struct {
	Intent   string `json:"intent"`
	Position string `json:"position"`
}

// parseEdgeLabel validates classifier output into an edge label, falling
// back to unknown/other rather than failing on sloppy labels.
func parseEdgeLabel(raw string) (model.EdgeLabel, error) {
	js, err := extractJSON(raw)
	if err != nil {
		return model.EdgeLabel{}, err
	}
	var wire wireLabel
	if err := json.Unmarshal([]byte(js), &wire); err != nil {
		return model.EdgeLabel{}, fmt.Errorf("parsing label JSON: %w", err)
	}
	return model.EdgeLabel{
		Intent:   model.ParseIntent(wire.Intent),
		Position: model.ParsePosition(wire.Position),
	}, nil
}
