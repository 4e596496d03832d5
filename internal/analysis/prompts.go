package analysis

import (
	"fmt"
	"strings"
)

// Prompt templates. All structured outputs request bare JSON; parse.go
// tolerates the code fences some models insist on anyway.

const summarySystem = "You summarize physics and mathematics papers for researchers. Be precise; keep notation; never invent results."

func summaryPrompt(text string, level SummaryLevel) string {
	var instr string
	switch level {
	case LevelBrief:
		instr = "Write a one-sentence TLDR of the following abstract."
	case LevelDetailed:
		instr = "Write a detailed summary (2-3 paragraphs) of the following paper text, covering approach, key results, and limitations."
	default:
		instr = "Write a concise summary (4-6 sentences) of the following abstract: the problem, the approach, and the main result."
	}
	return fmt.Sprintf("%s\n\nText:\n%s", instr, text)
}

const extractPrompt = `Extract the named entities from this physics/mathematics text. Look for:
1. Methods (named techniques, algorithms, frameworks)
2. Theorems and lemmas (named or numbered)
3. Named equations (e.g. Schrodinger equation, Einstein field equations)
4. Physical constants
5. Datasets
6. Conjectures (unproven hypotheses)

Return a JSON array, one object per entity:
[{"name": "...", "kind": "method|theorem|equation|constant|dataset|conjecture", "confidence": 0.9}]

Return only the JSON array.

Text:
%s`

func entityPrompt(text string) string {
	return fmt.Sprintf(extractPrompt, text)
}

const classifyPrompt = `Classify this citation context from a scientific paper.

Intent is one of:
- method: uses the cited work's method or tooling
- background: background or related work
- result: compares against or builds on the cited result
- critique: critiques or challenges the cited work
- extension: extends the cited work

Position is the section the citation appears in: abstract, introduction, methods, results, discussion, or other.

Return only JSON: {"intent": "...", "position": "..."}

Context:
%s`

func citationPrompt(citationContext string) string {
	return fmt.Sprintf(classifyPrompt, citationContext)
}

// embedInput normalizes embedding input: title and abstract joined, single
// spaced, so identical papers fingerprint identically across runs.
func embedInput(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
