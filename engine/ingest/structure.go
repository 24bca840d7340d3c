package ingest

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/isuwiki/isuwiki/engine/domain"
)

// extractionPrompt asks the generation backend for the structured fields of a
// document as bare JSON.
const extractionPrompt = `Eres un asistente experto en SAP IS-U. Extrae la estructura del siguiente texto tecnico.
Responde UNICAMENTE con un objeto JSON valido con estas claves:
{"title": "...", "root_cause": "...", "steps": ["..."], "risks": ["..."]}
Si un campo no se puede deducir del texto, usa una cadena vacia o una lista vacia. No inventes informacion.`

// Structurer obtains structured fields (title, root cause, steps, risks) from
// raw text via the generation backend. Failures degrade to an empty structure
// flagged for clarification; they never abort ingestion.
type Structurer struct {
	gen Generator
}

// NewStructurer creates a Structurer. A nil generator is allowed and always
// degrades.
func NewStructurer(gen Generator) *Structurer {
	return &Structurer{gen: gen}
}

// Extract returns the structured fields of text and whether extraction
// degraded to the empty fallback.
func (s *Structurer) Extract(ctx context.Context, text string) (domain.Structured, bool) {
	if s.gen == nil {
		return degraded(), true
	}
	raw, err := s.gen.Complete(ctx, extractionPrompt, text)
	if err != nil {
		return degraded(), true
	}
	st, ok := parseStructured(raw)
	if !ok {
		return degraded(), true
	}
	return st, false
}

func degraded() domain.Structured {
	return domain.Structured{NeedsClarification: true}
}

// parseStructured tolerates the usual model output noise: markdown fences and
// prose around the JSON object.
func parseStructured(raw string) (domain.Structured, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return domain.Structured{}, false
	}

	var st domain.Structured
	if err := json.Unmarshal([]byte(raw[start:end+1]), &st); err != nil {
		return domain.Structured{}, false
	}
	return st, true
}
