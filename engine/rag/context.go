package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/isuwiki/isuwiki/engine/semantic"
)

const contextSeparator = "\n\n---\n\n"

const summaryPrompt = `Resume el siguiente texto tecnico conservando transacciones, tablas y pasos concretos. Responde solo con el resumen.`

// maxSummaryDepth bounds the recursive window summarization.
const maxSummaryDepth = 3

// formatContext renders retrieved chunks as an ordered, source-labeled block,
// capped at maxChunks.
func formatContext(results []semantic.SearchResult, maxChunks int) string {
	if len(results) > maxChunks {
		results = results[:maxChunks]
	}
	parts := make([]string, len(results))
	for i, r := range results {
		source := r.Source
		if source == "" {
			source = "desconocida"
		}
		parts[i] = fmt.Sprintf("[Fuente %d: %s]\n%s", i+1, source, r.Content)
	}
	return strings.Join(parts, contextSeparator)
}

// condenseAdditional shrinks caller-supplied extra context below the
// character ceiling by recursive windowed summarization. Truncation is the
// last-resort fallback when summarization fails or stops converging.
func (s *Service) condenseAdditional(ctx context.Context, text string) string {
	limit := s.opts.MaxAdditionalContextChars
	if len(text) <= limit {
		return text
	}

	current := text
	for depth := 0; depth < maxSummaryDepth && len(current) > limit; depth++ {
		summarized, err := s.summarizeWindows(ctx, current)
		if err != nil {
			s.log.Warn("rag: additional context summarization failed, truncating", "error", err)
			return current[:limit]
		}
		if len(summarized) >= len(current) {
			break
		}
		current = summarized
	}
	if len(current) > limit {
		current = current[:limit]
	}
	return current
}

func (s *Service) summarizeWindows(ctx context.Context, text string) (string, error) {
	window := s.opts.SummaryWindowChars
	var summaries []string
	for start := 0; start < len(text); start += window {
		end := start + window
		if end > len(text) {
			end = len(text)
		}
		summary, err := s.gen.Complete(ctx, summaryPrompt, text[start:end])
		if err != nil {
			return "", err
		}
		summaries = append(summaries, strings.TrimSpace(summary))
	}
	return strings.Join(summaries, "\n\n"), nil
}
