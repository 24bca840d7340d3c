// Package rag orchestrates tenant-scoped retrieval and answer synthesis: it
// embeds a question, searches the vector store under the tenant visibility
// rules, builds a source-labeled prompt, and scores the generated answer's
// confidence.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/isuwiki/isuwiki/engine/domain"
	"github.com/isuwiki/isuwiki/engine/semantic"
	"github.com/isuwiki/isuwiki/pkg/fn"
)

// Embedder turns texts into vectors, one per input, order-preserving.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces a completion for a system/user prompt pair.
type Generator interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Searcher abstracts the filtered vector search.
type Searcher interface {
	SearchFiltered(ctx context.Context, embedding []float32, topK int, tenants []string, filters map[string]string) ([]semantic.SearchResult, error)
}

// Options configures the retrieval and synthesis behaviour.
type Options struct {
	TopKInitial               int
	TopKFinal                 int
	TopKMax                   int
	MaxContextChunks          int
	SystemPrompt              string
	MaxAdditionalContextChars int
	SummaryWindowChars        int
	SearchTimeout             time.Duration
	Scoring                   ScoreConfig
}

// DefaultOptions returns the production retrieval parameters.
func DefaultOptions() Options {
	return Options{
		TopKInitial:               30,
		TopKFinal:                 5,
		TopKMax:                   20,
		MaxContextChunks:          5,
		SystemPrompt:              defaultSystemPrompt,
		MaxAdditionalContextChars: 8000,
		SummaryWindowChars:        4000,
		SearchTimeout:             5 * time.Second,
		Scoring:                   DefaultScoreConfig(),
	}
}

const defaultSystemPrompt = `Eres un asistente experto en SAP IS-U. Responde UNICAMENTE a partir del contexto proporcionado.
Estructura la respuesta como: Causa, Pasos, Riesgos. Cita las fuentes con su etiqueta [Fuente N].
Si el contexto no contiene la informacion necesaria, dilo claramente. Nunca inventes informacion.`

// apologyAnswer is returned when retrieval or generation fails; never a
// silent empty answer.
const apologyAnswer = "Lo siento, ha ocurrido un error al procesar tu consulta. Por favor, inténtalo de nuevo."

const clarifyQuestion = "¿Podrías reformular la pregunta con más detalle (transacción, proceso o mensaje de error)?"

// allowedFilters is the filterable payload surface callers may constrain.
var allowedFilters = map[string]bool{"scope": true, "system": true, "topic": true}

// Service is the retrieval and answer-synthesis service.
type Service struct {
	embed  Embedder
	gen    Generator
	search Searcher
	opts   Options
	log    *slog.Logger
}

// New creates a Service.
func New(embed Embedder, gen Generator, search Searcher, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopKInitial <= 0 {
		opts = DefaultOptions()
	}
	if opts.TopKMax <= 0 {
		opts.TopKMax = opts.TopKFinal
	}
	return &Service{embed: embed, gen: gen, search: search, opts: opts, log: logger}
}

// TenantFilter returns the tenant values visible to a requesting tenant:
// its own knowledge plus the shared STANDARD corpus. The STANDARD tenant
// sees only itself.
func TenantFilter(tenantSlug string) []string {
	if tenantSlug == domain.StandardTenant {
		return []string{domain.StandardTenant}
	}
	return []string{tenantSlug, domain.StandardTenant}
}

// RetrieveRequest is one similarity-search call.
type RetrieveRequest struct {
	TenantSlug string            `json:"tenant"`
	Query      string            `json:"query"`
	TopK       int               `json:"top_k,omitempty"`
	Filters    map[string]string `json:"filters,omitempty"`
}

// Retrieve embeds the query once and issues a single tenant-scoped top-K
// search. Results keep the store's descending-score order. A caller TopK
// override is honored up to Options.TopKMax; zero falls back to TopKFinal.
func (s *Service) Retrieve(ctx context.Context, req RetrieveRequest) ([]semantic.SearchResult, error) {
	if err := s.validateQuery(req.TenantSlug, req.Query, req.Filters); err != nil {
		return nil, err
	}

	vecs, err := s.embed.EmbedBatch(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("rag: embed query: got %d vectors", len(vecs))
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()

	results, err := s.search.SearchFiltered(searchCtx, vecs[0], s.opts.TopKInitial,
		TenantFilter(req.TenantSlug), req.Filters)
	if err != nil {
		return nil, fmt.Errorf("rag: semantic search: %w", err)
	}

	topK := req.TopK
	switch {
	case topK <= 0:
		topK = s.opts.TopKFinal
	case topK > s.opts.TopKMax:
		topK = s.opts.TopKMax
	}
	if len(results) > topK {
		results = results[:topK]
	}
	s.log.Info("rag: retrieve done", "tenant", req.TenantSlug, "results", len(results))
	return results, nil
}

func (s *Service) validateQuery(tenantSlug, query string, filters map[string]string) error {
	if err := domain.ValidateTenantSlug(tenantSlug); err != nil {
		return err
	}
	if err := domain.ValidateIngestText(query); err != nil {
		return err
	}
	for k := range filters {
		if !allowedFilters[k] {
			return domain.NewValidationError("filters", k, domain.ErrInvalidFilter)
		}
	}
	return nil
}

// ChatRequest is one question against the knowledge base.
type ChatRequest struct {
	TenantSlug        string            `json:"tenant"`
	Query             string            `json:"query"`
	TopK              int               `json:"top_k,omitempty"`
	Filters           map[string]string `json:"filters,omitempty"`
	AdditionalContext string            `json:"additional_context,omitempty"`
}

// Source is a deduplicated citation backing an answer.
type Source struct {
	DocID  string  `json:"doc_id"`
	Source string  `json:"source"`
	Title  string  `json:"title,omitempty"`
	Tenant string  `json:"tenant,omitempty"`
	Scope  string  `json:"scope,omitempty"`
	Score  float32 `json:"score"`
}

// ChatResponse carries the synthesized answer and its confidence estimate.
type ChatResponse struct {
	Answer             string   `json:"answer"`
	Confidence         float64  `json:"confidence"`
	NeedsClarification bool     `json:"needs_clarification"`
	Questions          []string `json:"questions,omitempty"`
	Sources            []Source `json:"sources,omitempty"`
	ElapsedMs          int64    `json:"elapsed_ms"`
}

// Chat answers a question from retrieved context. Validation failures are
// returned as errors; retrieval and generation failures are absorbed into an
// apology response with confidence 0.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	start := time.Now()

	if err := s.validateQuery(req.TenantSlug, req.Query, req.Filters); err != nil {
		return ChatResponse{}, err
	}

	results, err := s.Retrieve(ctx, RetrieveRequest{
		TenantSlug: req.TenantSlug,
		Query:      req.Query,
		TopK:       req.TopK,
		Filters:    req.Filters,
	})
	if err != nil {
		s.log.Error("rag: retrieval failed", "tenant", req.TenantSlug, "error", err)
		return s.apology(start), nil
	}

	user := s.buildUserPrompt(ctx, req, results)
	answer, err := s.gen.Complete(ctx, s.opts.SystemPrompt, user)
	if err != nil {
		s.log.Error("rag: generation failed", "tenant", req.TenantSlug, "error", err)
		return s.apology(start), nil
	}

	confidence := Score(s.opts.Scoring, answer, len(results))
	clarify := s.opts.Scoring.NeedsClarification(confidence)

	resp := ChatResponse{
		Answer:             answer,
		Confidence:         confidence,
		NeedsClarification: clarify,
		Sources:            dedupSources(results),
		ElapsedMs:          time.Since(start).Milliseconds(),
	}
	if clarify {
		resp.Questions = []string{clarifyQuestion}
	}
	return resp, nil
}

func (s *Service) buildUserPrompt(ctx context.Context, req ChatRequest, results []semantic.SearchResult) string {
	contextBlock := formatContext(results, s.opts.MaxContextChunks)
	if contextBlock == "" {
		contextBlock = "No hay contexto disponible."
	}
	if req.AdditionalContext != "" {
		extra := s.condenseAdditional(ctx, req.AdditionalContext)
		contextBlock += contextSeparator + "[Contexto adicional]\n" + extra
	}
	return fmt.Sprintf("Contexto:\n%s\n\nPregunta: %s", contextBlock, req.Query)
}

func (s *Service) apology(start time.Time) ChatResponse {
	return ChatResponse{
		Answer:             apologyAnswer,
		Confidence:         0,
		NeedsClarification: true,
		ElapsedMs:          time.Since(start).Milliseconds(),
	}
}

// dedupSources collapses hits from the same document, keeping the first
// (highest-scoring) occurrence.
func dedupSources(results []semantic.SearchResult) []Source {
	first := fn.UniqueBy(results, func(r semantic.SearchResult) string { return r.DocID })
	return fn.Map(first, func(r semantic.SearchResult) Source {
		return Source{
			DocID:  r.DocID,
			Source: r.Source,
			Title:  r.Meta["title"],
			Tenant: r.Meta["tenant"],
			Scope:  r.Meta["scope"],
			Score:  r.Score,
		}
	})
}
