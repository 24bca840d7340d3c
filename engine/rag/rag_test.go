package rag

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/isuwiki/isuwiki/engine/domain"
	"github.com/isuwiki/isuwiki/engine/semantic"
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

type fakeGen struct {
	out   string
	err   error
	calls int
	user  string
}

func (f *fakeGen) Complete(_ context.Context, _, user string) (string, error) {
	f.calls++
	f.user = user
	return f.out, f.err
}

type fakeSearcher struct {
	results []semantic.SearchResult
	err     error
	tenants []string
	filters map[string]string
	topK    int
}

func (f *fakeSearcher) SearchFiltered(_ context.Context, _ []float32, topK int, tenants []string, filters map[string]string) ([]semantic.SearchResult, error) {
	f.tenants = tenants
	f.filters = filters
	f.topK = topK
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func newService(emb *fakeEmbedder, gen *fakeGen, search *fakeSearcher) *Service {
	return New(emb, gen, search, DefaultOptions(), nil)
}

func hit(docID, source, content string, score float32) semantic.SearchResult {
	return semantic.SearchResult{
		ID:      docID + "_0",
		DocID:   docID,
		Source:  source,
		Content: content,
		Score:   score,
		Meta:    map[string]string{"tenant": "acme", "scope": "CLIENT_SPECIFIC"},
	}
}

func TestTenantFilter(t *testing.T) {
	if got := TenantFilter("acme"); !reflect.DeepEqual(got, []string{"acme", "STANDARD"}) {
		t.Errorf("TenantFilter(acme) = %v", got)
	}
	if got := TenantFilter("STANDARD"); !reflect.DeepEqual(got, []string{"STANDARD"}) {
		t.Errorf("TenantFilter(STANDARD) = %v", got)
	}
}

func TestRetrieveUsesTenantScopedSearch(t *testing.T) {
	search := &fakeSearcher{results: []semantic.SearchResult{
		hit("d1", "wiki", "contenido uno", 0.9),
		hit("d2", "wiki", "contenido dos", 0.8),
	}}
	s := newService(&fakeEmbedder{}, &fakeGen{}, search)

	results, err := s.Retrieve(context.Background(), RetrieveRequest{
		TenantSlug: "acme",
		Query:      "como liberar una factura bloqueada",
		Filters:    map[string]string{"topic": "billing"},
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !reflect.DeepEqual(search.tenants, []string{"acme", "STANDARD"}) {
		t.Errorf("search tenants = %v", search.tenants)
	}
	if search.filters["topic"] != "billing" {
		t.Errorf("filters = %v", search.filters)
	}
	if search.topK != DefaultOptions().TopKInitial {
		t.Errorf("initial topK = %d, want %d", search.topK, DefaultOptions().TopKInitial)
	}
	if len(results) != 2 {
		t.Errorf("results = %d", len(results))
	}
}

func TestRetrieveTruncatesToFinalTopK(t *testing.T) {
	var hits []semantic.SearchResult
	for i := 0; i < 30; i++ {
		hits = append(hits, hit("d", "wiki", "contenido", float32(30-i)))
	}
	search := &fakeSearcher{results: hits}
	s := newService(&fakeEmbedder{}, &fakeGen{}, search)

	results, err := s.Retrieve(context.Background(), RetrieveRequest{
		TenantSlug: "acme",
		Query:      "consulta de facturacion mensual",
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != DefaultOptions().TopKFinal {
		t.Errorf("results = %d, want %d", len(results), DefaultOptions().TopKFinal)
	}
}

func TestRetrieveHonorsCallerTopK(t *testing.T) {
	var hits []semantic.SearchResult
	for i := 0; i < 30; i++ {
		hits = append(hits, hit(fmt.Sprintf("d%d", i), "wiki", "contenido", float32(30-i)))
	}
	s := newService(&fakeEmbedder{}, &fakeGen{}, &fakeSearcher{results: hits})

	results, err := s.Retrieve(context.Background(), RetrieveRequest{
		TenantSlug: "acme",
		Query:      "consulta de facturacion mensual",
		TopK:       10,
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 10 {
		t.Errorf("results = %d, want the requested 10", len(results))
	}

	// Overrides beyond the ceiling clamp to TopKMax.
	results, err = s.Retrieve(context.Background(), RetrieveRequest{
		TenantSlug: "acme",
		Query:      "consulta de facturacion mensual",
		TopK:       50,
	})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != DefaultOptions().TopKMax {
		t.Errorf("results = %d, want ceiling %d", len(results), DefaultOptions().TopKMax)
	}
}

func TestRetrieveRejectsUnsupportedFilter(t *testing.T) {
	s := newService(&fakeEmbedder{}, &fakeGen{}, &fakeSearcher{})

	_, err := s.Retrieve(context.Background(), RetrieveRequest{
		TenantSlug: "acme",
		Query:      "consulta valida de prueba",
		Filters:    map[string]string{"created_by": "u1"},
	})
	if !errors.Is(err, domain.ErrInvalidFilter) {
		t.Errorf("err = %v, want %v", err, domain.ErrInvalidFilter)
	}
}

func TestChatZeroHitsLowConfidence(t *testing.T) {
	gen := &fakeGen{out: "No dispongo de información sobre ese proceso en el contexto proporcionado."}
	s := newService(&fakeEmbedder{}, gen, &fakeSearcher{})

	resp, err := s.Chat(context.Background(), ChatRequest{
		TenantSlug: "acme",
		Query:      "factura duplicada en el ciclo",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Confidence != 0.1 {
		t.Errorf("confidence = %v, want exactly 0.1", resp.Confidence)
	}
	if !resp.NeedsClarification {
		t.Error("expected needs_clarification with zero hits")
	}
	if len(resp.Questions) == 0 {
		t.Error("expected a clarification question")
	}
}

func TestChatAbsorbsFailuresIntoApology(t *testing.T) {
	tests := []struct {
		name   string
		emb    *fakeEmbedder
		gen    *fakeGen
		search *fakeSearcher
	}{
		{"search failure", &fakeEmbedder{}, &fakeGen{out: "x"}, &fakeSearcher{err: errors.New("qdrant down")}},
		{"embed failure", &fakeEmbedder{err: errors.New("backend down")}, &fakeGen{out: "x"}, &fakeSearcher{}},
		{"generation failure", &fakeEmbedder{}, &fakeGen{err: errors.New("llm down")}, &fakeSearcher{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newService(tt.emb, tt.gen, tt.search)
			resp, err := s.Chat(context.Background(), ChatRequest{
				TenantSlug: "acme",
				Query:      "consulta sobre facturacion",
			})
			if err != nil {
				t.Fatalf("failures must be absorbed, got error %v", err)
			}
			if resp.Answer != apologyAnswer {
				t.Errorf("answer = %q, want apology", resp.Answer)
			}
			if resp.Confidence != 0 {
				t.Errorf("confidence = %v, want 0", resp.Confidence)
			}
			if !resp.NeedsClarification {
				t.Error("apology must request clarification")
			}
		})
	}
}

func TestChatBuildsLabeledContext(t *testing.T) {
	gen := &fakeGen{out: "Causa: orden de lectura pendiente. Pasos: ejecutar EC85 y liberar la orden asociada. Riesgos: duplicar la facturacion del periodo si se repite el lote."}
	search := &fakeSearcher{results: []semantic.SearchResult{
		hit("d1", "wiki-import", "La transaccion EC85 libera ordenes.", 0.9),
		hit("d1", "wiki-import", "Fragmento adicional del mismo documento.", 0.8),
		hit("d2", "manual", "EABLG guarda los motivos de lectura.", 0.7),
	}}
	s := newService(&fakeEmbedder{}, gen, search)

	resp, err := s.Chat(context.Background(), ChatRequest{
		TenantSlug: "acme",
		Query:      "como liberar ordenes de lectura",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if !strings.Contains(gen.user, "[Fuente 1: wiki-import]") {
		t.Errorf("prompt missing first source label:\n%s", gen.user)
	}
	if !strings.Contains(gen.user, "[Fuente 3: manual]") {
		t.Errorf("prompt missing third source label:\n%s", gen.user)
	}

	// Two hits from d1 collapse into one citation.
	if len(resp.Sources) != 2 {
		t.Fatalf("sources = %d, want 2 after dedup", len(resp.Sources))
	}
	if resp.Sources[0].DocID != "d1" || resp.Sources[0].Score != 0.9 {
		t.Errorf("first source = %+v, want d1 at 0.9", resp.Sources[0])
	}
	if resp.NeedsClarification {
		t.Errorf("confident answer flagged for clarification (confidence %v)", resp.Confidence)
	}
}

func TestChatAppendsAdditionalContext(t *testing.T) {
	gen := &fakeGen{out: "Causa: parametrizacion del ciclo. Pasos: revisar EA10. Riesgos: recalculo del periodo."}
	search := &fakeSearcher{results: []semantic.SearchResult{
		hit("d1", "wiki", "EA10 muestra la factura.", 0.9),
	}}
	s := newService(&fakeEmbedder{}, gen, search)

	extra := "El cliente factura en ciclos quincenales."
	_, err := s.Chat(context.Background(), ChatRequest{
		TenantSlug:        "acme",
		Query:             "por que difiere el importe facturado",
		AdditionalContext: extra,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !strings.Contains(gen.user, "[Contexto adicional]\n"+extra) {
		t.Errorf("prompt missing additional context block:\n%s", gen.user)
	}
	if gen.calls != 1 {
		t.Errorf("generator calls = %d, below-ceiling context must not be summarized", gen.calls)
	}
}

func TestCondenseAdditionalPassesShortTextThrough(t *testing.T) {
	gen := &fakeGen{out: "resumen"}
	opts := DefaultOptions()
	opts.MaxAdditionalContextChars = 100
	s := New(&fakeEmbedder{}, gen, &fakeSearcher{}, opts, nil)

	text := "El cliente usa IS-U 6.0 con facturacion mensual."
	if got := s.condenseAdditional(context.Background(), text); got != text {
		t.Errorf("condenseAdditional = %q, want unchanged text", got)
	}
	if gen.calls != 0 {
		t.Errorf("generator called %d times for text under the ceiling", gen.calls)
	}
}

func TestCondenseAdditionalSummarizesByWindows(t *testing.T) {
	gen := &fakeGen{out: "ok"}
	opts := DefaultOptions()
	opts.MaxAdditionalContextChars = 40
	opts.SummaryWindowChars = 20
	s := New(&fakeEmbedder{}, gen, &fakeSearcher{}, opts, nil)

	text := strings.Repeat("x", 100) // five 20-char windows
	got := s.condenseAdditional(context.Background(), text)
	if want := "ok\n\nok\n\nok\n\nok\n\nok"; got != want {
		t.Errorf("condensed = %q, want %q", got, want)
	}
	if gen.calls != 5 {
		t.Errorf("generator called %d times, want one per window", gen.calls)
	}
}

func TestCondenseAdditionalTruncatesWhenSummarizationFails(t *testing.T) {
	gen := &fakeGen{err: errors.New("llm down")}
	opts := DefaultOptions()
	opts.MaxAdditionalContextChars = 40
	opts.SummaryWindowChars = 20
	s := New(&fakeEmbedder{}, gen, &fakeSearcher{}, opts, nil)

	text := strings.Repeat("y", 100)
	if got := s.condenseAdditional(context.Background(), text); got != text[:40] {
		t.Errorf("condensed = %q, want first 40 chars", got)
	}
}

func TestScoreZeroChunks(t *testing.T) {
	if got := Score(DefaultScoreConfig(), "cualquier respuesta", 0); got != 0.1 {
		t.Errorf("Score with zero chunks = %v, want 0.1", got)
	}
}

func TestScoreMonotonicInChunkCount(t *testing.T) {
	cfg := DefaultScoreConfig()
	answer := strings.Repeat("paso de proceso con detalle suficiente ", 6) // ~42 words

	prev := Score(cfg, answer, 1)
	for n := 2; n <= cfg.SaturationChunks+2; n++ {
		cur := Score(cfg, answer, n)
		if cur < prev {
			t.Errorf("Score decreased from %v to %v at %d chunks", prev, cur, n)
		}
		prev = cur
	}
	if sat := Score(cfg, answer, cfg.SaturationChunks); sat != Score(cfg, answer, cfg.SaturationChunks+5) {
		t.Error("Score should saturate at the configured chunk count")
	}
}

func TestScoreFactors(t *testing.T) {
	cfg := DefaultScoreConfig()
	long := strings.Repeat("palabra ", 40)

	tests := []struct {
		name   string
		answer string
		chunks int
		want   float64
	}{
		{"full factors", long, 3, 0.85},
		{"short answer penalized", "respuesta corta", 3, 0.425},
		{"hedged answer penalized", long + " podría ser un problema de lecturas", 3, 0.595},
		{"tcode boost", long + " ejecutar EC85", 3, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(cfg, tt.answer, tt.chunks)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Score = %v, want %v", got, tt.want)
			}
		})
	}
}
