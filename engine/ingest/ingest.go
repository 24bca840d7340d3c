// Package ingest provides the ingestion pipeline that processes submitted
// text through metadata extraction, scope resolution, structuring,
// deduplication, chunking, embedding, and storage stages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/isuwiki/isuwiki/engine/domain"
	"github.com/isuwiki/isuwiki/engine/semantic"
	"github.com/isuwiki/isuwiki/pkg/fn"
	"github.com/isuwiki/isuwiki/pkg/sapnlp"
)

const (
	// EmbedBatchSize is the max chunk texts per embedding request.
	EmbedBatchSize = 100

	// shortTextChars and longTextChars bound the range outside which a
	// submission draws an advisory warning.
	shortTextChars = 50
	longTextChars  = 50000

	// previewChars is how much chunk text the vector payload carries.
	previewChars = 500

	duplicateWarning = "document already exists, updated version"
)

// StageError labels a pipeline failure with the stage it happened in and the
// document it concerned, when known.
type StageError struct {
	Stage string
	DocID string
	Err   error
}

func (e *StageError) Error() string {
	if e.DocID != "" {
		return fmt.Sprintf("ingest: stage %s (doc %s): %v", e.Stage, e.DocID, e.Err)
	}
	return fmt.Sprintf("ingest: stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage, docID string, err error) fn.Result[job] {
	return fn.Err[job](&StageError{Stage: stage, DocID: docID, Err: err})
}

// Deps holds the external collaborators of the ingestion pipeline.
type Deps struct {
	Extractor  *sapnlp.Extractor
	Structurer *Structurer
	Embedder   Embedder
	Docs       DocumentStore
	Vectors    VectorWriter
	Logger     *slog.Logger
}

// Processor runs submissions through the ingestion pipeline.
type Processor struct {
	deps     Deps
	chunker  *Chunker
	pipeline fn.Stage[job, job]
	log      *slog.Logger
}

// New creates a Processor.
func New(deps Deps, chunkCfg ChunkConfig) *Processor {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Processor{
		deps:    deps,
		chunker: NewChunker(chunkCfg),
		log:     log,
	}
	p.pipeline = fn.Pipeline(
		fn.TracedStage("ingest.classify", p.classify),
		fn.TracedStage("ingest.structure", p.structure),
		fn.TracedStage("ingest.dedup", p.dedup),
		fn.TracedStage("ingest.persist", p.persist),
		fn.TracedStage("ingest.chunk", p.chunk),
		fn.TracedStage("ingest.embed", p.embed),
		fn.TracedStage("ingest.store", p.store),
	)
	return p
}

// Process ingests one submission. Validation failures are rejected before
// any external call.
func (p *Processor) Process(ctx context.Context, req Request) (Response, error) {
	if err := p.validate(req); err != nil {
		return Response{}, err
	}

	result := p.pipeline(ctx, newJob(req))
	j, err := result.Unwrap()
	if err != nil {
		p.log.Error("ingest: pipeline failed", "tenant", req.TenantSlug, "error", err)
		return Response{}, err
	}

	p.log.Info("ingest: done",
		"doc_id", j.doc.ID,
		"tenant", j.doc.TenantSlug,
		"scope", j.doc.Scope,
		"chunks", len(j.chunks),
		"duplicate", j.existing != nil,
	)
	return Response{
		DocID:      j.doc.ID,
		Scope:      j.doc.Scope,
		System:     j.doc.System,
		Topic:      j.doc.Topic,
		Tcodes:     j.doc.Tcodes,
		Tables:     j.doc.Tables,
		Version:    j.doc.Version,
		ChunkCount: len(j.chunks),
		Duplicate:  j.existing != nil,
		Warnings:   j.warnings,
	}, nil
}

func (p *Processor) validate(req Request) error {
	if err := domain.ValidateTenantSlug(req.TenantSlug); err != nil {
		return err
	}
	if err := domain.ValidateIngestText(req.Text); err != nil {
		return err
	}
	if req.Type != "" {
		if err := domain.ValidateDocumentType(req.Type); err != nil {
			return err
		}
	}
	return domain.ValidateScope(req.Scope)
}

func newJob(req Request) job {
	j := job{req: req}
	if n := len(req.Text); n < shortTextChars {
		j = j.warn(fmt.Sprintf("text is very short (%d chars)", n))
	} else if n > longTextChars {
		j = j.warn(fmt.Sprintf("text is very long (%d chars)", n))
	}
	return j
}

// classify extracts metadata, merges caller-supplied fields on top, and
// resolves the final scope.
func (p *Processor) classify(_ context.Context, j job) fn.Result[job] {
	j.extraction = p.deps.Extractor.Extract(j.req.Text)

	doc := domain.Document{
		ID:         uuid.NewString(),
		TenantSlug: j.req.TenantSlug,
		Type:       j.req.Type,
		System:     j.extraction.System,
		Topic:      j.extraction.Topic,
		Tcodes:     j.extraction.Tcodes,
		Tables:     j.extraction.Tables,
		Source:     j.req.Source,
		Version:    1,
		Hash:       ContentHash(j.req.Text),
		CreatedAt:  time.Now().UTC(),
		CreatedBy:  j.req.CreatedBy,
	}
	if doc.Type == "" {
		doc.Type = domain.TypeDoc
	}
	if m := j.req.Metadata; m != nil {
		if m.System != "" {
			doc.System = m.System
		}
		if m.Topic != "" {
			doc.Topic = m.Topic
		}
		doc.Tcodes = mergeSets(doc.Tcodes, m.Tcodes)
		doc.Tables = mergeSets(doc.Tables, m.Tables)
		doc.Tags = m.Tags
	}

	scope, warning := ResolveScope(j.req.Scope, j.extraction.CustomObjects, j.req.ForceScope)
	doc.Scope = scope
	if warning != "" {
		j = j.warn(warning)
	}

	j.doc = doc
	return fn.Ok(j)
}

// structure fills the document's structured fields from the caller or the
// generation backend. Degradation is not an error.
func (p *Processor) structure(ctx context.Context, j job) fn.Result[job] {
	if s := j.req.Structured; s != nil && !s.Empty() {
		applyStructured(&j.doc, *s)
		return fn.Ok(j)
	}

	st, degradedOut := p.deps.Structurer.Extract(ctx, j.req.Text)
	if degradedOut {
		p.log.Warn("ingest: structure extraction degraded", "doc_id", j.doc.ID)
	}
	applyStructured(&j.doc, st)
	return fn.Ok(j)
}

// dedup looks for a prior document with the same content hash. On a hit the
// rest of the pipeline takes the update-in-place path.
func (p *Processor) dedup(ctx context.Context, j job) fn.Result[job] {
	existing, err := p.deps.Docs.FindByHash(ctx, j.doc.TenantSlug, j.doc.Hash)
	if err != nil {
		return stageErr("dedup", j.doc.ID, err)
	}
	if existing != nil {
		j.existing = existing
		j = j.warn(duplicateWarning)
	}
	return fn.Ok(j)
}

// persist writes the document row. For duplicates it merges non-empty fields
// into the prior version and bumps the version counter; chunks and vector
// points are deliberately left untouched. A unique-constraint violation from
// a concurrent identical ingestion is converted into the duplicate path.
func (p *Processor) persist(ctx context.Context, j job) fn.Result[job] {
	if j.existing != nil {
		j.doc = mergeIntoExisting(*j.existing, j.doc)
		if err := p.deps.Docs.UpdateDocument(ctx, j.doc); err != nil {
			return stageErr("persist", j.doc.ID, err)
		}
		return fn.Ok(j)
	}

	if err := p.deps.Docs.CreateDocument(ctx, j.doc); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			existing, ferr := p.deps.Docs.FindByHash(ctx, j.doc.TenantSlug, j.doc.Hash)
			if ferr != nil || existing == nil {
				return stageErr("persist", j.doc.ID, err)
			}
			j.existing = existing
			j = j.warn(duplicateWarning)
			j.doc = mergeIntoExisting(*existing, j.doc)
			if uerr := p.deps.Docs.UpdateDocument(ctx, j.doc); uerr != nil {
				return stageErr("persist", j.doc.ID, uerr)
			}
			return fn.Ok(j)
		}
		return stageErr("persist", j.doc.ID, err)
	}
	return fn.Ok(j)
}

// chunk splits the text. Duplicates keep their existing chunks.
func (p *Processor) chunk(ctx context.Context, j job) fn.Result[job] {
	if j.existing != nil {
		existing, err := p.deps.Docs.GetChunks(ctx, j.doc.ID)
		if err != nil {
			return stageErr("chunk", j.doc.ID, err)
		}
		j.chunks = make([]Chunk, len(existing))
		for i, c := range existing {
			j.chunks[i] = Chunk{Content: c.Content, Index: c.Index, TokenCount: c.TokenCount}
		}
		return fn.Ok(j)
	}

	chunks, truncated := p.chunker.Split(j.req.Text)
	if truncated {
		j = j.warn(fmt.Sprintf("document truncated to %d chunks", len(chunks)))
	}
	j.chunks = chunks
	return fn.Ok(j)
}

// embed batch-embeds all chunk texts. One network call per batch of
// EmbedBatchSize, not one per chunk.
func (p *Processor) embed(ctx context.Context, j job) fn.Result[job] {
	if j.existing != nil {
		return fn.Ok(j)
	}

	var embeddings [][]float32
	for _, batch := range fn.Chunk(j.chunks, EmbedBatchSize) {
		texts := fn.Map(batch, func(c Chunk) string { return c.Content })
		vecs, err := p.deps.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return stageErr("embed", j.doc.ID, err)
		}
		if len(vecs) != len(texts) {
			return stageErr("embed", j.doc.ID,
				fmt.Errorf("got %d embeddings for %d texts", len(vecs), len(texts)))
		}
		embeddings = append(embeddings, vecs...)
	}
	j.embeddings = embeddings
	return fn.Ok(j)
}

// store upserts one vector point per chunk and persists the chunk rows. A
// failure here leaves the document with zero chunks; the reindex operation
// heals that state.
func (p *Processor) store(ctx context.Context, j job) fn.Result[job] {
	if j.existing != nil {
		return fn.Ok(j)
	}

	records := make([]semantic.VectorRecord, len(j.chunks))
	rows := make([]domain.Chunk, len(j.chunks))
	now := time.Now().UTC()
	for i, c := range j.chunks {
		recordID := fmt.Sprintf("%s_%d", j.doc.ID, c.Index)
		records[i] = semantic.VectorRecord{
			ID:        recordID,
			Embedding: j.embeddings[i],
			Payload:   pointPayload(j.doc, c),
		}
		rows[i] = domain.Chunk{
			ID:         recordID,
			DocumentID: j.doc.ID,
			Index:      c.Index,
			Content:    c.Content,
			TokenCount: c.TokenCount,
			PointID:    recordID,
			CreatedAt:  now,
		}
	}

	if err := p.deps.Vectors.Upsert(ctx, records); err != nil {
		return stageErr("store", j.doc.ID, err)
	}
	if err := p.deps.Docs.ReplaceChunks(ctx, j.doc.ID, rows); err != nil {
		return stageErr("store", j.doc.ID, err)
	}
	return fn.Ok(j)
}

// pointPayload is the denormalized filterable surface of a chunk at query
// time. Field names are a compatibility contract with the retrieval layer.
func pointPayload(doc domain.Document, c Chunk) map[string]any {
	content := c.Content
	if len(content) > previewChars {
		content = content[:previewChars]
	}
	return map[string]any{
		"tenant":      doc.TenantSlug,
		"scope":       string(doc.Scope),
		"system":      doc.System,
		"topic":       doc.Topic,
		"tcodes":      doc.Tcodes,
		"tables":      doc.Tables,
		"date":        doc.CreatedAt.Format(time.RFC3339),
		"source":      doc.Source,
		"title":       doc.Title,
		"doc_id":      doc.ID,
		"chunk_index": c.Index,
		"content":     content,
	}
}

// Delete removes a document, its chunks, and their vector points.
func (p *Processor) Delete(ctx context.Context, docID string) error {
	pointIDs, err := p.deps.Docs.DeleteDocument(ctx, docID)
	if err != nil {
		return err
	}
	if err := p.deps.Vectors.DeletePoints(ctx, pointIDs); err != nil {
		return fmt.Errorf("ingest: purge points for %s: %w", docID, err)
	}
	return nil
}

// Reindex re-embeds a document's stored chunks and rewrites their vector
// points. It heals the partial-failure state where a document exists with
// chunks missing from the vector store.
func (p *Processor) Reindex(ctx context.Context, docID string) (int, error) {
	doc, err := p.deps.Docs.GetDocument(ctx, docID)
	if err != nil {
		return 0, err
	}
	rows, err := p.deps.Docs.GetChunks(ctx, docID)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	texts := make([]string, len(rows))
	for i, c := range rows {
		texts[i] = c.Content
	}
	vecs, err := p.deps.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("ingest: reindex embed %s: %w", docID, err)
	}
	if len(vecs) != len(rows) {
		return 0, fmt.Errorf("ingest: reindex %s: got %d embeddings for %d chunks", docID, len(vecs), len(rows))
	}

	records := make([]semantic.VectorRecord, len(rows))
	for i, c := range rows {
		records[i] = semantic.VectorRecord{
			ID:        c.PointID,
			Embedding: vecs[i],
			Payload:   pointPayload(doc, Chunk{Content: c.Content, Index: c.Index, TokenCount: c.TokenCount}),
		}
	}
	if err := p.deps.Vectors.Upsert(ctx, records); err != nil {
		return 0, fmt.Errorf("ingest: reindex upsert %s: %w", docID, err)
	}
	return len(records), nil
}

// applyStructured copies non-empty structured fields onto the document.
func applyStructured(doc *domain.Document, s domain.Structured) {
	if s.Title != "" {
		doc.Title = s.Title
	}
	if s.RootCause != "" {
		doc.RootCause = s.RootCause
	}
	if len(s.Steps) > 0 {
		doc.Steps = s.Steps
	}
	if len(s.Risks) > 0 {
		doc.Risks = s.Risks
	}
}

// mergeIntoExisting applies the update-in-place rule for duplicates: fields
// from the new submission overwrite the prior version only when non-empty,
// and the version counter increments by exactly one.
func mergeIntoExisting(existing, incoming domain.Document) domain.Document {
	merged := existing
	if incoming.Title != "" {
		merged.Title = incoming.Title
	}
	if incoming.RootCause != "" {
		merged.RootCause = incoming.RootCause
	}
	if len(incoming.Steps) > 0 {
		merged.Steps = incoming.Steps
	}
	if len(incoming.Risks) > 0 {
		merged.Risks = incoming.Risks
	}
	if incoming.Topic != "" {
		merged.Topic = incoming.Topic
	}
	if incoming.System != "" {
		merged.System = incoming.System
	}
	merged.Tcodes = mergeSets(merged.Tcodes, incoming.Tcodes)
	merged.Tables = mergeSets(merged.Tables, incoming.Tables)
	merged.Tags = mergeSets(merged.Tags, incoming.Tags)
	merged.Version = existing.Version + 1
	merged.UpdatedAt = time.Now().UTC()
	return merged
}

// mergeSets unions two lists preserving first-seen order.
func mergeSets(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	return fn.Unique(append(append([]string{}, a...), b...))
}
