package ingest

import (
	"context"

	"github.com/isuwiki/isuwiki/engine/domain"
	"github.com/isuwiki/isuwiki/engine/semantic"
	"github.com/isuwiki/isuwiki/pkg/repo"
	"github.com/isuwiki/isuwiki/pkg/sapnlp"
)

// Request is one document submission.
type Request struct {
	TenantSlug string              `json:"tenant"`
	Text       string              `json:"text"`
	Type       domain.DocumentType `json:"type,omitempty"`
	Scope      domain.Scope        `json:"scope,omitempty"` // empty means unspecified
	ForceScope bool                `json:"force_scope,omitempty"`
	Source     string              `json:"source,omitempty"`
	Metadata   *domain.Metadata    `json:"metadata,omitempty"`
	Structured *domain.Structured  `json:"structured,omitempty"`
	CreatedBy  string              `json:"created_by,omitempty"`
}

// Response reports what ingestion did with a submission.
type Response struct {
	DocID      string       `json:"doc_id"`
	Scope      domain.Scope `json:"scope"`
	System     string       `json:"system,omitempty"`
	Topic      string       `json:"topic,omitempty"`
	Tcodes     []string     `json:"tcodes,omitempty"`
	Tables     []string     `json:"tables,omitempty"`
	Version    int          `json:"version"`
	ChunkCount int          `json:"chunk_count"`
	Duplicate  bool         `json:"duplicate"`
	Warnings   []string     `json:"warnings,omitempty"`
}

// Embedder turns texts into vectors, one per input, order-preserving.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces a completion for a system/user prompt pair.
type Generator interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// DocumentStore is the slice of the catalog the pipeline writes to.
type DocumentStore interface {
	CreateDocument(ctx context.Context, d domain.Document) error
	GetDocument(ctx context.Context, id string) (domain.Document, error)
	FindByHash(ctx context.Context, tenantSlug, hash string) (*domain.Document, error)
	UpdateDocument(ctx context.Context, d domain.Document) error
	ReplaceChunks(ctx context.Context, docID string, chunks []domain.Chunk) error
	GetChunks(ctx context.Context, docID string) ([]domain.Chunk, error)
	DeleteDocument(ctx context.Context, id string) ([]string, error)
	ListDocuments(ctx context.Context, tenantSlug string, opts repo.ListOpts) ([]domain.Document, error)
}

// VectorWriter is the slice of the vector store the pipeline writes to.
type VectorWriter interface {
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
	DeleteByDocID(ctx context.Context, docID string) error
	DeletePoints(ctx context.Context, recordIDs []string) error
}

// job carries a submission through the pipeline stages.
type job struct {
	req        Request
	doc        domain.Document
	extraction sapnlp.Extraction
	chunks     []Chunk
	embeddings [][]float32
	existing   *domain.Document // set when the dedup stage found a prior version
	warnings   []string
}

func (j job) warn(msg string) job {
	j.warnings = append(j.warnings, msg)
	return j
}
