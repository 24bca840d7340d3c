// Package domain defines core domain types, constants, and validation for the
// knowledge-base pipeline. It acts as the validation gate at pipeline entry points.
package domain

import "time"

// Scope controls cross-tenant visibility of a document.
type Scope string

const (
	// ScopeStandard marks knowledge shared across all tenants.
	ScopeStandard Scope = "STANDARD"
	// ScopeClientSpecific marks knowledge visible only to its owning tenant.
	ScopeClientSpecific Scope = "CLIENT_SPECIFIC"
)

// StandardTenant is the reserved pseudo-tenant that owns globally shared knowledge.
const StandardTenant = "STANDARD"

// DocumentType classifies submitted content.
type DocumentType string

const (
	TypeIncident DocumentType = "incidencia"
	TypeDoc      DocumentType = "doc"
	TypeNote     DocumentType = "nota"
	TypeManual   DocumentType = "manual"
)

// ValidDocumentTypes is the set of recognised document types.
var ValidDocumentTypes = map[DocumentType]bool{
	TypeIncident: true, TypeDoc: true, TypeNote: true, TypeManual: true,
}

// Tenant is the isolation boundary for documents and access.
type Tenant struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Metadata holds structured tags extracted from or supplied with a document.
type Metadata struct {
	System string   `json:"system,omitempty"`
	Topic  string   `json:"topic,omitempty"`
	Tcodes []string `json:"tcodes,omitempty"`
	Tables []string `json:"tables,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

// Structured is the LLM-extracted (or caller-provided) structure of a document.
type Structured struct {
	Title              string   `json:"title,omitempty"`
	RootCause          string   `json:"root_cause,omitempty"`
	Steps              []string `json:"steps,omitempty"`
	Risks              []string `json:"risks,omitempty"`
	NeedsClarification bool     `json:"needs_clarification,omitempty"`
	Questions          []string `json:"questions,omitempty"`
}

// Empty reports whether the structure carries no extracted content.
func (s Structured) Empty() bool {
	return s.Title == "" && s.RootCause == "" && len(s.Steps) == 0 && len(s.Risks) == 0
}

// Document is a unit of ingested knowledge owned by a tenant.
// (tenant_slug, hash) is unique: re-ingesting identical content updates the
// existing document and bumps Version instead of creating a second row.
type Document struct {
	ID         string       `json:"id"`
	TenantSlug string       `json:"tenant_slug"`
	Scope      Scope        `json:"scope"`
	Type       DocumentType `json:"type"`
	System     string       `json:"system,omitempty"`
	Topic      string       `json:"topic,omitempty"`
	Tcodes     []string     `json:"tcodes,omitempty"`
	Tables     []string     `json:"tables,omitempty"`
	Title      string       `json:"title,omitempty"`
	RootCause  string       `json:"root_cause,omitempty"`
	Steps      []string     `json:"steps,omitempty"`
	Risks      []string     `json:"risks,omitempty"`
	Tags       []string     `json:"tags,omitempty"`
	Source     string       `json:"source,omitempty"`
	Version    int          `json:"version"`
	Hash       string       `json:"hash"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at,omitempty"`
	CreatedBy  string       `json:"created_by,omitempty"`
}

// Chunk is a bounded, overlap-linked segment of a document, the unit of
// vector retrieval. Index defines reconstruction order; a chunk never
// outlives its document.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Index      int       `json:"chunk_index"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	PointID    string    `json:"point_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// EvalQuery is a labeled question with expected source documents, replayed
// periodically to validate retrieval quality.
type EvalQuery struct {
	ID              string    `json:"id"`
	TenantSlug      string    `json:"tenant_slug"`
	Question        string    `json:"question"`
	ExpectedSources []string  `json:"expected_sources"`
	Category        string    `json:"category,omitempty"`
	Difficulty      string    `json:"difficulty,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// EvalRun holds the aggregate metrics of one retrieval-quality replay.
type EvalRun struct {
	ID            string    `json:"id"`
	TenantSlug    string    `json:"tenant_slug"`
	RunAt         time.Time `json:"run_at"`
	TotalQueries  int       `json:"total_queries"`
	NDCGAt5       float64   `json:"ndcg_at_5"`
	HitAt5        float64   `json:"hit_at_5"`
	AvgResponseMs int64     `json:"avg_response_time_ms"`
}
