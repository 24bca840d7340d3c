// Package catalog persists tenants, documents, chunks, and evaluation data in
// Neo4j. It is the system of record for the knowledge base; the vector
// collection can always be rebuilt from it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/isuwiki/isuwiki/engine/domain"
	"github.com/isuwiki/isuwiki/pkg/repo"
)

// Store provides catalog operations on top of the generic Neo4j repository.
type Store struct {
	driver      neo4j.DriverWithContext
	tenants     *repo.Neo4jRepo[domain.Tenant, string]
	evalQueries *repo.Neo4jRepo[domain.EvalQuery, string]
}

// New creates a new Store.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{
		driver:      driver,
		tenants:     newTenantRepo(driver),
		evalQueries: newEvalQueryRepo(driver),
	}
}

// EnsureConstraints creates the uniqueness constraints the catalog relies on.
// The (tenant_slug, hash) node key makes concurrent ingestion of identical
// content race-safe: the second writer fails with a constraint violation and
// takes the update path instead.
func (s *Store) EnsureConstraints(ctx context.Context) error {
	stmts := []string{
		`CREATE CONSTRAINT tenant_slug IF NOT EXISTS FOR (t:Tenant) REQUIRE t.slug IS UNIQUE`,
		`CREATE CONSTRAINT document_id IF NOT EXISTS FOR (d:Document) REQUIRE d.id IS UNIQUE`,
		`CREATE CONSTRAINT document_tenant_hash IF NOT EXISTS FOR (d:Document) REQUIRE (d.tenant_slug, d.hash) IS NODE KEY`,
		`CREATE CONSTRAINT chunk_id IF NOT EXISTS FOR (c:Chunk) REQUIRE c.id IS UNIQUE`,
		`CREATE CONSTRAINT eval_query_id IF NOT EXISTS FOR (q:EvalQuery) REQUIRE q.id IS UNIQUE`,
	}

	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	for _, stmt := range stmts {
		if _, err := sess.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("catalog: ensure constraints: %w", err)
		}
	}
	return nil
}

// CreateTenant registers a new tenant. Returns domain.ErrDuplicate when the
// slug is already taken.
func (s *Store) CreateTenant(ctx context.Context, t domain.Tenant) (domain.Tenant, error) {
	created, err := s.tenants.Create(ctx, t)
	if err != nil {
		if isConstraintViolation(err) {
			return domain.Tenant{}, fmt.Errorf("catalog: tenant %s: %w", t.Slug, domain.ErrDuplicate)
		}
		return domain.Tenant{}, fmt.Errorf("catalog: create tenant %s: %w", t.Slug, err)
	}
	return created, nil
}

// GetTenant returns a tenant by slug.
func (s *Store) GetTenant(ctx context.Context, slug string) (domain.Tenant, error) {
	t, err := s.tenants.Get(ctx, slug)
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("catalog: tenant %s: %w", slug, domain.ErrNotFound)
	}
	return t, nil
}

// ListTenants returns all registered tenants.
func (s *Store) ListTenants(ctx context.Context, opts repo.ListOpts) ([]domain.Tenant, error) {
	return s.tenants.List(ctx, opts)
}

// CreateDocument stores a new document node. Returns domain.ErrDuplicate when
// a document with the same (tenant_slug, hash) already exists.
func (s *Store) CreateDocument(ctx context.Context, d domain.Document) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("CREATE (n:%s $props)", labelDocument)
	if _, err := sess.Run(ctx, cypher, map[string]any{"props": docToMap(d)}); err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("catalog: document %s: %w", d.ID, domain.ErrDuplicate)
		}
		return fmt.Errorf("catalog: create document %s: %w", d.ID, err)
	}
	return nil
}

// GetDocument returns a document by ID.
func (s *Store) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {id: $id}) RETURN n", labelDocument)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return domain.Document{}, fmt.Errorf("catalog: get document %s: %w", id, err)
	}
	if !result.Next(ctx) {
		return domain.Document{}, fmt.Errorf("catalog: document %s: %w", id, domain.ErrNotFound)
	}
	return docFromRecord(result.Record())
}

// FindByHash looks up a tenant's document by content hash. Returns (nil, nil)
// when no such document exists.
func (s *Store) FindByHash(ctx context.Context, tenantSlug, hash string) (*domain.Document, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {tenant_slug: $tenant, hash: $hash}) RETURN n", labelDocument)
	result, err := sess.Run(ctx, cypher, map[string]any{"tenant": tenantSlug, "hash": hash})
	if err != nil {
		return nil, fmt.Errorf("catalog: find by hash: %w", err)
	}
	if !result.Next(ctx) {
		return nil, nil
	}
	d, err := docFromRecord(result.Record())
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDocument overwrites a document's properties.
func (s *Store) UpdateDocument(ctx context.Context, d domain.Document) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("MATCH (n:%s {id: $id}) SET n += $props RETURN n.id", labelDocument)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": d.ID, "props": docToMap(d)})
	if err != nil {
		return fmt.Errorf("catalog: update document %s: %w", d.ID, err)
	}
	if !result.Next(ctx) {
		return fmt.Errorf("catalog: document %s: %w", d.ID, domain.ErrNotFound)
	}
	return nil
}

// ListDocuments returns a tenant's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, tenantSlug string, opts repo.ListOpts) ([]domain.Document, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	cypher := fmt.Sprintf(
		"MATCH (n:%s {tenant_slug: $tenant}) RETURN n ORDER BY n.created_at DESC SKIP $offset LIMIT $limit",
		labelDocument)
	result, err := sess.Run(ctx, cypher, map[string]any{
		"tenant": tenantSlug, "offset": opts.Offset, "limit": limit,
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: list documents: %w", err)
	}

	var docs []domain.Document
	for result.Next(ctx) {
		d, err := docFromRecord(result.Record())
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// ReplaceChunks deletes a document's existing chunks and writes the new set
// in a single transaction.
func (s *Store) ReplaceChunks(ctx context.Context, docID string, chunks []domain.Chunk) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		del := fmt.Sprintf("MATCH (d:%s {id: $doc_id})-[:HAS_CHUNK]->(c:%s) DETACH DELETE c",
			labelDocument, labelChunk)
		if _, err := tx.Run(ctx, del, map[string]any{"doc_id": docID}); err != nil {
			return nil, err
		}

		create := fmt.Sprintf(
			`MATCH (d:%s {id: $doc_id})
			 CREATE (c:%s $props)
			 CREATE (d)-[:HAS_CHUNK]->(c)`,
			labelDocument, labelChunk)
		for _, c := range chunks {
			if _, err := tx.Run(ctx, create, map[string]any{
				"doc_id": docID,
				"props":  chunkToMap(c),
			}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("catalog: replace chunks for %s: %w", docID, err)
	}
	return nil
}

// GetChunks returns a document's chunks in reconstruction order.
func (s *Store) GetChunks(ctx context.Context, docID string) ([]domain.Chunk, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		"MATCH (d:%s {id: $doc_id})-[:HAS_CHUNK]->(c:%s) RETURN c ORDER BY c.chunk_index",
		labelDocument, labelChunk)
	result, err := sess.Run(ctx, cypher, map[string]any{"doc_id": docID})
	if err != nil {
		return nil, fmt.Errorf("catalog: get chunks for %s: %w", docID, err)
	}

	var chunks []domain.Chunk
	for result.Next(ctx) {
		node, _, err := neo4j.GetRecordValue[neo4j.Node](result.Record(), "c")
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunkFromProps(node.Props))
	}
	return chunks, nil
}

// ChunkCount returns the number of chunks stored for a document.
func (s *Store) ChunkCount(ctx context.Context, docID string) (int, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		"MATCH (d:%s {id: $doc_id})-[:HAS_CHUNK]->(c:%s) RETURN count(c) AS n",
		labelDocument, labelChunk)
	result, err := sess.Run(ctx, cypher, map[string]any{"doc_id": docID})
	if err != nil {
		return 0, fmt.Errorf("catalog: chunk count for %s: %w", docID, err)
	}
	if !result.Next(ctx) {
		return 0, nil
	}
	n, _ := result.Record().Get("n")
	count, _ := n.(int64)
	return int(count), nil
}

// DeleteDocument removes a document and its chunks, returning the vector
// record IDs of the deleted chunks so the caller can purge the collection.
func (s *Store) DeleteDocument(ctx context.Context, id string) ([]string, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		`MATCH (d:%s {id: $id})
		 OPTIONAL MATCH (d)-[:HAS_CHUNK]->(c:%s)
		 WITH d, collect(c) AS chunks, collect(c.point_id) AS point_ids
		 FOREACH (ch IN chunks | DETACH DELETE ch)
		 DETACH DELETE d
		 RETURN point_ids`,
		labelDocument, labelChunk)
	result, err := sess.Run(ctx, cypher, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("catalog: delete document %s: %w", id, err)
	}
	if !result.Next(ctx) {
		return nil, fmt.Errorf("catalog: document %s: %w", id, domain.ErrNotFound)
	}

	raw, _ := result.Record().Get("point_ids")
	list, _ := raw.([]any)
	ids := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// SaveEvalQuery stores a labeled evaluation question.
func (s *Store) SaveEvalQuery(ctx context.Context, q domain.EvalQuery) error {
	if _, err := s.evalQueries.Create(ctx, q); err != nil {
		return fmt.Errorf("catalog: save eval query %s: %w", q.ID, err)
	}
	return nil
}

// ListEvalQueries returns a tenant's evaluation questions.
func (s *Store) ListEvalQueries(ctx context.Context, tenantSlug string) ([]domain.EvalQuery, error) {
	qs, err := s.evalQueries.FindBy(ctx, map[string]any{"tenant_slug": tenantSlug}, 0)
	if err != nil {
		return nil, fmt.Errorf("catalog: list eval queries: %w", err)
	}
	return qs, nil
}

// SaveEvalRun persists the metrics of one evaluation replay.
func (s *Store) SaveEvalRun(ctx context.Context, r domain.EvalRun) error {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf("CREATE (n:%s $props)", labelEvalRun)
	if _, err := sess.Run(ctx, cypher, map[string]any{"props": evalRunToMap(r)}); err != nil {
		return fmt.Errorf("catalog: save eval run %s: %w", r.ID, err)
	}
	return nil
}

// LatestEvalRun returns a tenant's most recent evaluation run.
func (s *Store) LatestEvalRun(ctx context.Context, tenantSlug string) (domain.EvalRun, error) {
	sess := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	cypher := fmt.Sprintf(
		"MATCH (n:%s {tenant_slug: $tenant}) RETURN n ORDER BY n.run_at DESC LIMIT 1",
		labelEvalRun)
	result, err := sess.Run(ctx, cypher, map[string]any{"tenant": tenantSlug})
	if err != nil {
		return domain.EvalRun{}, fmt.Errorf("catalog: latest eval run: %w", err)
	}
	if !result.Next(ctx) {
		return domain.EvalRun{}, fmt.Errorf("catalog: eval run for %s: %w", tenantSlug, domain.ErrNotFound)
	}
	node, _, err := neo4j.GetRecordValue[neo4j.Node](result.Record(), "n")
	if err != nil {
		return domain.EvalRun{}, err
	}
	return evalRunFromProps(node.Props), nil
}

// isConstraintViolation reports whether err is a Neo4j schema constraint
// failure.
func isConstraintViolation(err error) bool {
	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		return strings.Contains(neoErr.Code, "ConstraintValidationFailed") ||
			strings.Contains(neoErr.Code, "ConstraintViolation")
	}
	return false
}
