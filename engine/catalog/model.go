package catalog

import (
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/isuwiki/isuwiki/engine/domain"
	"github.com/isuwiki/isuwiki/pkg/repo"
)

// Node labels used in the catalog graph.
const (
	labelTenant    = "Tenant"
	labelDocument  = "Document"
	labelChunk     = "Chunk"
	labelEvalQuery = "EvalQuery"
	labelEvalRun   = "EvalRun"
)

func newTenantRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[domain.Tenant, string] {
	return repo.NewNeo4jRepo[domain.Tenant, string](
		driver,
		labelTenant,
		tenantToMap,
		tenantFromRecord,
		repo.WithIDKey[domain.Tenant, string]("slug"),
	)
}

func newEvalQueryRepo(driver neo4j.DriverWithContext) *repo.Neo4jRepo[domain.EvalQuery, string] {
	return repo.NewNeo4jRepo[domain.EvalQuery, string](
		driver,
		labelEvalQuery,
		evalQueryToMap,
		evalQueryFromRecord,
	)
}

func tenantToMap(t domain.Tenant) map[string]any {
	return map[string]any{
		"id":         t.ID,
		"slug":       t.Slug,
		"name":       t.Name,
		"timezone":   t.Timezone,
		"status":     t.Status,
		"created_at": t.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func tenantFromRecord(rec *neo4j.Record) (domain.Tenant, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.Tenant{}, err
	}
	return tenantFromProps(node.Props), nil
}

func tenantFromProps(props map[string]any) domain.Tenant {
	return domain.Tenant{
		ID:        strProp(props, "id"),
		Slug:      strProp(props, "slug"),
		Name:      strProp(props, "name"),
		Timezone:  strProp(props, "timezone"),
		Status:    strProp(props, "status"),
		CreatedAt: timeProp(props, "created_at"),
	}
}

func docToMap(d domain.Document) map[string]any {
	return map[string]any{
		"id":          d.ID,
		"tenant_slug": d.TenantSlug,
		"scope":       string(d.Scope),
		"type":        string(d.Type),
		"system":      d.System,
		"topic":       d.Topic,
		"tcodes":      toAnySlice(d.Tcodes),
		"tables":      toAnySlice(d.Tables),
		"title":       d.Title,
		"root_cause":  d.RootCause,
		"steps":       toAnySlice(d.Steps),
		"risks":       toAnySlice(d.Risks),
		"tags":        toAnySlice(d.Tags),
		"source":      d.Source,
		"version":     int64(d.Version),
		"hash":        d.Hash,
		"created_at":  d.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  d.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"created_by":  d.CreatedBy,
	}
}

func docFromRecord(rec *neo4j.Record) (domain.Document, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.Document{}, err
	}
	return docFromProps(node.Props), nil
}

func docFromProps(props map[string]any) domain.Document {
	return domain.Document{
		ID:         strProp(props, "id"),
		TenantSlug: strProp(props, "tenant_slug"),
		Scope:      domain.Scope(strProp(props, "scope")),
		Type:       domain.DocumentType(strProp(props, "type")),
		System:     strProp(props, "system"),
		Topic:      strProp(props, "topic"),
		Tcodes:     strSliceProp(props, "tcodes"),
		Tables:     strSliceProp(props, "tables"),
		Title:      strProp(props, "title"),
		RootCause:  strProp(props, "root_cause"),
		Steps:      strSliceProp(props, "steps"),
		Risks:      strSliceProp(props, "risks"),
		Tags:       strSliceProp(props, "tags"),
		Source:     strProp(props, "source"),
		Version:    intProp(props, "version"),
		Hash:       strProp(props, "hash"),
		CreatedAt:  timeProp(props, "created_at"),
		UpdatedAt:  timeProp(props, "updated_at"),
		CreatedBy:  strProp(props, "created_by"),
	}
}

func chunkToMap(c domain.Chunk) map[string]any {
	return map[string]any{
		"id":          c.ID,
		"document_id": c.DocumentID,
		"chunk_index": int64(c.Index),
		"content":     c.Content,
		"token_count": int64(c.TokenCount),
		"point_id":    c.PointID,
		"created_at":  c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func chunkFromProps(props map[string]any) domain.Chunk {
	return domain.Chunk{
		ID:         strProp(props, "id"),
		DocumentID: strProp(props, "document_id"),
		Index:      intProp(props, "chunk_index"),
		Content:    strProp(props, "content"),
		TokenCount: intProp(props, "token_count"),
		PointID:    strProp(props, "point_id"),
		CreatedAt:  timeProp(props, "created_at"),
	}
}

func evalQueryToMap(q domain.EvalQuery) map[string]any {
	return map[string]any{
		"id":               q.ID,
		"tenant_slug":      q.TenantSlug,
		"question":         q.Question,
		"expected_sources": toAnySlice(q.ExpectedSources),
		"category":         q.Category,
		"difficulty":       q.Difficulty,
		"created_at":       q.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func evalQueryFromRecord(rec *neo4j.Record) (domain.EvalQuery, error) {
	node, _, err := neo4j.GetRecordValue[dbtype.Node](rec, "n")
	if err != nil {
		return domain.EvalQuery{}, err
	}
	return evalQueryFromProps(node.Props), nil
}

func evalQueryFromProps(props map[string]any) domain.EvalQuery {
	return domain.EvalQuery{
		ID:              strProp(props, "id"),
		TenantSlug:      strProp(props, "tenant_slug"),
		Question:        strProp(props, "question"),
		ExpectedSources: strSliceProp(props, "expected_sources"),
		Category:        strProp(props, "category"),
		Difficulty:      strProp(props, "difficulty"),
		CreatedAt:       timeProp(props, "created_at"),
	}
}

func evalRunToMap(r domain.EvalRun) map[string]any {
	return map[string]any{
		"id":                   r.ID,
		"tenant_slug":          r.TenantSlug,
		"run_at":               r.RunAt.UTC().Format(time.RFC3339Nano),
		"total_queries":        int64(r.TotalQueries),
		"ndcg_at_5":            r.NDCGAt5,
		"hit_at_5":             r.HitAt5,
		"avg_response_time_ms": r.AvgResponseMs,
	}
}

func evalRunFromProps(props map[string]any) domain.EvalRun {
	return domain.EvalRun{
		ID:            strProp(props, "id"),
		TenantSlug:    strProp(props, "tenant_slug"),
		RunAt:         timeProp(props, "run_at"),
		TotalQueries:  intProp(props, "total_queries"),
		NDCGAt5:       floatProp(props, "ndcg_at_5"),
		HitAt5:        floatProp(props, "hit_at_5"),
		AvgResponseMs: int64(intProp(props, "avg_response_time_ms")),
	}
}

func strProp(props map[string]any, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intProp(props map[string]any, key string) int {
	switch v := props[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

func timeProp(props map[string]any, key string) time.Time {
	if s := strProp(props, key); s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func strSliceProp(props map[string]any, key string) []string {
	raw, ok := props[key].([]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
