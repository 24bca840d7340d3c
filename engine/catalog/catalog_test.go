package catalog

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/isuwiki/isuwiki/engine/domain"
)

func TestDocumentPropsRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	doc := domain.Document{
		ID:         "doc-1",
		TenantSlug: "acme",
		Scope:      domain.ScopeClientSpecific,
		Type:       domain.TypeIncident,
		System:     "IS-U",
		Topic:      "billing",
		Tcodes:     []string{"EC85", "EC86"},
		Tables:     []string{"EABL"},
		Title:      "Factura bloqueada",
		RootCause:  "lectura pendiente",
		Steps:      []string{"revisar EABL", "liberar orden"},
		Risks:      []string{"doble facturacion"},
		Tags:       []string{"urgente"},
		Source:     "wiki-import",
		Version:    2,
		Hash:       "abc123",
		CreatedAt:  now,
		UpdatedAt:  now.Add(time.Hour),
		CreatedBy:  "u-7",
	}

	got := docFromProps(normalize(docToMap(doc)))
	if !reflect.DeepEqual(got, doc) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, doc)
	}
}

func TestChunkPropsRoundTrip(t *testing.T) {
	c := domain.Chunk{
		ID:         "doc-1_0",
		DocumentID: "doc-1",
		Index:      0,
		Content:    "primer fragmento",
		TokenCount: 2,
		PointID:    "doc-1_0",
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	got := chunkFromProps(normalize(chunkToMap(c)))
	if !reflect.DeepEqual(got, c) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, c)
	}
}

func TestEvalRunPropsRoundTrip(t *testing.T) {
	r := domain.EvalRun{
		ID:            "run-1",
		TenantSlug:    "acme",
		RunAt:         time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		TotalQueries:  12,
		NDCGAt5:       0.83,
		HitAt5:        0.75,
		AvgResponseMs: 420,
	}
	got := evalRunFromProps(normalize(evalRunToMap(r)))
	if !reflect.DeepEqual(got, r) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, r)
	}
}

func TestIsConstraintViolation(t *testing.T) {
	neoErr := &neo4j.Neo4jError{
		Code: "Neo.ClientError.Schema.ConstraintValidationFailed",
		Msg:  "node already exists",
	}
	if !isConstraintViolation(neoErr) {
		t.Error("expected constraint code to be recognised")
	}
	if !isConstraintViolation(fmt.Errorf("run: %w", neoErr)) {
		t.Error("expected wrapped constraint error to be recognised")
	}
	if isConstraintViolation(errors.New("connection refused")) {
		t.Error("plain error misclassified as constraint violation")
	}
}

// normalize mimics what the driver returns: node properties keep their Go
// types except that empty string slices come back absent.
func normalize(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		if list, ok := v.([]any); ok && len(list) == 0 {
			continue
		}
		out[k] = v
	}
	return out
}
