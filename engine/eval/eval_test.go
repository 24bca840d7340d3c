package eval

import (
	"context"
	"errors"
	"testing"

	"github.com/isuwiki/isuwiki/engine/domain"
	"github.com/isuwiki/isuwiki/engine/rag"
	"github.com/isuwiki/isuwiki/engine/semantic"
)

type fakeRetriever struct {
	byQuestion map[string][]string // question -> retrieved doc IDs
	err        error
}

func (f *fakeRetriever) Retrieve(_ context.Context, req rag.RetrieveRequest) ([]semantic.SearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []semantic.SearchResult
	for _, id := range f.byQuestion[req.Query] {
		out = append(out, semantic.SearchResult{DocID: id})
	}
	return out, nil
}

type fakeStore struct {
	queries []domain.EvalQuery
	listErr error
	saved   []domain.EvalRun
}

func (f *fakeStore) ListEvalQueries(_ context.Context, _ string) ([]domain.EvalQuery, error) {
	return f.queries, f.listErr
}

func (f *fakeStore) SaveEvalRun(_ context.Context, r domain.EvalRun) error {
	f.saved = append(f.saved, r)
	return nil
}

func TestHitAtK(t *testing.T) {
	if !HitAtK([]string{"a", "b"}, []string{"b"}) {
		t.Error("expected hit")
	}
	if HitAtK([]string{"a", "b"}, []string{"c"}) {
		t.Error("unexpected hit")
	}
	if HitAtK(nil, []string{"c"}) {
		t.Error("empty retrieval cannot hit")
	}
}

func TestNDCGAtK(t *testing.T) {
	tests := []struct {
		name      string
		retrieved []string
		expected  []string
		want      float64
	}{
		{"first rank", []string{"a", "b"}, []string{"a"}, 1.0},
		{"second rank", []string{"x", "a"}, []string{"a"}, 0.5},
		{"two matches", []string{"a", "x", "b"}, []string{"a", "b"}, 1.0 + 1.0/3},
		{"no matches", []string{"x", "y"}, []string{"a"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NDCGAtK(tt.retrieved, tt.expected)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("NDCGAtK = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRunAggregatesMetrics(t *testing.T) {
	store := &fakeStore{queries: []domain.EvalQuery{
		{ID: "q1", TenantSlug: "acme", Question: "pregunta uno", ExpectedSources: []string{"d1"}},
		{ID: "q2", TenantSlug: "acme", Question: "pregunta dos", ExpectedSources: []string{"d9"}},
	}}
	retriever := &fakeRetriever{byQuestion: map[string][]string{
		"pregunta uno": {"d1", "d2"}, // hit at rank 1
		"pregunta dos": {"d3", "d4"}, // miss
	}}

	run, err := New(retriever, store, nil).Run(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if run.TotalQueries != 2 {
		t.Errorf("total = %d", run.TotalQueries)
	}
	if run.HitAt5 != 0.5 {
		t.Errorf("hit@5 = %v, want 0.5", run.HitAt5)
	}
	if run.NDCGAt5 != 0.5 {
		t.Errorf("ndcg = %v, want 0.5", run.NDCGAt5)
	}
	if len(store.saved) != 1 {
		t.Fatalf("saved %d runs, want 1", len(store.saved))
	}
	if store.saved[0].ID != run.ID {
		t.Error("persisted run differs from returned run")
	}
}

func TestRunWithNoQueries(t *testing.T) {
	r := New(&fakeRetriever{}, &fakeStore{}, nil)
	if _, err := r.Run(context.Background(), "acme"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want %v", err, domain.ErrNotFound)
	}
}

func TestRunSkipsFailedReplays(t *testing.T) {
	store := &fakeStore{queries: []domain.EvalQuery{
		{ID: "q1", TenantSlug: "acme", Question: "pregunta uno", ExpectedSources: []string{"d1"}},
	}}
	retriever := &fakeRetriever{err: errors.New("search down")}

	run, err := New(retriever, store, nil).Run(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.HitAt5 != 0 || run.NDCGAt5 != 0 {
		t.Errorf("failed replays must not score: %+v", run)
	}
	if run.TotalQueries != 1 {
		t.Errorf("total = %d", run.TotalQueries)
	}
}
