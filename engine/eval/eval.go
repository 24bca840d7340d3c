// Package eval replays labeled evaluation queries against the retrieval
// engine and aggregates retrieval-quality metrics. It runs off the request
// path, on demand or on a schedule.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/isuwiki/isuwiki/engine/domain"
	"github.com/isuwiki/isuwiki/engine/rag"
	"github.com/isuwiki/isuwiki/engine/semantic"
	"github.com/isuwiki/isuwiki/pkg/fn"
)

// DefaultWorkers bounds concurrent query replays.
const DefaultWorkers = 4

// Retriever is the slice of the retrieval engine the runner replays against.
type Retriever interface {
	Retrieve(ctx context.Context, req rag.RetrieveRequest) ([]semantic.SearchResult, error)
}

// QueryStore loads the labeled query set and persists run results.
type QueryStore interface {
	ListEvalQueries(ctx context.Context, tenantSlug string) ([]domain.EvalQuery, error)
	SaveEvalRun(ctx context.Context, r domain.EvalRun) error
}

// Runner replays evaluation queries.
type Runner struct {
	retriever Retriever
	store     QueryStore
	workers   int
	log       *slog.Logger
}

// New creates a Runner.
func New(retriever Retriever, store QueryStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{retriever: retriever, store: store, workers: DefaultWorkers, log: logger}
}

// queryOutcome is the per-query measurement of one replay.
type queryOutcome struct {
	hit       bool
	ndcg      float64
	elapsedMs int64
}

// Run replays a tenant's query set, persists the aggregate metrics, and
// returns them.
func (r *Runner) Run(ctx context.Context, tenantSlug string) (domain.EvalRun, error) {
	queries, err := r.store.ListEvalQueries(ctx, tenantSlug)
	if err != nil {
		return domain.EvalRun{}, fmt.Errorf("eval: load queries: %w", err)
	}
	if len(queries) == 0 {
		return domain.EvalRun{}, fmt.Errorf("eval: tenant %s: %w", tenantSlug, domain.ErrNotFound)
	}

	results := fn.ParMapResult(queries, r.workers, func(q domain.EvalQuery) fn.Result[queryOutcome] {
		return r.replay(ctx, q)
	})

	run := domain.EvalRun{
		ID:           uuid.NewString(),
		TenantSlug:   tenantSlug,
		RunAt:        time.Now().UTC(),
		TotalQueries: len(queries),
	}
	var hits, ndcgSum float64
	var elapsedSum int64
	scored := 0
	for i, res := range results {
		outcome, err := res.Unwrap()
		if err != nil {
			r.log.Warn("eval: query replay failed", "query_id", queries[i].ID, "error", err)
			continue
		}
		scored++
		if outcome.hit {
			hits++
		}
		ndcgSum += outcome.ndcg
		elapsedSum += outcome.elapsedMs
	}
	if scored > 0 {
		run.HitAt5 = hits / float64(scored)
		run.NDCGAt5 = ndcgSum / float64(scored)
		run.AvgResponseMs = elapsedSum / int64(scored)
	}

	if err := r.store.SaveEvalRun(ctx, run); err != nil {
		return domain.EvalRun{}, fmt.Errorf("eval: save run: %w", err)
	}
	r.log.Info("eval: run complete",
		"tenant", tenantSlug,
		"queries", run.TotalQueries,
		"hit_at_5", run.HitAt5,
		"ndcg_at_5", run.NDCGAt5,
	)
	return run, nil
}

func (r *Runner) replay(ctx context.Context, q domain.EvalQuery) fn.Result[queryOutcome] {
	start := time.Now()
	hits, err := r.retriever.Retrieve(ctx, rag.RetrieveRequest{
		TenantSlug: q.TenantSlug,
		Query:      q.Question,
	})
	if err != nil {
		return fn.Err[queryOutcome](err)
	}

	retrieved := make([]string, len(hits))
	for i, h := range hits {
		retrieved[i] = h.DocID
	}
	return fn.Ok(queryOutcome{
		hit:       HitAtK(retrieved, q.ExpectedSources),
		ndcg:      NDCGAtK(retrieved, q.ExpectedSources),
		elapsedMs: time.Since(start).Milliseconds(),
	})
}

// HitAtK reports whether any retrieved document is among the expected
// sources.
func HitAtK(retrieved, expected []string) bool {
	want := make(map[string]bool, len(expected))
	for _, e := range expected {
		want[e] = true
	}
	for _, id := range retrieved {
		if want[id] {
			return true
		}
	}
	return false
}

// NDCGAtK is a simplified rank-quality measure: each expected document found
// at rank i contributes 1/(i+1), summed over the retrieved list. Not
// normalized against an ideal ordering; comparable only across runs of the
// same query set.
func NDCGAtK(retrieved, expected []string) float64 {
	want := make(map[string]bool, len(expected))
	for _, e := range expected {
		want[e] = true
	}
	var sum float64
	for i, id := range retrieved {
		if want[id] {
			sum += 1 / float64(i+1)
		}
	}
	return sum
}
