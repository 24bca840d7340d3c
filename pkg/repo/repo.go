// Package repo provides a generic Neo4j-backed entity repository used by the
// catalog for tenants and evaluation queries.
package repo

import "context"

// Repository is the CRUD surface an entity store exposes.
type Repository[T any, ID comparable] interface {
	Get(ctx context.Context, id ID) (T, error)
	List(ctx context.Context, opts ListOpts) ([]T, error)
	Create(ctx context.Context, entity T) (T, error)
	Update(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id ID) error
}

// ListOpts paginates and filters List calls. A zero Limit falls back to the
// repository default.
type ListOpts struct {
	Offset int
	Limit  int
	Filter map[string]any
}
