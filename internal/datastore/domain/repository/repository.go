package repository

import (
	"context"

	"gcloud-connector/internal/datastore/domain/model"
)

// EntityStore is the key-addressed half of a backend.
type EntityStore interface {
	// GetMulti fetches entities by key. The result is positional: missing
	// entities leave a nil slot.
	GetMulti(ctx context.Context, keys []model.Key) ([]*model.Entity, error)

	// PutMulti writes entities, completing incomplete keys, and returns
	// the final keys in order.
	PutMulti(ctx context.Context, entities []*model.Entity) ([]model.Key, error)

	// DeleteMulti removes entities by key. Missing keys are not an error.
	DeleteMulti(ctx context.Context, keys []model.Key) error

	// AllocateIDs hands out n integer IDs for a kind that no future
	// automatic allocation will reuse.
	AllocateIDs(ctx context.Context, namespace, kind string, n int) ([]int64, error)

	// ReserveIDs marks explicit integer IDs as used so automatic
	// allocation skips past them.
	ReserveIDs(ctx context.Context, namespace, kind string, ids []int64) error
}

// QueryEngine evaluates normalized single-branch queries. Branches only carry
// native operators; composite operator expansion happens above the backend.
type QueryEngine interface {
	RunQuery(ctx context.Context, q *model.Query) ([]*model.Entity, error)
	Count(ctx context.Context, q *model.Query) (int64, error)
}

// Transactor runs a function atomically. The callback receives a backend
// bound to the transaction; context cancellation aborts it.
type Transactor interface {
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Backend) error) error
}

// Backend is the full persistence port a connector drives.
type Backend interface {
	EntityStore
	QueryEngine
	Transactor

	Close(ctx context.Context) error
}

// EntityCache holds entities fetched by key. Implementations are best-effort:
// misses and failures fall through to the backend.
type EntityCache interface {
	Get(ctx context.Context, key model.Key) (*model.Entity, bool)
	Set(ctx context.Context, entities ...*model.Entity)

	// Identifier records map a unique value combination, through its
	// marker key, to the key of the entity holding it.
	GetRef(ctx context.Context, identifier model.Key) (model.Key, bool)
	SetRef(ctx context.Context, identifier, owner model.Key)

	// Invalidate drops the entity and identifier records of every key.
	Invalidate(ctx context.Context, keys ...model.Key)
}

// EventPublisher decouples entity lifecycle notifications from the commands
// that produce them.
type EventPublisher interface {
	PublishEntityCreated(ctx context.Context, key model.Key)
	PublishEntityUpdated(ctx context.Context, key model.Key)
	PublishEntityDeleted(ctx context.Context, key model.Key)
	PublishKindFlushed(ctx context.Context, namespace, kind string)
}
