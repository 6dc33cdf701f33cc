package usecase

import (
	"context"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/datastore/domain/repository"
	"gcloud-connector/internal/shared/utils"
)

// TransactionEntityLimit is the most entities one transaction may touch.
// Writes that also maintain unique markers shrink their batches so entity
// plus marker mutations stay under it together.
const TransactionEntityLimit = 500

// SelectResult is what a query execution returns. Entities is populated for
// entity and projection queries, Count for COUNT aggregations.
type SelectResult struct {
	Entities []*model.Entity
	Count    int64
}

// DeleteResult reports what a delete touched.
type DeleteResult struct {
	Deleted int64
	// Demoted counts polymorphic entities that lost a class instead of
	// being removed.
	Demoted int64
}

// noopPublisher stands in when no event bus is wired.
type noopPublisher struct{}

func (noopPublisher) PublishEntityCreated(ctx context.Context, key model.Key) {}
func (noopPublisher) PublishEntityUpdated(ctx context.Context, key model.Key) {}
func (noopPublisher) PublishEntityDeleted(ctx context.Context, key model.Key) {}
func (noopPublisher) PublishKindFlushed(ctx context.Context, namespace, kind string) {}

func publisherOrNoop(p repository.EventPublisher) repository.EventPublisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}

// cacheUsable reports whether the entity cache may serve this context.
// Transactions bypass it so reads stay inside the snapshot.
func cacheUsable(ctx context.Context, cache repository.EntityCache) bool {
	return cache != nil && !utils.InTransaction(ctx)
}
