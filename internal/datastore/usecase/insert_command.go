package usecase

import (
	"context"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/datastore/domain/repository"
	"gcloud-connector/internal/datastore/domain/service"
	"gcloud-connector/internal/shared/errors"
	"gcloud-connector/internal/shared/logger"
)

// InsertCommand writes new entities. Keys are completed before the write so
// unique markers can name their owner, explicit integer IDs are reserved
// against the allocator, and an existing entity under the same key fails the
// whole batch.
type InsertCommand struct {
	backend   repository.Backend
	cache     repository.EntityCache
	uniques   *service.UniqueMarkerService
	publisher repository.EventPublisher
	log       logger.Logger
}

func NewInsertCommand(
	backend repository.Backend,
	cache repository.EntityCache,
	uniques *service.UniqueMarkerService,
	publisher repository.EventPublisher,
	log logger.Logger,
) *InsertCommand {
	if log == nil {
		log = logger.NewLogger()
	}
	return &InsertCommand{
		backend:   backend,
		cache:     cache,
		uniques:   uniques,
		publisher: publisherOrNoop(publisher),
		log:       log,
	}
}

// Execute inserts a batch atomically and returns the final keys in order.
func (c *InsertCommand) Execute(ctx context.Context, entities []*model.Entity) ([]model.Key, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	if len(entities) > TransactionEntityLimit {
		return nil, errors.NewTransactionError("insert batch exceeds the transaction entity limit").
			WithDetail("entities", len(entities)).
			WithDetail("limit", TransactionEntityLimit)
	}
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}

	prepared, err := c.completeKeys(ctx, entities)
	if err != nil {
		return nil, err
	}

	// Markers go first, each in its own transaction, so a collision is
	// detected before anything is written.
	var acquired []model.Key
	if c.uniques != nil {
		// Duplicates within the batch would silently reclaim each other's
		// markers, since their owners are not written yet.
		claimed := make(map[string]string)
		for _, e := range prepared {
			for _, markerKey := range c.uniques.MarkerKeys(e) {
				marker := markerKey.Encode()
				if owner, ok := claimed[marker]; ok && owner != e.Key.Encode() {
					return nil, errors.NewIntegrityError("batch contains duplicate unique values").
						WithCode("UNIQUE_CONSTRAINT").
						WithCause(errors.ErrUniqueConstraint).
						WithDetail("marker", markerKey.NameValue())
				}
				claimed[marker] = e.Key.Encode()
			}
		}
		for _, e := range prepared {
			markers, err := c.uniques.Acquire(ctx, e)
			if err != nil {
				c.uniques.Release(ctx, acquired)
				return nil, err
			}
			acquired = append(acquired, markers...)
		}
	}

	keys := make([]model.Key, len(prepared))
	err = c.backend.RunInTransaction(ctx, func(ctx context.Context, tx repository.Backend) error {
		lookup := make([]model.Key, len(prepared))
		for i, e := range prepared {
			lookup[i] = e.Key
		}
		existing, err := tx.GetMulti(ctx, lookup)
		if err != nil {
			return err
		}
		for i, found := range existing {
			if found != nil {
				return errors.NewIntegrityError("entity already exists").
					WithCode("ENTITY_EXISTS").
					WithDetail("key", prepared[i].Key.Encode())
			}
		}
		written, err := tx.PutMulti(ctx, prepared)
		if err != nil {
			return err
		}
		copy(keys, written)
		return nil
	})
	if err != nil {
		if c.uniques != nil {
			c.uniques.Release(ctx, acquired)
		}
		return nil, err
	}

	if cacheUsable(ctx, c.cache) {
		c.cache.Invalidate(ctx, keys...)
		if c.uniques != nil {
			for _, e := range prepared {
				for _, marker := range c.uniques.MarkerKeys(e) {
					c.cache.SetRef(ctx, marker, e.Key)
				}
			}
		}
	}
	for _, key := range keys {
		c.publisher.PublishEntityCreated(ctx, key)
	}
	return keys, nil
}

// completeKeys resolves every key before the write: incomplete keys draw
// from the allocator, explicit integer IDs are reserved so the allocator
// never hands them out again.
func (c *InsertCommand) completeKeys(ctx context.Context, entities []*model.Entity) ([]*model.Entity, error) {
	type allocation struct {
		incomplete []int
		reserved   []int64
	}
	scopes := make(map[string]*allocation)
	scopeOf := func(key model.Key) *allocation {
		id := key.Namespace + "|" + key.Kind()
		if scopes[id] == nil {
			scopes[id] = &allocation{}
		}
		return scopes[id]
	}

	prepared := make([]*model.Entity, len(entities))
	for i, e := range entities {
		prepared[i] = e.Clone()
		scope := scopeOf(e.Key)
		if e.Key.Incomplete() {
			scope.incomplete = append(scope.incomplete, i)
		} else if id := e.Key.IntIDValue(); id != 0 {
			scope.reserved = append(scope.reserved, id)
		}
	}

	for scopeID, scope := range scopes {
		namespace, kind := splitScope(scopeID)
		if len(scope.reserved) > 0 {
			if err := c.backend.ReserveIDs(ctx, namespace, kind, scope.reserved); err != nil {
				return nil, err
			}
		}
		if len(scope.incomplete) > 0 {
			ids, err := c.backend.AllocateIDs(ctx, namespace, kind, len(scope.incomplete))
			if err != nil {
				return nil, err
			}
			for j, idx := range scope.incomplete {
				key := prepared[idx].Key
				prepared[idx].Key = key.Parent().IntID(key.Kind(), ids[j])
			}
		}
	}
	return prepared, nil
}

func splitScope(scopeID string) (namespace, kind string) {
	for i := 0; i < len(scopeID); i++ {
		if scopeID[i] == '|' {
			return scopeID[:i], scopeID[i+1:]
		}
	}
	return "", scopeID
}
