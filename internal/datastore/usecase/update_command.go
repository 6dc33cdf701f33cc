package usecase

import (
	"context"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/datastore/domain/repository"
	"gcloud-connector/internal/datastore/domain/service"
	"gcloud-connector/internal/shared/errors"
	"gcloud-connector/internal/shared/logger"
)

// UpdateCommand rewrites an existing entity as a transactional
// read-modify-write. Markers for changed unique values are acquired before
// the write commits and the superseded markers are released after it.
type UpdateCommand struct {
	backend   repository.Backend
	cache     repository.EntityCache
	uniques   *service.UniqueMarkerService
	publisher repository.EventPublisher
	log       logger.Logger
}

func NewUpdateCommand(
	backend repository.Backend,
	cache repository.EntityCache,
	uniques *service.UniqueMarkerService,
	publisher repository.EventPublisher,
	log logger.Logger,
) *UpdateCommand {
	if log == nil {
		log = logger.NewLogger()
	}
	return &UpdateCommand{
		backend:   backend,
		cache:     cache,
		uniques:   uniques,
		publisher: publisherOrNoop(publisher),
		log:       log,
	}
}

// Execute replaces the stored entity with e. The key must be complete and
// the entity must already exist.
func (c *UpdateCommand) Execute(ctx context.Context, e *model.Entity) error {
	if e.Key.Incomplete() {
		return errors.NewValidationError("updates require a complete key").
			WithCause(errors.ErrIncompleteKey)
	}
	if err := e.Validate(); err != nil {
		return err
	}

	var newlyAcquired, toRelease []model.Key
	err := c.backend.RunInTransaction(ctx, func(ctx context.Context, tx repository.Backend) error {
		existing, err := tx.GetMulti(ctx, []model.Key{e.Key})
		if err != nil {
			return err
		}
		if existing[0] == nil {
			return errors.NewNotFoundError("entity").
				WithDetail("key", e.Key.Encode()).
				WithCause(errors.ErrEntityNotFound)
		}

		if c.uniques != nil {
			oldMarkers := c.uniques.MarkerKeys(existing[0])
			newMarkers := c.uniques.MarkerKeys(e)
			var toAcquire []model.Key
			toAcquire, toRelease = service.DiffMarkers(oldMarkers, newMarkers)

			// Markers are claimed outside the transaction, each one
			// atomically on its own; they are rolled back below if
			// this transaction fails.
			acquired, err := c.uniques.AcquireKeys(ctx, e.Key, toAcquire)
			if err != nil {
				return err
			}
			newlyAcquired = acquired
		}

		_, err = tx.PutMulti(ctx, []*model.Entity{e})
		return err
	})
	if err != nil {
		if c.uniques != nil {
			c.uniques.Release(ctx, newlyAcquired)
		}
		return err
	}

	if c.uniques != nil {
		c.uniques.Release(ctx, toRelease)
	}
	if cacheUsable(ctx, c.cache) {
		c.cache.Invalidate(ctx, e.Key)
		if c.uniques != nil {
			c.cache.Invalidate(ctx, toRelease...)
			for _, marker := range c.uniques.MarkerKeys(e) {
				c.cache.SetRef(ctx, marker, e.Key)
			}
		}
	}
	c.publisher.PublishEntityUpdated(ctx, e.Key)
	return nil
}
