package usecase

import (
	"context"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/datastore/domain/repository"
	"gcloud-connector/internal/datastore/domain/service"
	"gcloud-connector/internal/shared/errors"
	"gcloud-connector/internal/shared/logger"
)

// flushBatchSize is how many keys one flush pass removes.
const flushBatchSize = 500

// DeleteCommand removes the entities a query matches. Polymorphic entities
// targeted through a child class are demoted instead of removed: the class
// and its descendants are stripped from the hierarchy and the entity is
// rewritten.
type DeleteCommand struct {
	backend   repository.Backend
	cache     repository.EntityCache
	uniques   *service.UniqueMarkerService
	selects   *SelectCommand
	publisher repository.EventPublisher
	log       logger.Logger
}

func NewDeleteCommand(
	backend repository.Backend,
	cache repository.EntityCache,
	uniques *service.UniqueMarkerService,
	selects *SelectCommand,
	publisher repository.EventPublisher,
	log logger.Logger,
) *DeleteCommand {
	if log == nil {
		log = logger.NewLogger()
	}
	return &DeleteCommand{
		backend:   backend,
		cache:     cache,
		uniques:   uniques,
		selects:   selects,
		publisher: publisherOrNoop(publisher),
		log:       log,
	}
}

// Execute deletes what q matches. class, when set, names the polymorphic
// class being deleted; entities whose hierarchy roots elsewhere are demoted.
func (c *DeleteCommand) Execute(ctx context.Context, q *model.Query, class string) (*DeleteResult, error) {
	keys, err := c.matchingKeys(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return &DeleteResult{}, nil
	}

	// Marker mutations ride in the same transaction, so the batch limit
	// shrinks when the kind carries unique constraints.
	maxBatch := TransactionEntityLimit
	if c.uniques != nil {
		if perEntity := c.uniques.MarkersPerEntity(q.Kind); perEntity > 0 {
			maxBatch = TransactionEntityLimit / (1 + perEntity)
		}
	}
	if len(keys) > maxBatch {
		return nil, errors.NewIntegrityError("bulk delete exceeds the transaction entity limit").
			WithCode("BULK_DELETE_LIMIT").
			WithDetail("entities", len(keys)).
			WithDetail("limit", maxBatch)
	}

	result := &DeleteResult{}
	if err := c.deleteBatch(ctx, keys, class, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *DeleteCommand) matchingKeys(ctx context.Context, q *model.Query) ([]model.Key, error) {
	keysQuery := *q
	keysQuery.KeysOnly = true
	keysQuery.Projection = nil
	keysQuery.Distinct = false
	keysQuery.Aggregation = model.AggregationEntities
	keysQuery.ComputedColumns = nil

	found, err := c.selects.Execute(ctx, &keysQuery)
	if err != nil {
		return nil, err
	}
	keys := make([]model.Key, len(found.Entities))
	for i, e := range found.Entities {
		keys[i] = e.Key
	}
	return keys, nil
}

func (c *DeleteCommand) deleteBatch(ctx context.Context, keys []model.Key, class string, result *DeleteResult) error {
	var releasedMarkers []model.Key
	var deletedKeys, demotedKeys []model.Key

	err := c.backend.RunInTransaction(ctx, func(ctx context.Context, tx repository.Backend) error {
		releasedMarkers = releasedMarkers[:0]
		deletedKeys = deletedKeys[:0]
		demotedKeys = demotedKeys[:0]

		entities, err := tx.GetMulti(ctx, keys)
		if err != nil {
			return err
		}

		var toDelete []model.Key
		var toRewrite []*model.Entity
		for _, e := range entities {
			if e == nil {
				continue
			}
			if demoted, ok := demote(e, class); ok {
				toRewrite = append(toRewrite, demoted)
				demotedKeys = append(demotedKeys, e.Key)
				continue
			}
			toDelete = append(toDelete, e.Key)
			deletedKeys = append(deletedKeys, e.Key)
			if c.uniques != nil {
				releasedMarkers = append(releasedMarkers, c.uniques.MarkerKeys(e)...)
			}
		}

		if len(toDelete) > 0 {
			if err := tx.DeleteMulti(ctx, toDelete); err != nil {
				return err
			}
		}
		if len(toRewrite) > 0 {
			if _, err := tx.PutMulti(ctx, toRewrite); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if c.uniques != nil {
		c.uniques.Release(ctx, releasedMarkers)
	}
	if cacheUsable(ctx, c.cache) {
		c.cache.Invalidate(ctx, keys...)
		c.cache.Invalidate(ctx, releasedMarkers...)
	}
	for _, key := range deletedKeys {
		c.publisher.PublishEntityDeleted(ctx, key)
	}
	for _, key := range demotedKeys {
		c.publisher.PublishEntityUpdated(ctx, key)
	}
	result.Deleted += int64(len(deletedKeys))
	result.Demoted += int64(len(demotedKeys))
	return nil
}

// demote strips class and everything below it from a polymorphic entity's
// hierarchy. It reports false when the entity should be deleted outright:
// plain entities, hierarchies rooted at class, or hierarchies that don't
// contain it.
func demote(e *model.Entity, class string) (*model.Entity, bool) {
	if class == "" || len(e.Classes) == 0 || e.Classes[0] == class {
		return nil, false
	}
	at := -1
	for i, name := range e.Classes {
		if name == class {
			at = i
			break
		}
	}
	if at <= 0 {
		return nil, false
	}
	demoted := e.Clone()
	demoted.Classes = demoted.Classes[:at]
	demoted.Set(model.ClassProperty, classList(demoted.Classes))
	return demoted, true
}

func classList(classes []string) []interface{} {
	values := make([]interface{}, len(classes))
	for i, name := range classes {
		values[i] = name
	}
	return values
}

// Flush wipes a kind in batches, then sweeps its unique markers through a
// key range on the marker kind.
func (c *DeleteCommand) Flush(ctx context.Context, namespace, kind string) (int64, error) {
	total, err := c.flushKind(ctx, namespace, kind, nil)
	if err != nil {
		return total, err
	}

	if kind != service.MarkerKind {
		lower := model.NewKey(namespace).StringID(service.MarkerKind, kind+"|")
		upper := model.NewKey(namespace).StringID(service.MarkerKind, kind+"}")
		markerRange := model.And(
			model.Where(model.KeyProperty, model.OperatorGreaterThanOrEqual, lower),
			model.Where(model.KeyProperty, model.OperatorLessThan, upper),
		)
		if _, err := c.flushKind(ctx, namespace, service.MarkerKind, &markerRange); err != nil {
			return total, err
		}
	}

	c.publisher.PublishKindFlushed(ctx, namespace, kind)
	return total, nil
}

func (c *DeleteCommand) flushKind(ctx context.Context, namespace, kind string, filter *model.Filter) (int64, error) {
	var total int64
	for {
		q := model.NewQuery(namespace, kind)
		q.KeysOnly = true
		q.Limit = flushBatchSize
		q.Filter = filter

		batch, err := c.backend.RunQuery(ctx, q)
		if err != nil {
			return total, err
		}
		if len(batch) == 0 {
			return total, nil
		}

		keys := make([]model.Key, len(batch))
		for i, e := range batch {
			keys[i] = e.Key
		}
		if err := c.backend.DeleteMulti(ctx, keys); err != nil {
			return total, err
		}
		if cacheUsable(ctx, c.cache) {
			c.cache.Invalidate(ctx, keys...)
		}
		total += int64(len(keys))
	}
}
