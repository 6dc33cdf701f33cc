package usecase

import (
	"context"

	"golang.org/x/sync/errgroup"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/datastore/domain/repository"
	"gcloud-connector/internal/datastore/domain/service"
	"gcloud-connector/internal/shared/logger"
)

// maxConcurrentBranches bounds the fan-out when a normalized query runs its
// branches in parallel.
const maxConcurrentBranches = 10

// SelectCommand executes queries: it normalizes the filter tree, picks the
// cheapest execution strategy and runs the result pipeline.
//
// Strategies, in order of preference:
//   - key lookup, when every branch is key equalities
//   - unique marker lookup, when a branch matches a unique combination
//   - parallel branch queries merged in memory
type SelectCommand struct {
	backend    repository.Backend
	cache      repository.EntityCache
	normalizer *service.QueryNormalizer
	uniques    *service.UniqueMarkerService
	log        logger.Logger
}

func NewSelectCommand(
	backend repository.Backend,
	cache repository.EntityCache,
	normalizer *service.QueryNormalizer,
	uniques *service.UniqueMarkerService,
	log logger.Logger,
) *SelectCommand {
	if log == nil {
		log = logger.NewLogger()
	}
	return &SelectCommand{
		backend:    backend,
		cache:      cache,
		normalizer: normalizer,
		uniques:    uniques,
		log:        log,
	}
}

func (c *SelectCommand) Execute(ctx context.Context, q *model.Query) (*SelectResult, error) {
	nq, err := c.normalizer.Normalize(q)
	if err != nil {
		return nil, err
	}
	if nq.Impossible {
		return &SelectResult{Entities: []*model.Entity{}}, nil
	}

	// Ancestor constraints only apply inside backend queries, so they
	// disable the lookup fast paths.
	var entities []*model.Entity
	if keys, ok := nq.KeyLookup(); ok && q.Ancestor == nil {
		entities, err = c.byKeys(ctx, keys)
		if err == nil {
			entities = filterByBranches(entities, nq.Branches)
		}
	} else if markerKey, ok := c.markerLookup(nq); ok {
		entities, err = c.byMarker(ctx, nq, markerKey)
	} else if q.Aggregation == model.AggregationCount && c.countPushdown(nq) {
		return c.countDirect(ctx, nq)
	} else {
		entities, err = c.byBranches(ctx, nq)
	}
	if err != nil {
		return nil, err
	}
	return c.finish(nq, entities)
}

func (c *SelectCommand) markerLookup(nq *service.NormalizedQuery) (model.Key, bool) {
	if c.uniques == nil || len(nq.Branches) != 1 || nq.Source.Ancestor != nil {
		return model.Key{}, false
	}
	values, ok := nq.Branches[0].EqualityValues()
	if !ok || len(values) == 0 {
		return model.Key{}, false
	}
	return c.uniques.MarkerKeyForValues(nq.Source.Namespace, nq.Source.Kind, values)
}

// byKeys resolves key-equality queries as direct lookups, serving from the
// entity cache outside transactions.
func (c *SelectCommand) byKeys(ctx context.Context, keys []model.Key) ([]*model.Entity, error) {
	entities := make([]*model.Entity, 0, len(keys))

	var misses []model.Key
	if cacheUsable(ctx, c.cache) {
		for _, key := range keys {
			if e, ok := c.cache.Get(ctx, key); ok {
				entities = append(entities, e)
				continue
			}
			misses = append(misses, key)
		}
	} else {
		misses = keys
	}

	if len(misses) > 0 {
		fetched, err := c.backend.GetMulti(ctx, misses)
		if err != nil {
			return nil, err
		}
		var hits []*model.Entity
		for _, e := range fetched {
			if e != nil {
				hits = append(hits, e)
			}
		}
		if cacheUsable(ctx, c.cache) {
			c.cache.Set(ctx, hits...)
		}
		entities = append(entities, hits...)
	}
	return entities, nil
}

// byMarker resolves a unique combination through its marker: one get for the
// marker, one for the owning entity. Cached identifier records skip the
// marker read entirely.
func (c *SelectCommand) byMarker(ctx context.Context, nq *service.NormalizedQuery, markerKey model.Key) ([]*model.Entity, error) {
	if cacheUsable(ctx, c.cache) {
		if owner, ok := c.cache.GetRef(ctx, markerKey); ok {
			entities, err := c.byKeys(ctx, []model.Key{owner})
			if err != nil {
				return nil, err
			}
			if len(entities) == 1 && entityMatchesBranch(entities[0], nq.Branches[0]) {
				return entities, nil
			}
			// Stale record, the marker itself decides.
			c.cache.Invalidate(ctx, markerKey)
		}
	}

	markers, err := c.backend.GetMulti(ctx, []model.Key{markerKey})
	if err != nil {
		return nil, err
	}
	if markers[0] == nil {
		return nil, nil
	}
	holder := service.MarkerHolder(markers[0])
	if holder == "" {
		return nil, nil
	}
	entityKey, err := model.DecodeKey(holder)
	if err != nil {
		c.log.WithFields(map[string]interface{}{
			"marker": markerKey.NameValue(),
		}).Warn("Unique marker holds an unreadable key, falling back to branch queries")
		return c.byBranches(ctx, nq)
	}

	entities, err := c.byKeys(ctx, []model.Key{entityKey})
	if err != nil {
		return nil, err
	}
	// Hashed marker identifiers can collide; trust the entity, not the
	// marker.
	if len(entities) == 1 && entityMatchesBranch(entities[0], nq.Branches[0]) {
		if cacheUsable(ctx, c.cache) {
			c.cache.SetRef(ctx, markerKey, entityKey)
		}
		return entities, nil
	}
	return nil, nil
}

// byBranches runs every branch as its own backend query and merges by key.
func (c *SelectCommand) byBranches(ctx context.Context, nq *service.NormalizedQuery) ([]*model.Entity, error) {
	q := nq.Source
	fetchLimit := 0
	if q.Limit > 0 {
		fetchLimit = q.Offset + q.Limit + len(q.ExcludedKeys)
	}

	branchResults := make([][]*model.Entity, len(nq.Branches))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentBranches)
	for i, branch := range nq.Branches {
		i, branch := i, branch
		group.Go(func() error {
			bq := nq.BranchQuery(branch)
			bq.Limit = fetchLimit
			if q.Aggregation == model.AggregationCount {
				bq.KeysOnly = true
				bq.Projection = nil
			}
			results, err := c.backend.RunQuery(groupCtx, bq)
			if err != nil {
				return err
			}
			branchResults[i] = results
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	if len(nq.Branches) == 1 {
		return branchResults[0], nil
	}

	seen := make(map[string]bool)
	var merged []*model.Entity
	for _, results := range branchResults {
		for _, e := range results {
			encoded := e.Key.Encode()
			if seen[encoded] {
				continue
			}
			seen[encoded] = true
			merged = append(merged, e)
		}
	}
	return merged, nil
}

// countPushdown reports whether COUNT can go straight to the backend.
func (c *SelectCommand) countPushdown(nq *service.NormalizedQuery) bool {
	return len(nq.Branches) == 1 && len(nq.Source.ExcludedKeys) == 0
}

func (c *SelectCommand) countDirect(ctx context.Context, nq *service.NormalizedQuery) (*SelectResult, error) {
	count, err := c.backend.Count(ctx, nq.BranchQuery(nq.Branches[0]))
	if err != nil {
		return nil, err
	}
	return &SelectResult{Count: applyCountWindow(count, nq.Source)}, nil
}

// finish dedupes, excludes, sorts and windows the merged entities, then runs
// the result transform pipeline.
func (c *SelectCommand) finish(nq *service.NormalizedQuery, entities []*model.Entity) (*SelectResult, error) {
	q := nq.Source

	excluded := make(map[string]bool, len(q.ExcludedKeys))
	for _, key := range q.ExcludedKeys {
		excluded[key.Encode()] = true
	}
	seen := make(map[string]bool, len(entities))
	kept := entities[:0:0]
	for _, e := range entities {
		encoded := e.Key.Encode()
		if seen[encoded] || excluded[encoded] {
			continue
		}
		seen[encoded] = true
		kept = append(kept, e)
	}

	service.SortEntities(kept, q.Orders)

	if q.Offset > 0 {
		if q.Offset >= len(kept) {
			kept = nil
		} else {
			kept = kept[q.Offset:]
		}
	}
	if q.Limit > 0 && len(kept) > q.Limit {
		kept = kept[:q.Limit]
	}

	if q.Aggregation == model.AggregationCount {
		return &SelectResult{Count: int64(len(kept))}, nil
	}

	transformer, err := service.NewResultTransformer(q)
	if err != nil {
		return nil, err
	}
	rows, err := transformer.Apply(kept)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*model.Entity{}
	}
	return &SelectResult{Entities: rows}, nil
}

func applyCountWindow(count int64, q *model.Query) int64 {
	count -= int64(q.Offset)
	if count < 0 {
		count = 0
	}
	if q.Limit > 0 && count > int64(q.Limit) {
		count = int64(q.Limit)
	}
	return count
}

// filterByBranches keeps the entities satisfying at least one branch. A
// direct key lookup needs this because its branches may carry filters
// beyond the key equality.
func filterByBranches(entities []*model.Entity, branches []service.Branch) []*model.Entity {
	kept := entities[:0:0]
	for _, e := range entities {
		for _, branch := range branches {
			if entityMatchesBranch(e, branch) {
				kept = append(kept, e)
				break
			}
		}
	}
	return kept
}

func entityMatchesBranch(e *model.Entity, branch service.Branch) bool {
	for _, leaf := range branch {
		value, ok := e.Get(leaf.Property)
		if !ok {
			return false
		}
		if !valueSatisfies(model.NormalizeValue(value), leaf.Operator, leaf.Value) {
			return false
		}
	}
	return true
}

func valueSatisfies(value interface{}, op model.Operator, filterValue interface{}) bool {
	if list, ok := value.([]interface{}); ok {
		for _, element := range list {
			if valueSatisfies(element, op, filterValue) {
				return true
			}
		}
		return false
	}
	comp := model.CompareValues(value, filterValue)
	switch op {
	case model.OperatorEqual:
		return comp == 0
	case model.OperatorLessThan:
		return comp < 0
	case model.OperatorLessThanOrEqual:
		return comp <= 0
	case model.OperatorGreaterThan:
		return comp > 0
	case model.OperatorGreaterThanOrEqual:
		return comp >= 0
	}
	return false
}
