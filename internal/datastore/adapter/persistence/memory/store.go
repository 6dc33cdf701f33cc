// Package memory implements the persistence port with an in-process store.
// It backs unit tests and the emulator server; semantics mirror the real
// backend, including ID allocation and snapshot reads inside transactions.
package memory

import (
	"context"
	"sync"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/datastore/domain/repository"
	"gcloud-connector/internal/datastore/domain/service"
	"gcloud-connector/internal/shared/errors"
	"gcloud-connector/internal/shared/logger"
)

type Store struct {
	mu       sync.RWMutex
	entities map[string]*model.Entity
	// sequences tracks the highest handed-out integer ID per namespace and
	// kind, covering both automatic allocation and explicit reservation.
	sequences map[string]int64
	log       logger.Logger
}

var _ repository.Backend = (*Store)(nil)

func NewStore(log logger.Logger) *Store {
	if log == nil {
		log = logger.NewLogger()
	}
	return &Store{
		entities:  make(map[string]*model.Entity),
		sequences: make(map[string]int64),
		log:       log,
	}
}

func sequenceKey(namespace, kind string) string {
	return namespace + "|" + kind
}

func (s *Store) GetMulti(ctx context.Context, keys []model.Key) ([]*model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*model.Entity, len(keys))
	for i, key := range keys {
		if e, ok := s.entities[key.Encode()]; ok {
			results[i] = e.Clone()
		}
	}
	return results, nil
}

func (s *Store) PutMulti(ctx context.Context, entities []*model.Entity) ([]model.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(entities)
}

func (s *Store) putLocked(entities []*model.Entity) ([]model.Key, error) {
	keys := make([]model.Key, len(entities))
	for i, e := range entities {
		key := e.Key
		if key.Incomplete() {
			seq := sequenceKey(key.Namespace, key.Kind())
			s.sequences[seq]++
			key = key.Parent().IntID(key.Kind(), s.sequences[seq])
		}
		if err := key.Validate(); err != nil {
			return nil, err
		}
		stored := e.Clone()
		stored.Key = key
		if err := stored.Validate(); err != nil {
			return nil, err
		}
		s.entities[key.Encode()] = stored
		keys[i] = key
	}
	return keys, nil
}

func (s *Store) DeleteMulti(ctx context.Context, keys []model.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.entities, key.Encode())
	}
	return nil
}

func (s *Store) AllocateIDs(ctx context.Context, namespace, kind string, n int) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, errors.NewValidationError("allocation count must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := sequenceKey(namespace, kind)
	ids := make([]int64, n)
	for i := range ids {
		s.sequences[seq]++
		ids[i] = s.sequences[seq]
	}
	return ids, nil
}

func (s *Store) ReserveIDs(ctx context.Context, namespace, kind string, ids []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := sequenceKey(namespace, kind)
	for _, id := range ids {
		if id > s.sequences[seq] {
			s.sequences[seq] = id
		}
	}
	return nil
}

func (s *Store) RunQuery(ctx context.Context, q *model.Query) ([]*model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	matched := s.scanLocked(q)
	s.mu.RUnlock()

	service.SortEntities(matched, q.Orders)

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	if q.KeysOnly {
		for i, e := range matched {
			matched[i] = model.NewEntity(e.Key)
		}
	}
	return matched, nil
}

func (s *Store) Count(ctx context.Context, q *model.Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.scanLocked(q))), nil
}

func (s *Store) scanLocked(q *model.Query) []*model.Entity {
	var matched []*model.Entity
	for _, e := range s.entities {
		if e.Key.Namespace != q.Namespace || e.Key.Kind() != q.Kind {
			continue
		}
		if q.Ancestor != nil && !q.Ancestor.IsAncestorOf(e.Key) {
			continue
		}
		if q.Filter != nil && !matches(e, *q.Filter) {
			continue
		}
		matched = append(matched, e.Clone())
	}
	return matched
}

func matches(e *model.Entity, f model.Filter) bool {
	if !f.IsLeaf() {
		for _, sub := range f.SubFilters {
			ok := matches(e, sub)
			if f.Connector == model.ConnectorOr && ok {
				return true
			}
			if f.Connector == model.ConnectorAnd && !ok {
				return false
			}
		}
		return f.Connector == model.ConnectorAnd
	}

	value, present := e.Get(f.Property)
	if !present {
		return false
	}
	return valueMatches(model.NormalizeValue(value), f.Operator, f.Value)
}

// valueMatches applies a comparison; list properties match when any element
// does.
func valueMatches(value interface{}, op model.Operator, filterValue interface{}) bool {
	if list, ok := value.([]interface{}); ok {
		for _, element := range list {
			if valueMatches(element, op, filterValue) {
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

// RunInTransaction executes fn against a write buffer. Reads consult the
// buffer first, queries see the pre-transaction snapshot, and the buffer is
// applied atomically on success.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.Backend) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &txStore{
		base:    s,
		writes:  make(map[string]*model.Entity),
		deletes: make(map[string]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for encoded := range tx.deletes {
		delete(s.entities, encoded)
	}
	for encoded, e := range tx.writes {
		s.entities[encoded] = e
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}

// Reset drops every entity and sequence. Used by the emulator's reset
// endpoint and tests.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities = make(map[string]*model.Entity)
	s.sequences = make(map[string]int64)
}

// Size returns how many entities the store holds.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

type txStore struct {
	base    *Store
	writes  map[string]*model.Entity
	deletes map[string]bool
}

var _ repository.Backend = (*txStore)(nil)

func (t *txStore) GetMulti(ctx context.Context, keys []model.Key) ([]*model.Entity, error) {
	results := make([]*model.Entity, len(keys))
	var missing []model.Key
	var missingAt []int
	for i, key := range keys {
		encoded := key.Encode()
		if t.deletes[encoded] {
			continue
		}
		if e, ok := t.writes[encoded]; ok {
			results[i] = e.Clone()
			continue
		}
		missing = append(missing, key)
		missingAt = append(missingAt, i)
	}
	if len(missing) > 0 {
		fetched, err := t.base.GetMulti(ctx, missing)
		if err != nil {
			return nil, err
		}
		for i, e := range fetched {
			results[missingAt[i]] = e
		}
	}
	return results, nil
}

func (t *txStore) PutMulti(ctx context.Context, entities []*model.Entity) ([]model.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := make([]model.Key, len(entities))
	for i, e := range entities {
		key := e.Key
		if key.Incomplete() {
			// IDs are claimed from the shared sequence at put time so
			// concurrent transactions never collide.
			ids, err := t.base.AllocateIDs(ctx, key.Namespace, key.Kind(), 1)
			if err != nil {
				return nil, err
			}
			key = key.Parent().IntID(key.Kind(), ids[0])
		}
		if err := key.Validate(); err != nil {
			return nil, err
		}
		stored := e.Clone()
		stored.Key = key
		if err := stored.Validate(); err != nil {
			return nil, err
		}
		encoded := key.Encode()
		t.writes[encoded] = stored
		delete(t.deletes, encoded)
		keys[i] = key
	}
	return keys, nil
}

func (t *txStore) DeleteMulti(ctx context.Context, keys []model.Key) error {
	for _, key := range keys {
		encoded := key.Encode()
		t.deletes[encoded] = true
		delete(t.writes, encoded)
	}
	return nil
}

func (t *txStore) AllocateIDs(ctx context.Context, namespace, kind string, n int) ([]int64, error) {
	return t.base.AllocateIDs(ctx, namespace, kind, n)
}

func (t *txStore) ReserveIDs(ctx context.Context, namespace, kind string, ids []int64) error {
	return t.base.ReserveIDs(ctx, namespace, kind, ids)
}

func (t *txStore) RunQuery(ctx context.Context, q *model.Query) ([]*model.Entity, error) {
	return t.base.RunQuery(ctx, q)
}

func (t *txStore) Count(ctx context.Context, q *model.Query) (int64, error) {
	return t.base.Count(ctx, q)
}

func (t *txStore) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.Backend) error) error {
	// Transactions don't nest; reuse the current buffer.
	return fn(ctx, t)
}

func (t *txStore) Close(ctx context.Context) error {
	return nil
}
