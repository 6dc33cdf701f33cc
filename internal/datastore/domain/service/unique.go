package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/datastore/domain/repository"
	"gcloud-connector/internal/shared/errors"
	"gcloud-connector/internal/shared/logger"
)

// MarkerKind is the reserved kind unique markers live in.
const MarkerKind = "uniquemarker"

// Marker property names.
const (
	markerInstanceProperty = "instance"
	markerCreatedProperty  = "created"
)

// UniqueConstraints maps a kind to its unique property combinations. A combo
// of one property is a plain unique column, longer combos are unique-together
// sets.
type UniqueConstraints map[string][][]string

// CombosFor returns the combinations declared for a kind.
func (c UniqueConstraints) CombosFor(kind string) [][]string {
	return c[kind]
}

// UniqueMarkerService maintains the marker entities that make non-key
// properties unique. Markers are acquired in transactions independent of the
// write that needs them and rolled back if that write fails.
type UniqueMarkerService struct {
	backend     repository.Backend
	constraints UniqueConstraints
	log         logger.Logger
}

func NewUniqueMarkerService(backend repository.Backend, constraints UniqueConstraints, log logger.Logger) *UniqueMarkerService {
	if log == nil {
		log = logger.NewLogger()
	}
	if constraints == nil {
		constraints = UniqueConstraints{}
	}
	return &UniqueMarkerService{backend: backend, constraints: constraints, log: log}
}

// MarkersPerEntity returns how many markers a single entity of a kind owns.
func (s *UniqueMarkerService) MarkersPerEntity(kind string) int {
	return len(s.constraints[kind])
}

// MarkerKeys builds the marker keys an entity's current property values
// claim. Combos with a nil value produce no marker, matching the rule that
// null never collides with null.
func (s *UniqueMarkerService) MarkerKeys(e *model.Entity) []model.Key {
	combos := s.constraints[e.Key.Kind()]
	keys := make([]model.Key, 0, len(combos))
	for _, combo := range combos {
		identifier, ok := markerIdentifier(e, combo)
		if !ok {
			continue
		}
		keys = append(keys, model.NewKey(e.Key.Namespace).StringID(MarkerKind, identifier))
	}
	return keys
}

// MarkerKeyForValues maps an equality value set onto a marker key when the
// set covers exactly one declared combination. Queries matching a combo can
// then resolve through the marker instead of the query planner.
func (s *UniqueMarkerService) MarkerKeyForValues(namespace, kind string, values map[string]interface{}) (model.Key, bool) {
	for _, combo := range s.constraints[kind] {
		if len(combo) != len(values) {
			continue
		}
		matched := true
		for _, property := range combo {
			if _, ok := values[property]; !ok {
				matched = false
				break
			}
		}
		if !matched {
			continue
		}
		parts := make([]string, 0, len(combo))
		allSet := true
		for _, property := range sortedCopy(combo) {
			value := values[property]
			if value == nil {
				allSet = false
				break
			}
			parts = append(parts, property+":"+hashValue(value))
		}
		if !allSet {
			continue
		}
		return model.NewKey(namespace).StringID(MarkerKind, kind+"|"+strings.Join(parts, "|")), true
	}
	return model.Key{}, false
}

// Acquire claims every marker the entity needs, each in its own transaction.
// On conflict the already acquired markers are released and an integrity
// error names the clashing marker.
func (s *UniqueMarkerService) Acquire(ctx context.Context, e *model.Entity) ([]model.Key, error) {
	return s.AcquireKeys(ctx, e.Key, s.MarkerKeys(e))
}

// AcquireKeys claims an explicit marker key set for an owner. Updates use it
// to claim only the markers whose values changed.
func (s *UniqueMarkerService) AcquireKeys(ctx context.Context, owner model.Key, markerKeys []model.Key) ([]model.Key, error) {
	ownerID := owner.Encode()

	acquired := make([]model.Key, 0, len(markerKeys))
	for _, markerKey := range markerKeys {
		if err := s.acquireOne(ctx, markerKey, ownerID); err != nil {
			s.Release(ctx, acquired)
			return nil, err
		}
		acquired = append(acquired, markerKey)
	}
	return acquired, nil
}

func (s *UniqueMarkerService) acquireOne(ctx context.Context, markerKey model.Key, ownerID string) error {
	return s.backend.RunInTransaction(ctx, func(ctx context.Context, tx repository.Backend) error {
		existing, err := tx.GetMulti(ctx, []model.Key{markerKey})
		if err != nil {
			return err
		}
		if existing[0] != nil {
			holder, _ := existing[0].Properties[markerInstanceProperty].(string)
			if holder != "" && holder != ownerID {
				inUse, err := s.holderExists(ctx, holder)
				if err != nil {
					return err
				}
				if inUse {
					return errors.NewIntegrityError("unique constraint violation").
						WithCode("UNIQUE_CONSTRAINT").
						WithCause(errors.ErrUniqueConstraint).
						WithDetail("marker", markerKey.NameValue())
				}
				// Stale marker left by a deleted entity, take it over.
				s.log.WithFields(map[string]interface{}{
					"marker": markerKey.NameValue(),
				}).Warn("Reclaiming stale unique marker")
			}
		}

		marker := model.NewEntity(markerKey)
		marker.Set(markerInstanceProperty, ownerID)
		marker.Set(markerCreatedProperty, time.Now().UTC())
		_, err = tx.PutMulti(ctx, []*model.Entity{marker})
		return err
	})
}

func (s *UniqueMarkerService) holderExists(ctx context.Context, encodedKey string) (bool, error) {
	holderKey, err := model.DecodeKey(encodedKey)
	if err != nil {
		// A marker pointing nowhere readable is stale by definition.
		return false, nil
	}
	holders, err := s.backend.GetMulti(ctx, []model.Key{holderKey})
	if err != nil {
		return false, err
	}
	return holders[0] != nil, nil
}

// MarkerHolder returns the encoded key of the entity a marker belongs to,
// or "" for a marker without an owner.
func MarkerHolder(marker *model.Entity) string {
	holder, _ := marker.Properties[markerInstanceProperty].(string)
	return holder
}

// Release drops markers, best effort. Used both for rollback and after a
// successful update replaced a combo's values.
func (s *UniqueMarkerService) Release(ctx context.Context, markerKeys []model.Key) {
	if len(markerKeys) == 0 {
		return
	}
	if err := s.backend.DeleteMulti(ctx, markerKeys); err != nil {
		names := make([]string, 0, len(markerKeys))
		for _, k := range markerKeys {
			names = append(names, k.NameValue())
		}
		s.log.WithFields(map[string]interface{}{
			"markers": names,
			"error":   err.Error(),
		}).Error("Failed to release unique markers")
	}
}

// DiffMarkers splits old and new marker key sets into the ones to acquire
// and the ones to release after an update.
func DiffMarkers(oldKeys, newKeys []model.Key) (toAcquire, toRelease []model.Key) {
	oldSet := make(map[string]bool, len(oldKeys))
	for _, k := range oldKeys {
		oldSet[k.Encode()] = true
	}
	newSet := make(map[string]bool, len(newKeys))
	for _, k := range newKeys {
		newSet[k.Encode()] = true
	}
	for _, k := range newKeys {
		if !oldSet[k.Encode()] {
			toAcquire = append(toAcquire, k)
		}
	}
	for _, k := range oldKeys {
		if !newSet[k.Encode()] {
			toRelease = append(toRelease, k)
		}
	}
	return toAcquire, toRelease
}

func markerIdentifier(e *model.Entity, combo []string) (string, bool) {
	parts := make([]string, 0, len(combo))
	for _, property := range sortedCopy(combo) {
		value, ok := e.Properties[property]
		if !ok || value == nil {
			return "", false
		}
		parts = append(parts, property+":"+hashValue(value))
	}
	return e.Key.Kind() + "|" + strings.Join(parts, "|"), true
}

func hashValue(value interface{}) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%v:%T", value, value)))
	return hex.EncodeToString(sum[:])
}

func sortedCopy(properties []string) []string {
	copied := make([]string, len(properties))
	copy(copied, properties)
	sort.Strings(copied)
	return copied
}
