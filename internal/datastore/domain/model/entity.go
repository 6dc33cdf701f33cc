package model

import (
	"strings"
	"time"

	"gcloud-connector/internal/shared/errors"
)

// ClassProperty holds the class hierarchy of polymorphic entities. Wiping it
// on delete detaches a child class row without destroying parent data.
const ClassProperty = "class"

// Entity is a schemaless record: a key plus a property map. Unindexed marks
// properties excluded from query indexes; long text always is.
type Entity struct {
	Key        Key                    `json:"key"`
	Properties map[string]interface{} `json:"properties"`
	Unindexed  map[string]bool        `json:"unindexed,omitempty"`

	// Classes is the polymorphic class hierarchy, root first. Empty for
	// plain entities.
	Classes []string `json:"classes,omitempty"`
}

// NewEntity returns an empty entity for a key.
func NewEntity(key Key) *Entity {
	return &Entity{
		Key:        key,
		Properties: make(map[string]interface{}),
	}
}

// Get returns a property value, resolving __key__ to the entity key.
func (e *Entity) Get(name string) (interface{}, bool) {
	if name == KeyProperty {
		return e.Key, true
	}
	v, ok := e.Properties[name]
	return v, ok
}

// Set stores a property value, normalizing numeric types.
func (e *Entity) Set(name string, value interface{}) {
	if e.Properties == nil {
		e.Properties = make(map[string]interface{})
	}
	e.Properties[name] = NormalizeValue(value)
}

// SetUnindexed stores a property and excludes it from indexes.
func (e *Entity) SetUnindexed(name string, value interface{}) {
	e.Set(name, value)
	if e.Unindexed == nil {
		e.Unindexed = make(map[string]bool)
	}
	e.Unindexed[name] = true
}

// Delete removes a property.
func (e *Entity) Delete(name string) {
	delete(e.Properties, name)
	delete(e.Unindexed, name)
}

// Clone returns a deep-enough copy: maps and slices of the entity itself are
// copied, property values are shared.
func (e *Entity) Clone() *Entity {
	clone := &Entity{
		Key:        e.Key,
		Properties: make(map[string]interface{}, len(e.Properties)),
	}
	for name, value := range e.Properties {
		if list, ok := value.([]interface{}); ok {
			copied := make([]interface{}, len(list))
			copy(copied, list)
			clone.Properties[name] = copied
			continue
		}
		clone.Properties[name] = value
	}
	if len(e.Unindexed) > 0 {
		clone.Unindexed = make(map[string]bool, len(e.Unindexed))
		for name := range e.Unindexed {
			clone.Unindexed[name] = true
		}
	}
	if len(e.Classes) > 0 {
		clone.Classes = make([]string, len(e.Classes))
		copy(clone.Classes, e.Classes)
	}
	return clone
}

// Validate checks the key and property names.
func (e *Entity) Validate() error {
	if err := e.Key.Validate(); err != nil {
		return err
	}
	for name := range e.Properties {
		if name == "" {
			return errors.NewValidationError("entity has a property with an empty name")
		}
		if strings.HasPrefix(name, reservedPrefix) {
			return errors.NewValidationError("property names cannot start with " + reservedPrefix).
				WithDetail("property", name)
		}
	}
	return nil
}

// NormalizeValue widens Go integer and float types so that stored and queried
// values compare consistently.
func NormalizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case float32:
		return float64(v)
	case []interface{}:
		normalized := make([]interface{}, len(v))
		for i, item := range v {
			normalized[i] = NormalizeValue(item)
		}
		return normalized
	default:
		return value
	}
}

func typeRank(value interface{}) int {
	switch value.(type) {
	case nil:
		return -7
	case int64:
		return -6
	case time.Time:
		return -5
	case bool:
		return -4
	case string, []byte:
		return -3
	case float64:
		return -2
	case Key:
		return -1
	default:
		return 0
	}
}

func stringOrBytes(value interface{}) string {
	if b, ok := value.([]byte); ok {
		return string(b)
	}
	return value.(string)
}

// CompareValues imposes the datastore's cross-type value order: nil sorts
// first, then integers, timestamps, booleans, strings and short blobs,
// floats and keys. Values must already be normalized.
func CompareValues(left, right interface{}) int {
	leftRank := typeRank(left)
	rightRank := typeRank(right)
	if leftRank < rightRank {
		return -1
	} else if leftRank > rightRank {
		return 1
	}

	switch l := left.(type) {
	case nil:
		return 0
	case int64:
		r := right.(int64)
		switch {
		case l < r:
			return -1
		case l > r:
			return 1
		}
		return 0
	case time.Time:
		r := right.(time.Time)
		switch {
		case l.Before(r):
			return -1
		case l.After(r):
			return 1
		}
		return 0
	case bool:
		r := right.(bool)
		switch {
		case !l && r:
			return -1
		case l && !r:
			return 1
		}
		return 0
	case string:
		return strings.Compare(l, stringOrBytes(right))
	case []byte:
		// Short blobs sort with strings, byte-wise.
		return strings.Compare(string(l), stringOrBytes(right))
	case float64:
		r := right.(float64)
		switch {
		case l < r:
			return -1
		case l > r:
			return 1
		}
		return 0
	case Key:
		return l.Compare(right.(Key))
	default:
		return 0
	}
}
