package persistence

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/shared/errors"
)

// Cached entities round-trip through JSON with explicit type tags, because a
// plain JSON round trip would widen int64 into float64 and lose key and
// timestamp types.
type cachedEntity struct {
	Key        string                 `json:"key"`
	Properties map[string]cachedValue `json:"properties"`
	Unindexed  []string               `json:"unindexed,omitempty"`
	Classes    []string               `json:"classes,omitempty"`
}

type cachedValue struct {
	Type  string          `json:"t"`
	Value json.RawMessage `json:"v,omitempty"`
}

const (
	tagNull   = "z"
	tagInt    = "i"
	tagFloat  = "f"
	tagString = "s"
	tagBool   = "b"
	tagBlob   = "y"
	tagTime   = "t"
	tagKey    = "k"
	tagList   = "l"
)

// EncodeEntity serializes an entity for cache storage.
func EncodeEntity(e *model.Entity) ([]byte, error) {
	cached := cachedEntity{
		Key:        e.Key.Encode(),
		Properties: make(map[string]cachedValue, len(e.Properties)),
		Classes:    e.Classes,
	}
	for name, value := range e.Properties {
		encoded, err := encodeValue(value)
		if err != nil {
			return nil, err
		}
		cached.Properties[name] = encoded
	}
	for name := range e.Unindexed {
		cached.Unindexed = append(cached.Unindexed, name)
	}
	return json.Marshal(cached)
}

// DecodeEntity deserializes an entity from cache storage.
func DecodeEntity(data []byte) (*model.Entity, error) {
	var cached cachedEntity
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, errors.NewInternalError("malformed cached entity").WithCause(err)
	}
	key, err := model.DecodeKey(cached.Key)
	if err != nil {
		return nil, err
	}

	e := model.NewEntity(key)
	for name, value := range cached.Properties {
		decoded, err := decodeValue(value)
		if err != nil {
			return nil, err
		}
		e.Properties[name] = decoded
	}
	if len(cached.Unindexed) > 0 {
		e.Unindexed = make(map[string]bool, len(cached.Unindexed))
		for _, name := range cached.Unindexed {
			e.Unindexed[name] = true
		}
	}
	e.Classes = cached.Classes
	return e, nil
}

func encodeValue(value interface{}) (cachedValue, error) {
	switch v := value.(type) {
	case nil:
		return cachedValue{Type: tagNull}, nil
	case int64:
		return rawValue(tagInt, strconv.FormatInt(v, 10))
	case float64:
		return rawValue(tagFloat, v)
	case string:
		return rawValue(tagString, v)
	case bool:
		return rawValue(tagBool, v)
	case []byte:
		return rawValue(tagBlob, v)
	case time.Time:
		return rawValue(tagTime, v.UTC().Format(time.RFC3339Nano))
	case model.Key:
		return rawValue(tagKey, v.Encode())
	case []interface{}:
		elements := make([]cachedValue, len(v))
		for i, element := range v {
			encoded, err := encodeValue(element)
			if err != nil {
				return cachedValue{}, err
			}
			elements[i] = encoded
		}
		return rawValue(tagList, elements)
	default:
		return cachedValue{}, errors.NewInternalError(
			fmt.Sprintf("cannot cache property value of type %T", value))
	}
}

func rawValue(tag string, v interface{}) (cachedValue, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return cachedValue{}, err
	}
	return cachedValue{Type: tag, Value: raw}, nil
}

func decodeValue(cached cachedValue) (interface{}, error) {
	switch cached.Type {
	case tagNull:
		return nil, nil
	case tagInt:
		var s string
		if err := json.Unmarshal(cached.Value, &s); err != nil {
			return nil, err
		}
		return strconv.ParseInt(s, 10, 64)
	case tagFloat:
		var f float64
		err := json.Unmarshal(cached.Value, &f)
		return f, err
	case tagString:
		var s string
		err := json.Unmarshal(cached.Value, &s)
		return s, err
	case tagBool:
		var b bool
		err := json.Unmarshal(cached.Value, &b)
		return b, err
	case tagBlob:
		var b []byte
		err := json.Unmarshal(cached.Value, &b)
		return b, err
	case tagTime:
		var s string
		if err := json.Unmarshal(cached.Value, &s); err != nil {
			return nil, err
		}
		return time.Parse(time.RFC3339Nano, s)
	case tagKey:
		var s string
		if err := json.Unmarshal(cached.Value, &s); err != nil {
			return nil, err
		}
		return model.DecodeKey(s)
	case tagList:
		var elements []cachedValue
		if err := json.Unmarshal(cached.Value, &elements); err != nil {
			return nil, err
		}
		list := make([]interface{}, len(elements))
		for i, element := range elements {
			decoded, err := decodeValue(element)
			if err != nil {
				return nil, err
			}
			list[i] = decoded
		}
		return list, nil
	default:
		return nil, errors.NewInternalError("unknown cached value tag " + cached.Type)
	}
}
