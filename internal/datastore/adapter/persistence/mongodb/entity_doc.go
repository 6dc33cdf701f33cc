package mongodb

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/shared/errors"
)

// entityDoc is the stored shape of an entity. Property values live under
// props as native BSON so operators and sorts apply server side; key-valued
// properties are wrapped in a {_k: <encoded>} document to keep them apart
// from plain strings.
type entityDoc struct {
	ID        string   `bson:"_id"`
	Props     bson.M   `bson:"props"`
	Unindexed []string `bson:"unindexed,omitempty"`
	Classes   []string `bson:"classes,omitempty"`
}

const keyFieldTag = "_k"

func fromEntity(e *model.Entity) (*entityDoc, error) {
	doc := &entityDoc{
		ID:      e.Key.Encode(),
		Props:   make(bson.M, len(e.Properties)),
		Classes: e.Classes,
	}
	for name, value := range e.Properties {
		encoded, err := toBSONValue(value)
		if err != nil {
			return nil, err
		}
		doc.Props[name] = encoded
	}
	for name := range e.Unindexed {
		doc.Unindexed = append(doc.Unindexed, name)
	}
	return doc, nil
}

func (doc *entityDoc) toEntity() (*model.Entity, error) {
	key, err := model.DecodeKey(doc.ID)
	if err != nil {
		return nil, err
	}
	e := model.NewEntity(key)
	for name, value := range doc.Props {
		decoded, err := fromBSONValue(value)
		if err != nil {
			return nil, err
		}
		e.Properties[name] = decoded
	}
	if len(doc.Unindexed) > 0 {
		e.Unindexed = make(map[string]bool, len(doc.Unindexed))
		for _, name := range doc.Unindexed {
			e.Unindexed[name] = true
		}
	}
	e.Classes = doc.Classes
	return e, nil
}

func toBSONValue(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil, int64, float64, string, bool, []byte:
		return v, nil
	case model.Key:
		return bson.M{keyFieldTag: v.Encode()}, nil
	case []interface{}:
		encoded := make(bson.A, len(v))
		for i, element := range v {
			e, err := toBSONValue(element)
			if err != nil {
				return nil, err
			}
			encoded[i] = e
		}
		return encoded, nil
	default:
		// time.Time and friends the driver maps natively.
		return v, nil
	}
}

func fromBSONValue(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil, int64, float64, string, bool:
		return v, nil
	case int32:
		return int64(v), nil
	case primitive.Binary:
		return v.Data, nil
	case primitive.DateTime:
		return v.Time().UTC(), nil
	case bson.M:
		return decodeKeyDoc(v)
	case bson.D:
		return decodeKeyDoc(v.Map())
	case primitive.A:
		decoded := make([]interface{}, len(v))
		for i, element := range v {
			d, err := fromBSONValue(element)
			if err != nil {
				return nil, err
			}
			decoded[i] = d
		}
		return decoded, nil
	default:
		return nil, errors.NewInternalError(
			fmt.Sprintf("unexpected stored property type %T", value))
	}
}

func decodeKeyDoc(doc bson.M) (interface{}, error) {
	encoded, ok := doc[keyFieldTag].(string)
	if !ok {
		return nil, errors.NewInternalError("stored document property is not a key reference")
	}
	return model.DecodeKey(encoded)
}
