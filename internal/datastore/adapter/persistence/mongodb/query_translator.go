package mongodb

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/shared/errors"
)

// TranslateQuery maps a native-operator query onto a MongoDB filter and find
// options. Composite operators never reach this layer; normalization has
// already expanded them.
func TranslateQuery(q *model.Query) (bson.M, *options.FindOptions, error) {
	filter := bson.M{}
	if q.Filter != nil {
		translated, err := translateFilter(*q.Filter)
		if err != nil {
			return nil, nil, err
		}
		filter = translated
	}
	if q.Ancestor != nil {
		ancestor := ancestorClause(*q.Ancestor)
		if len(filter) == 0 {
			filter = ancestor
		} else {
			filter = bson.M{"$and": []bson.M{filter, ancestor}}
		}
	}

	findOptions := options.Find()
	if len(q.Orders) > 0 {
		sortDoc := bson.D{}
		for _, order := range q.Orders {
			direction := 1
			if order.Direction == model.SortDescending {
				direction = -1
			}
			sortDoc = append(sortDoc, bson.E{Key: fieldPath(order.Property), Value: direction})
		}
		// Key order breaks ties so pagination is stable.
		sortDoc = append(sortDoc, bson.E{Key: "_id", Value: 1})
		findOptions.SetSort(sortDoc)
	} else {
		findOptions.SetSort(bson.D{{Key: "_id", Value: 1}})
	}

	if q.Offset > 0 {
		findOptions.SetSkip(int64(q.Offset))
	}
	if q.Limit > 0 {
		findOptions.SetLimit(int64(q.Limit))
	}
	if q.KeysOnly {
		findOptions.SetProjection(bson.M{"_id": 1})
	}
	return filter, findOptions, nil
}

func translateFilter(f model.Filter) (bson.M, error) {
	if !f.IsLeaf() {
		clauses := make([]bson.M, 0, len(f.SubFilters))
		for _, sub := range f.SubFilters {
			translated, err := translateFilter(sub)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, translated)
		}
		if f.Connector == model.ConnectorOr {
			return bson.M{"$or": clauses}, nil
		}
		return bson.M{"$and": clauses}, nil
	}
	return translateLeaf(f)
}

func translateLeaf(f model.Filter) (bson.M, error) {
	field := fieldPath(f.Property)
	value, err := filterValue(f.Property, f.Value)
	if err != nil {
		return nil, err
	}

	switch f.Operator {
	case model.OperatorEqual:
		if value == nil {
			// Stored nulls only: a missing property never matches.
			return bson.M{"$and": []bson.M{
				{field: nil},
				{field: bson.M{"$exists": true}},
			}}, nil
		}
		return bson.M{field: value}, nil
	case model.OperatorLessThan:
		return bson.M{field: bson.M{"$lt": value}}, nil
	case model.OperatorLessThanOrEqual:
		return bson.M{field: bson.M{"$lte": value}}, nil
	case model.OperatorGreaterThan:
		if value == nil {
			// Null sorts below everything, so "> nil" means "present and
			// not null". A literal {$gt: null} matches nothing in MongoDB.
			return bson.M{field: bson.M{"$exists": true, "$ne": nil}}, nil
		}
		return bson.M{field: bson.M{"$gt": value}}, nil
	case model.OperatorGreaterThanOrEqual:
		return bson.M{field: bson.M{"$gte": value}}, nil
	default:
		return nil, errors.NewInternalError(
			fmt.Sprintf("operator %q reached the storage layer unexpanded", string(f.Operator)))
	}
}

// ancestorClause matches the entity group rooted at the key: the key itself
// or any _id under its encoded path. Descendant ids continue with "/", so
// the half-open range up to the next byte value covers exactly that prefix.
func ancestorClause(ancestor model.Key) bson.M {
	encoded := ancestor.Encode()
	return bson.M{"$or": []bson.M{
		{"_id": encoded},
		{"_id": bson.M{"$gte": encoded + "/", "$lt": encoded + "0"}},
	}}
}

func fieldPath(property string) string {
	if property == model.KeyProperty {
		return "_id"
	}
	return "props." + property
}

// filterValue encodes a filter comparand the way stored values are encoded.
// Keys compared against __key__ collapse to the encoded _id string; keys
// compared against a property keep the stored wrapper document.
func filterValue(property string, value interface{}) (interface{}, error) {
	if key, ok := value.(model.Key); ok && property == model.KeyProperty {
		return key.Encode(), nil
	}
	return toBSONValue(value)
}
