package mongodb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"gcloud-connector/internal/datastore/domain/model"
)

func TestTranslateQueryLeafOperators(t *testing.T) {
	cases := []struct {
		op   model.Operator
		want bson.M
	}{
		{model.OperatorEqual, bson.M{"props.age": int64(21)}},
		{model.OperatorLessThan, bson.M{"props.age": bson.M{"$lt": int64(21)}}},
		{model.OperatorLessThanOrEqual, bson.M{"props.age": bson.M{"$lte": int64(21)}}},
		{model.OperatorGreaterThan, bson.M{"props.age": bson.M{"$gt": int64(21)}}},
		{model.OperatorGreaterThanOrEqual, bson.M{"props.age": bson.M{"$gte": int64(21)}}},
	}
	for _, c := range cases {
		q := model.NewQuery("", "Person")
		filter := model.Where("age", c.op, 21)
		q.Filter = &filter

		translated, _, err := TranslateQuery(q)
		require.NoError(t, err, string(c.op))
		assert.Equal(t, c.want, translated, string(c.op))
	}
}

func TestTranslateQueryComposite(t *testing.T) {
	q := model.NewQuery("", "Person")
	filter := model.And(
		model.Where("age", model.OperatorGreaterThan, 21),
		model.Where("city", model.OperatorEqual, "berlin"),
	)
	q.Filter = &filter

	translated, _, err := TranslateQuery(q)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$and": []bson.M{
		{"props.age": bson.M{"$gt": int64(21)}},
		{"props.city": "berlin"},
	}}, translated)
}

func TestTranslateQueryNullEqualityRequiresPresence(t *testing.T) {
	q := model.NewQuery("", "Person")
	filter := model.Where("nickname", model.OperatorEqual, nil)
	q.Filter = &filter

	translated, _, err := TranslateQuery(q)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$and": []bson.M{
		{"props.nickname": nil},
		{"props.nickname": bson.M{"$exists": true}},
	}}, translated)
}

func TestTranslateQueryNullExclusionMatchesPresentValues(t *testing.T) {
	q := model.NewQuery("", "Person")
	filter := model.Where("nickname", model.OperatorGreaterThan, nil)
	q.Filter = &filter

	translated, _, err := TranslateQuery(q)
	require.NoError(t, err)
	assert.Equal(t, bson.M{
		"props.nickname": bson.M{"$exists": true, "$ne": nil},
	}, translated)
}

func TestTranslateQueryKeyFilters(t *testing.T) {
	key := model.NewKey("ns").IntID("Person", 5)

	q := model.NewQuery("ns", "Person")
	filter := model.Where(model.KeyProperty, model.OperatorGreaterThanOrEqual, key)
	q.Filter = &filter

	translated, _, err := TranslateQuery(q)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"_id": bson.M{"$gte": key.Encode()}}, translated)

	// Key-valued properties keep the wrapper document.
	q = model.NewQuery("ns", "Person")
	filter = model.Where("manager", model.OperatorEqual, key)
	q.Filter = &filter
	translated, _, err = TranslateQuery(q)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"props.manager": bson.M{keyFieldTag: key.Encode()}}, translated)
}

func TestTranslateQueryAncestor(t *testing.T) {
	ancestor := model.NewKey("ns").IntID("Person", 5)
	q := model.NewQuery("ns", "Task")
	q.Ancestor = &ancestor

	translated, _, err := TranslateQuery(q)
	require.NoError(t, err)
	encoded := ancestor.Encode()
	assert.Equal(t, bson.M{"$or": []bson.M{
		{"_id": encoded},
		{"_id": bson.M{"$gte": encoded + "/", "$lt": encoded + "0"}},
	}}, translated)

	// Combined with a filter the ancestor clause joins with $and.
	filter := model.Where("done", model.OperatorEqual, true)
	q.Filter = &filter
	translated, _, err = TranslateQuery(q)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$and": []bson.M{
		{"props.done": true},
		{"$or": []bson.M{
			{"_id": encoded},
			{"_id": bson.M{"$gte": encoded + "/", "$lt": encoded + "0"}},
		}},
	}}, translated)
}

func TestTranslateQueryRejectsUnexpandedOperators(t *testing.T) {
	for _, op := range []model.Operator{model.OperatorIn, model.OperatorRange, model.OperatorIsNull} {
		q := model.NewQuery("", "Person")
		filter := model.Where("age", op, []interface{}{int64(1)})
		q.Filter = &filter
		_, _, err := TranslateQuery(q)
		assert.Error(t, err, string(op))
	}
}

func TestTranslateQueryOptions(t *testing.T) {
	q := model.NewQuery("", "Person")
	q.Orders = []model.Order{
		{Property: "age", Direction: model.SortDescending},
		{Property: "name", Direction: model.SortAscending},
	}
	q.Offset = 5
	q.Limit = 10
	q.KeysOnly = true

	_, findOptions, err := TranslateQuery(q)
	require.NoError(t, err)
	assert.Equal(t, bson.D{
		{Key: "props.age", Value: -1},
		{Key: "props.name", Value: 1},
		{Key: "_id", Value: 1},
	}, findOptions.Sort)
	assert.Equal(t, int64(5), *findOptions.Skip)
	assert.Equal(t, int64(10), *findOptions.Limit)
	assert.Equal(t, bson.M{"_id": 1}, findOptions.Projection)
}

func TestEntityDocRoundTrip(t *testing.T) {
	e := model.NewEntity(model.NewKey("acme").IntID("Task", 7))
	e.Set("name", "a")
	e.Set("count", 3)
	e.Set("ratio", 0.5)
	e.Set("owner", model.NewKey("acme").StringID("User", "alice"))
	e.Set("tags", []interface{}{"x", int64(1)})
	e.SetUnindexed("body", "text")
	e.Classes = []string{"Base", "Task"}

	doc, err := fromEntity(e)
	require.NoError(t, err)
	assert.Equal(t, e.Key.Encode(), doc.ID)
	assert.Equal(t, int64(3), doc.Props["count"])
	assert.Equal(t, bson.M{keyFieldTag: "acme~User:nalice"}, doc.Props["owner"])

	back, err := doc.toEntity()
	require.NoError(t, err)
	assert.True(t, e.Key.Equal(back.Key))
	assert.Equal(t, "a", back.Properties["name"])
	assert.Equal(t, int64(3), back.Properties["count"])
	owner, ok := back.Properties["owner"].(model.Key)
	require.True(t, ok)
	assert.Equal(t, "alice", owner.NameValue())
	assert.True(t, back.Unindexed["body"])
	assert.Equal(t, e.Classes, back.Classes)
}

func TestEntityDocDecodesDriverTypes(t *testing.T) {
	doc := &entityDoc{
		ID: model.NewKey("").IntID("Task", 1).Encode(),
		Props: bson.M{
			"small": int32(7),
			"tags":  bson.A{"a", int32(2)},
		},
	}
	e, err := doc.toEntity()
	require.NoError(t, err)
	assert.Equal(t, int64(7), e.Properties["small"])
	assert.Equal(t, []interface{}{"a", int64(2)}, e.Properties["tags"])
}

func TestTranslateQueryTimeValues(t *testing.T) {
	when := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	q := model.NewQuery("", "Event")
	filter := model.Where("at", model.OperatorGreaterThan, when)
	q.Filter = &filter

	translated, _, err := TranslateQuery(q)
	require.NoError(t, err)
	assert.Equal(t, bson.M{"props.at": bson.M{"$gt": when}}, translated)
}
