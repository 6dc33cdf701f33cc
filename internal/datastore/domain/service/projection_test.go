package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gcloud-connector/internal/datastore/domain/model"
)

func taskEntity(name string, priority int64, done bool) *model.Entity {
	e := model.NewEntity(model.NewKey("app").StringID("Task", name))
	e.Set("name", name)
	e.Set("priority", priority)
	e.Set("done", done)
	return e
}

func TestApplyKeysOnlyStripsProperties(t *testing.T) {
	q := model.NewQuery("app", "Task")
	q.KeysOnly = true
	tr, err := NewResultTransformer(q)
	require.NoError(t, err)

	rows, err := tr.Apply([]*model.Entity{taskEntity("a", 1, false)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Empty(t, rows[0].Properties)
	assert.Equal(t, "a", rows[0].Key.NameValue())
}

func TestApplyProjectionKeepsRequestedProperties(t *testing.T) {
	q := model.NewQuery("app", "Task")
	q.Projection = []string{"priority", "missing"}
	tr, err := NewResultTransformer(q)
	require.NoError(t, err)

	rows, err := tr.Apply([]*model.Entity{taskEntity("a", 7, true)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(7), rows[0].Properties["priority"])
	value, ok := rows[0].Properties["missing"]
	assert.True(t, ok)
	assert.Nil(t, value)
	_, ok = rows[0].Properties["done"]
	assert.False(t, ok)
}

func TestApplyComputedColumnLeavesSourceUntouched(t *testing.T) {
	q := model.NewQuery("app", "Task")
	q.ComputedColumns = []model.ComputedColumn{
		{Name: "double_priority", Expression: "int(entity.priority) * 2"},
	}
	tr, err := NewResultTransformer(q)
	require.NoError(t, err)

	source := taskEntity("a", 4, false)
	rows, err := tr.Apply([]*model.Entity{source})
	require.NoError(t, err)
	assert.Equal(t, int64(8), rows[0].Properties["double_priority"])
	_, ok := source.Properties["double_priority"]
	assert.False(t, ok)
}

func TestNewResultTransformerRejectsBadExpression(t *testing.T) {
	q := model.NewQuery("app", "Task")
	q.ComputedColumns = []model.ComputedColumn{{Name: "bad", Expression: "entity.priority +"}}
	_, err := NewResultTransformer(q)
	require.Error(t, err)
}

func TestApplyDistinctDeduplicatesProjectionRows(t *testing.T) {
	q := model.NewQuery("app", "Task")
	q.Projection = []string{"priority"}
	q.Distinct = true
	tr, err := NewResultTransformer(q)
	require.NoError(t, err)

	rows, err := tr.Apply([]*model.Entity{
		taskEntity("a", 1, false),
		taskEntity("b", 1, true),
		taskEntity("c", 2, false),
	})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestSortEntitiesOrdersWithKeyTiebreak(t *testing.T) {
	a := taskEntity("a", 2, false)
	b := taskEntity("b", 1, false)
	c := taskEntity("c", 2, false)
	entities := []*model.Entity{c, a, b}

	SortEntities(entities, []model.Order{{Property: "priority"}})
	assert.Equal(t, "b", entities[0].Key.NameValue())
	assert.Equal(t, "a", entities[1].Key.NameValue())
	assert.Equal(t, "c", entities[2].Key.NameValue())

	SortEntities(entities, []model.Order{{Property: "priority", Direction: model.SortDescending}})
	assert.Equal(t, "b", entities[2].Key.NameValue())
}

func TestCompareEntitiesMixedTypesUseTypeOrder(t *testing.T) {
	a := model.NewEntity(model.NewKey("app").StringID("Task", "a"))
	a.Set("v", int64(5))
	b := model.NewEntity(model.NewKey("app").StringID("Task", "b"))
	b.Set("v", "5")
	// Integers sort before strings regardless of value.
	assert.Negative(t, CompareEntities(a, b, []model.Order{{Property: "v"}}))

	c := model.NewEntity(model.NewKey("app").StringID("Task", "c"))
	c.Set("v", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Negative(t, CompareEntities(a, c, []model.Order{{Property: "v"}}))
}
