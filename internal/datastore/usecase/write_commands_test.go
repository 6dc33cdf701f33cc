package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/datastore/domain/service"
	"gcloud-connector/internal/shared/errors"
)

func TestInsertCompletesIncompleteKeys(t *testing.T) {
	f := newFixture(t, nil)

	e := model.NewEntity(model.NewKey("").IncompleteID("Task"))
	e.Set("name", "a")
	keys, err := f.inserts.Execute(context.Background(), []*model.Entity{e})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.False(t, keys[0].Incomplete())
	assert.Greater(t, keys[0].IntIDValue(), int64(0))
}

func TestInsertReservesExplicitIDs(t *testing.T) {
	f := newFixture(t, nil)

	explicit := model.NewEntity(model.NewKey("").IntID("Task", 100))
	explicit.Set("name", "explicit")
	_, err := f.inserts.Execute(context.Background(), []*model.Entity{explicit})
	require.NoError(t, err)

	auto := model.NewEntity(model.NewKey("").IncompleteID("Task"))
	auto.Set("name", "auto")
	keys, err := f.inserts.Execute(context.Background(), []*model.Entity{auto})
	require.NoError(t, err)
	assert.Greater(t, keys[0].IntIDValue(), int64(100),
		"allocator must skip past reserved IDs")
}

func TestInsertRejectsExistingKey(t *testing.T) {
	f := newFixture(t, nil)

	e := model.NewEntity(model.NewKey("").StringID("Task", "dup"))
	e.Set("name", "first")
	_, err := f.inserts.Execute(context.Background(), []*model.Entity{e})
	require.NoError(t, err)

	again := model.NewEntity(model.NewKey("").StringID("Task", "dup"))
	again.Set("name", "second")
	_, err = f.inserts.Execute(context.Background(), []*model.Entity{again})
	require.Error(t, err)
	assert.True(t, errors.IsIntegrity(err))

	// The failed insert must not clobber the stored entity.
	q := model.NewQuery("", "Task")
	result, err := f.selects.Execute(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, "first", result.Entities[0].Properties["name"])
}

func TestInsertUniqueConflict(t *testing.T) {
	f := newFixture(t, service.UniqueConstraints{"Task": {{"slug"}}})

	f.seedTasks(t, map[string]interface{}{"name": "a", "slug": "alpha"})

	clash := model.NewEntity(model.NewKey("").IncompleteID("Task"))
	clash.Set("name", "b")
	clash.Set("slug", "alpha")
	_, err := f.inserts.Execute(context.Background(), []*model.Entity{clash})
	require.Error(t, err)
	assert.True(t, errors.IsIntegrity(err))

	// No half-written entity, no stolen marker.
	result, err := f.selects.Execute(context.Background(), model.NewQuery("", "Task"))
	require.NoError(t, err)
	assert.Len(t, result.Entities, 1)
}

func TestInsertBatchWithDuplicateUniqueValues(t *testing.T) {
	f := newFixture(t, service.UniqueConstraints{"Task": {{"slug"}}})

	first := model.NewEntity(model.NewKey("").StringID("Task", "one"))
	first.Set("slug", "same")
	second := model.NewEntity(model.NewKey("").StringID("Task", "two"))
	second.Set("slug", "same")

	_, err := f.inserts.Execute(context.Background(), []*model.Entity{first, second})
	require.Error(t, err)
	assert.True(t, errors.IsIntegrity(err))

	result, err := f.selects.Execute(context.Background(), model.NewQuery("", "Task"))
	require.NoError(t, err)
	assert.Empty(t, result.Entities)

	// The rejected batch must not leave a marker behind.
	fresh := model.NewEntity(model.NewKey("").StringID("Task", "three"))
	fresh.Set("slug", "same")
	_, err = f.inserts.Execute(context.Background(), []*model.Entity{fresh})
	assert.NoError(t, err)
}

func TestInsertUniqueRollbackFreesMarkers(t *testing.T) {
	f := newFixture(t, service.UniqueConstraints{"Task": {{"slug"}}})

	blocker := model.NewEntity(model.NewKey("").StringID("Task", "one"))
	blocker.Set("slug", "free-me")
	_, err := f.inserts.Execute(context.Background(), []*model.Entity{blocker})
	require.NoError(t, err)

	// Fails on the duplicate key, after having acquired markers.
	dup := model.NewEntity(model.NewKey("").StringID("Task", "one"))
	dup.Set("slug", "other")
	_, err = f.inserts.Execute(context.Background(), []*model.Entity{dup})
	require.Error(t, err)

	// The rolled back marker must be acquirable again.
	fresh := model.NewEntity(model.NewKey("").StringID("Task", "two"))
	fresh.Set("slug", "other")
	_, err = f.inserts.Execute(context.Background(), []*model.Entity{fresh})
	assert.NoError(t, err)
}

func TestInsertBatchTooLarge(t *testing.T) {
	f := newFixture(t, nil)
	batch := make([]*model.Entity, TransactionEntityLimit+1)
	for i := range batch {
		batch[i] = model.NewEntity(model.NewKey("").IncompleteID("Task"))
	}
	_, err := f.inserts.Execute(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, errors.IsTransaction(err))
}

func TestUpdateRewritesEntity(t *testing.T) {
	f := newFixture(t, nil)
	keys := f.seedTasks(t, map[string]interface{}{"name": "a", "done": false})

	updated := model.NewEntity(keys[0])
	updated.Set("name", "a")
	updated.Set("done", true)
	require.NoError(t, f.updates.Execute(context.Background(), updated))

	q := model.NewQuery("", "Task")
	filter := model.Where(model.KeyProperty, model.OperatorEqual, keys[0])
	q.Filter = &filter
	result, err := f.selects.Execute(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, true, result.Entities[0].Properties["done"])
}

func TestUpdateMissingEntity(t *testing.T) {
	f := newFixture(t, nil)

	ghost := model.NewEntity(model.NewKey("").IntID("Task", 999))
	ghost.Set("name", "ghost")
	err := f.updates.Execute(context.Background(), ghost)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestUpdateRequiresCompleteKey(t *testing.T) {
	f := newFixture(t, nil)
	e := model.NewEntity(model.NewKey("").IncompleteID("Task"))
	assert.Error(t, f.updates.Execute(context.Background(), e))
}

func TestUpdateSwapsUniqueMarkers(t *testing.T) {
	f := newFixture(t, service.UniqueConstraints{"Task": {{"slug"}}})
	keys := f.seedTasks(t, map[string]interface{}{"name": "a", "slug": "before"})

	updated := model.NewEntity(keys[0])
	updated.Set("name", "a")
	updated.Set("slug", "after")
	require.NoError(t, f.updates.Execute(context.Background(), updated))

	// The old value is free again, the new one is taken.
	reuse := model.NewEntity(model.NewKey("").IncompleteID("Task"))
	reuse.Set("slug", "before")
	_, err := f.inserts.Execute(context.Background(), []*model.Entity{reuse})
	assert.NoError(t, err)

	clash := model.NewEntity(model.NewKey("").IncompleteID("Task"))
	clash.Set("slug", "after")
	_, err = f.inserts.Execute(context.Background(), []*model.Entity{clash})
	require.Error(t, err)
	assert.True(t, errors.IsIntegrity(err))
}

func TestUpdateConflictKeepsOldMarkers(t *testing.T) {
	f := newFixture(t, service.UniqueConstraints{"Task": {{"slug"}}})
	keys := f.seedTasks(t,
		map[string]interface{}{"name": "a", "slug": "alpha"},
		map[string]interface{}{"name": "b", "slug": "beta"},
	)

	steal := model.NewEntity(keys[0])
	steal.Set("name", "a")
	steal.Set("slug", "beta")
	err := f.updates.Execute(context.Background(), steal)
	require.Error(t, err)
	assert.True(t, errors.IsIntegrity(err))

	// alpha must still be held by the unchanged entity.
	clash := model.NewEntity(model.NewKey("").IncompleteID("Task"))
	clash.Set("slug", "alpha")
	_, err = f.inserts.Execute(context.Background(), []*model.Entity{clash})
	assert.Error(t, err)
}

func TestDeleteByQuery(t *testing.T) {
	f := newFixture(t, nil)
	f.seedTasks(t,
		map[string]interface{}{"name": "a", "done": true},
		map[string]interface{}{"name": "b", "done": false},
		map[string]interface{}{"name": "c", "done": true},
	)

	q := model.NewQuery("", "Task")
	filter := model.Where("done", model.OperatorEqual, true)
	q.Filter = &filter

	result, err := f.deletes.Execute(context.Background(), q, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Deleted)

	remaining, err := f.selects.Execute(context.Background(), model.NewQuery("", "Task"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, taskNames(remaining))
}

func TestDeleteBeyondTransactionLimit(t *testing.T) {
	f := newFixture(t, nil)

	entities := make([]*model.Entity, TransactionEntityLimit+1)
	for i := range entities {
		e := model.NewEntity(model.NewKey("").IntID("Task", int64(i+1)))
		e.Set("name", "bulk")
		entities[i] = e
	}
	_, err := f.store.PutMulti(context.Background(), entities)
	require.NoError(t, err)

	_, err = f.deletes.Execute(context.Background(), model.NewQuery("", "Task"), "")
	require.Error(t, err)
	assert.True(t, errors.IsIntegrity(err))

	// The failed bulk delete must not remove anything.
	assert.Equal(t, TransactionEntityLimit+1, f.store.Size())
}

func TestDeleteLimitShrinksWithUniqueConstraints(t *testing.T) {
	f := newFixture(t, service.UniqueConstraints{"Task": {{"slug"}}})

	// One marker per entity halves the batch limit.
	limit := TransactionEntityLimit / 2
	entities := make([]*model.Entity, limit+1)
	for i := range entities {
		e := model.NewEntity(model.NewKey("").IntID("Task", int64(i+1)))
		e.Set("slug", fmt.Sprintf("slug-%d", i))
		entities[i] = e
	}
	_, err := f.store.PutMulti(context.Background(), entities)
	require.NoError(t, err)

	_, err = f.deletes.Execute(context.Background(), model.NewQuery("", "Task"), "")
	require.Error(t, err)
	assert.True(t, errors.IsIntegrity(err))
}

func TestDeleteReleasesUniqueMarkers(t *testing.T) {
	f := newFixture(t, service.UniqueConstraints{"Task": {{"slug"}}})
	f.seedTasks(t, map[string]interface{}{"name": "a", "slug": "alpha"})

	_, err := f.deletes.Execute(context.Background(), model.NewQuery("", "Task"), "")
	require.NoError(t, err)

	again := model.NewEntity(model.NewKey("").IncompleteID("Task"))
	again.Set("slug", "alpha")
	_, err = f.inserts.Execute(context.Background(), []*model.Entity{again})
	assert.NoError(t, err)
}

func TestDeleteDemotesPolymorphicChildren(t *testing.T) {
	f := newFixture(t, nil)

	child := model.NewEntity(model.NewKey("").IncompleteID("Animal"))
	child.Set("name", "rex")
	child.Classes = []string{"Animal", "Dog"}
	child.Set(model.ClassProperty, []interface{}{"Animal", "Dog"})

	plain := model.NewEntity(model.NewKey("").IncompleteID("Animal"))
	plain.Set("name", "generic")

	_, err := f.inserts.Execute(context.Background(), []*model.Entity{child, plain})
	require.NoError(t, err)

	result, err := f.deletes.Execute(context.Background(), model.NewQuery("", "Animal"), "Dog")
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Deleted, "the plain entity is removed")
	assert.Equal(t, int64(1), result.Demoted, "the child loses its class instead")

	remaining, err := f.selects.Execute(context.Background(), model.NewQuery("", "Animal"))
	require.NoError(t, err)
	require.Len(t, remaining.Entities, 1)
	assert.Equal(t, []string{"Animal"}, remaining.Entities[0].Classes)
	assert.Equal(t, []interface{}{"Animal"}, remaining.Entities[0].Properties[model.ClassProperty])
}

func TestFlushWipesKindAndMarkers(t *testing.T) {
	f := newFixture(t, service.UniqueConstraints{"Task": {{"slug"}}})
	f.seedTasks(t,
		map[string]interface{}{"name": "a", "slug": "alpha"},
		map[string]interface{}{"name": "b", "slug": "beta"},
	)
	f.seedOther(t)

	flushed, err := f.deletes.Flush(context.Background(), "", "Task")
	require.NoError(t, err)
	assert.Equal(t, int64(2), flushed)

	result, err := f.selects.Execute(context.Background(), model.NewQuery("", "Task"))
	require.NoError(t, err)
	assert.Empty(t, result.Entities)

	// Markers went with the entities, so the values are free again.
	again := model.NewEntity(model.NewKey("").IncompleteID("Task"))
	again.Set("slug", "alpha")
	_, err = f.inserts.Execute(context.Background(), []*model.Entity{again})
	assert.NoError(t, err)

	// Other kinds are untouched.
	other, err := f.selects.Execute(context.Background(), model.NewQuery("", "Note"))
	require.NoError(t, err)
	assert.Len(t, other.Entities, 1)
}

func (f *fixture) seedOther(t *testing.T) {
	t.Helper()
	note := model.NewEntity(model.NewKey("").IncompleteID("Note"))
	note.Set("body", "keep me")
	_, err := f.inserts.Execute(context.Background(), []*model.Entity{note})
	require.NoError(t, err)
}
