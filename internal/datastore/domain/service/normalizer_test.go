package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gcloud-connector/internal/datastore/domain/model"
	"gcloud-connector/internal/shared/errors"
)

func normalize(t *testing.T, q *model.Query) *NormalizedQuery {
	t.Helper()
	nq, err := NewQueryNormalizer(nil).Normalize(q)
	require.NoError(t, err)
	return nq
}

func queryWithFilter(f model.Filter) *model.Query {
	q := model.NewQuery("app", "Task")
	q.Filter = &f
	return q
}

func TestNormalizeNoFilter(t *testing.T) {
	nq := normalize(t, model.NewQuery("app", "Task"))
	require.Len(t, nq.Branches, 1)
	assert.Empty(t, nq.Branches[0])
	assert.False(t, nq.Impossible)
}

func TestNormalizeInExpandsToOneBranchPerValue(t *testing.T) {
	nq := normalize(t, queryWithFilter(
		model.Where("priority", model.OperatorIn, []interface{}{1, 2, 3}),
	))
	require.Len(t, nq.Branches, 3)
	for i, branch := range nq.Branches {
		require.Len(t, branch, 1)
		assert.Equal(t, model.OperatorEqual, branch[0].Operator)
		assert.Equal(t, int64(i+1), branch[0].Value)
	}
}

func TestNormalizeRangeBecomesBoundPair(t *testing.T) {
	nq := normalize(t, queryWithFilter(
		model.Where("priority", model.OperatorRange, []interface{}{1, 5}),
	))
	require.Len(t, nq.Branches, 1)
	branch := nq.Branches[0]
	require.Len(t, branch, 2)
	assert.Equal(t, model.OperatorGreaterThanOrEqual, branch[0].Operator)
	assert.Equal(t, int64(1), branch[0].Value)
	assert.Equal(t, model.OperatorLessThanOrEqual, branch[1].Operator)
	assert.Equal(t, int64(5), branch[1].Value)
}

func TestNormalizeIsNull(t *testing.T) {
	nq := normalize(t, queryWithFilter(model.Where("done", model.OperatorIsNull, true)))
	require.Len(t, nq.Branches, 1)
	assert.Equal(t, model.OperatorEqual, nq.Branches[0][0].Operator)
	assert.Nil(t, nq.Branches[0][0].Value)

	nq = normalize(t, queryWithFilter(model.Where("done", model.OperatorIsNull, false)))
	require.Len(t, nq.Branches, 1)
	assert.Equal(t, model.OperatorGreaterThan, nq.Branches[0][0].Operator)
	assert.Nil(t, nq.Branches[0][0].Value)
}

func TestNormalizeNegatedEqualSplitsIntoTwoBranches(t *testing.T) {
	nq := normalize(t, queryWithFilter(
		model.Not(model.Where("priority", model.OperatorEqual, 3)),
	))
	require.Len(t, nq.Branches, 2)
	assert.Equal(t, model.OperatorLessThan, nq.Branches[0][0].Operator)
	assert.Equal(t, model.OperatorGreaterThan, nq.Branches[1][0].Operator)
}

func TestNormalizeNegatedInequalityFlips(t *testing.T) {
	cases := []struct {
		in   model.Operator
		want model.Operator
	}{
		{model.OperatorLessThan, model.OperatorGreaterThanOrEqual},
		{model.OperatorLessThanOrEqual, model.OperatorGreaterThan},
		{model.OperatorGreaterThan, model.OperatorLessThanOrEqual},
		{model.OperatorGreaterThanOrEqual, model.OperatorLessThan},
	}
	for _, tc := range cases {
		nq := normalize(t, queryWithFilter(model.Not(model.Where("priority", tc.in, 3))))
		require.Len(t, nq.Branches, 1)
		assert.Equal(t, tc.want, nq.Branches[0][0].Operator)
	}
}

func TestNormalizeAndDistributesOverOr(t *testing.T) {
	f := model.And(
		model.Where("done", model.OperatorEqual, false),
		model.Or(
			model.Where("priority", model.OperatorEqual, 1),
			model.Where("priority", model.OperatorEqual, 2),
		),
	)
	nq := normalize(t, queryWithFilter(f))
	require.Len(t, nq.Branches, 2)
	for _, branch := range nq.Branches {
		assert.Len(t, branch, 2)
	}
}

func TestNormalizeContradictionIsImpossible(t *testing.T) {
	f := model.And(
		model.Where("priority", model.OperatorEqual, 1),
		model.Where("priority", model.OperatorEqual, 2),
	)
	nq := normalize(t, queryWithFilter(f))
	assert.True(t, nq.Impossible)
	assert.Empty(t, nq.Branches)
}

func TestNormalizeDeduplicatesBranches(t *testing.T) {
	f := model.Or(
		model.Where("priority", model.OperatorEqual, 1),
		model.Where("priority", model.OperatorEqual, 1),
	)
	nq := normalize(t, queryWithFilter(f))
	assert.Len(t, nq.Branches, 1)
}

func TestNormalizeBranchCap(t *testing.T) {
	values := make([]interface{}, MaxQueryBranches+1)
	for i := range values {
		values[i] = i
	}
	_, err := NewQueryNormalizer(nil).Normalize(queryWithFilter(
		model.Where("priority", model.OperatorIn, values),
	))
	require.Error(t, err)
	assert.True(t, errors.IsNotSupported(err))
}

func TestNormalizeRejectsTwoInequalityProperties(t *testing.T) {
	f := model.And(
		model.Where("priority", model.OperatorGreaterThan, 1),
		model.Where("created", model.OperatorLessThan, 10),
	)
	_, err := NewQueryNormalizer(nil).Normalize(queryWithFilter(f))
	require.Error(t, err)
	assert.True(t, errors.IsNotSupported(err))
}

func TestNormalizeRejectsSortNotOnInequalityProperty(t *testing.T) {
	q := queryWithFilter(model.Where("priority", model.OperatorGreaterThan, 1))
	q.Orders = []model.Order{{Property: "created"}}
	_, err := NewQueryNormalizer(nil).Normalize(q)
	require.Error(t, err)
	assert.True(t, errors.IsNotSupported(err))
}

func TestKeyLookupDetectsPureKeyBranches(t *testing.T) {
	k1 := model.NewKey("app").StringID("Task", "a")
	k2 := model.NewKey("app").StringID("Task", "b")
	nq := normalize(t, queryWithFilter(
		model.Where(model.KeyProperty, model.OperatorIn, []interface{}{k1, k2, k1}),
	))
	keys, ok := nq.KeyLookup()
	require.True(t, ok)
	assert.Len(t, keys, 2)

	nq = normalize(t, queryWithFilter(model.Where("priority", model.OperatorEqual, 1)))
	_, ok = nq.KeyLookup()
	assert.False(t, ok)
}

func TestKeyLookupAllowsExtraBranchFilters(t *testing.T) {
	k := model.NewKey("app").StringID("Task", "a")
	nq := normalize(t, queryWithFilter(model.And(
		model.Where(model.KeyProperty, model.OperatorEqual, k),
		model.Where("done", model.OperatorEqual, true),
	)))
	keys, ok := nq.KeyLookup()
	require.True(t, ok, "a key equality plus extra filters still resolves to a get")
	require.Len(t, keys, 1)
	assert.True(t, k.Equal(keys[0]))

	// A branch without any key equality disqualifies the whole lookup.
	nq = normalize(t, queryWithFilter(model.Or(
		model.Where(model.KeyProperty, model.OperatorEqual, k),
		model.Where("done", model.OperatorEqual, true),
	)))
	_, ok = nq.KeyLookup()
	assert.False(t, ok)
}

func TestEqualityValues(t *testing.T) {
	nq := normalize(t, queryWithFilter(model.And(
		model.Where("email", model.OperatorEqual, "a@example.com"),
		model.Where("org", model.OperatorEqual, "acme"),
	)))
	require.Len(t, nq.Branches, 1)
	values, ok := nq.Branches[0].EqualityValues()
	require.True(t, ok)
	assert.Equal(t, "a@example.com", values["email"])

	nq = normalize(t, queryWithFilter(model.Where("priority", model.OperatorGreaterThan, 1)))
	_, ok = nq.Branches[0].EqualityValues()
	assert.False(t, ok)
}

func TestBranchQueryCarriesQueryShape(t *testing.T) {
	q := queryWithFilter(model.Where("priority", model.OperatorGreaterThan, 1))
	q.Orders = []model.Order{{Property: "priority"}}
	q.KeysOnly = true
	q.Offset = 5
	q.Limit = 10
	nq := normalize(t, q)

	bq := nq.BranchQuery(nq.Branches[0])
	assert.Equal(t, "Task", bq.Kind)
	assert.Equal(t, q.Orders, bq.Orders)
	assert.True(t, bq.KeysOnly)
	assert.NotNil(t, bq.Filter)
	assert.Zero(t, bq.Offset)
	assert.Zero(t, bq.Limit)
}
