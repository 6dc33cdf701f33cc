package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEntitySetNormalizesValues(t *testing.T) {
	e := NewEntity(NewKey("ns").IntID("Task", 1))
	e.Set("count", 3)
	e.Set("ratio", float32(0.5))
	e.Set("tags", []interface{}{1, "two"})

	assert.Equal(t, int64(3), e.Properties["count"])
	assert.Equal(t, float64(0.5), e.Properties["ratio"])
	assert.Equal(t, []interface{}{int64(1), "two"}, e.Properties["tags"])
}

func TestEntityGetResolvesKeyProperty(t *testing.T) {
	key := NewKey("ns").IntID("Task", 1)
	e := NewEntity(key)
	e.Set("name", "wash dishes")

	v, ok := e.Get(KeyProperty)
	assert.True(t, ok)
	assert.True(t, key.Equal(v.(Key)))

	v, ok = e.Get("name")
	assert.True(t, ok)
	assert.Equal(t, "wash dishes", v)

	_, ok = e.Get("missing")
	assert.False(t, ok)
}

func TestEntityUnindexed(t *testing.T) {
	e := NewEntity(NewKey("ns").IntID("Task", 1))
	e.SetUnindexed("body", "long text")

	assert.Equal(t, "long text", e.Properties["body"])
	assert.True(t, e.Unindexed["body"])

	e.Delete("body")
	assert.NotContains(t, e.Properties, "body")
	assert.False(t, e.Unindexed["body"])
}

func TestEntityCloneIsIndependent(t *testing.T) {
	e := NewEntity(NewKey("ns").IntID("Task", 1))
	e.Set("name", "original")
	e.Set("tags", []interface{}{"a"})
	e.SetUnindexed("body", "text")
	e.Classes = []string{"Base", "Child"}

	clone := e.Clone()
	clone.Set("name", "changed")
	clone.Properties["tags"].([]interface{})[0] = "b"
	clone.Classes[0] = "Other"

	assert.Equal(t, "original", e.Properties["name"])
	assert.Equal(t, []interface{}{"a"}, e.Properties["tags"])
	assert.Equal(t, "Base", e.Classes[0])
	assert.True(t, clone.Unindexed["body"])
}

func TestEntityValidate(t *testing.T) {
	e := NewEntity(NewKey("ns").IntID("Task", 1))
	e.Set("name", "ok")
	assert.NoError(t, e.Validate())

	e.Properties["__hidden"] = true
	assert.Error(t, e.Validate())
	delete(e.Properties, "__hidden")

	e.Properties[""] = true
	assert.Error(t, e.Validate())
}

func TestCompareValuesWithinType(t *testing.T) {
	now := time.Now()
	cases := []struct {
		left, right interface{}
		want        int
	}{
		{int64(1), int64(2), -1},
		{int64(2), int64(2), 0},
		{"a", "b", -1},
		{false, true, -1},
		{true, true, 0},
		{1.5, 0.5, 1},
		{now, now.Add(time.Second), -1},
		{nil, nil, 0},
		{[]byte("abc"), []byte("abd"), -1},
		{NewKey("ns").IntID("K", 1), NewKey("ns").IntID("K", 2), -1},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CompareValues(c.left, c.right))
	}
}

func TestCompareValuesBlobsSortWithStrings(t *testing.T) {
	assert.Equal(t, -1, CompareValues("abc", []byte("abd")))
	assert.Equal(t, 1, CompareValues([]byte("abd"), "abc"))
	assert.Equal(t, 0, CompareValues("abc", []byte("abc")))
}

func TestCompareValuesAcrossTypes(t *testing.T) {
	// nil < int64 < time < bool < string < float64 < Key
	ordered := []interface{}{
		nil,
		int64(9000),
		time.Now(),
		true,
		"aardvark",
		-1.5,
		NewKey("ns").IntID("K", 1),
	}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Equal(t, -1, CompareValues(ordered[i], ordered[i+1]),
			"index %d should sort before index %d", i, i+1)
		assert.Equal(t, 1, CompareValues(ordered[i+1], ordered[i]))
	}
}
