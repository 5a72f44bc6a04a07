package dtmi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberVivifiesAndKeepsOrder(t *testing.T) {
	t.Parallel()
	v := &Value{}
	v.SetInt("b", 1)
	v.SetInt("a", 2)
	v.SetInt("c", 3)

	require.True(t, v.IsObject())
	assert.Equal(t, []string{"b", "a", "c"}, v.Keys())

	v.SetInt("a", 9) // overwrite must not reorder
	assert.Equal(t, []string{"b", "a", "c"}, v.Keys())
	assert.Equal(t, int64(9), v.Get("a").AsInt())
}

func TestRemoveMember(t *testing.T) {
	t.Parallel()
	v := &Value{}
	v.SetInt("x", 1)
	v.SetInt("y", 2)
	v.RemoveMember("x")
	assert.False(t, v.IsMember("x"))
	assert.Equal(t, []string{"y"}, v.Keys())
	v.RemoveMember("nope") // no-op
	assert.Equal(t, 1, v.Size())
}

func TestShrinkDropsOldestFromFront(t *testing.T) {
	t.Parallel()
	v := NewArray()
	for i := int64(0); i < 5; i++ {
		v.Append(NewInt(i))
	}
	v.Shrink(3)
	require.Equal(t, 3, v.Size())
	assert.Equal(t, int64(2), v.Index(0).AsInt())
	assert.Equal(t, int64(4), v.Index(2).AsInt())

	v.Shrink(10) // larger than current size is a no-op
	assert.Equal(t, 3, v.Size())
}

func TestAppendConvertsNull(t *testing.T) {
	t.Parallel()
	v := &Value{}
	v.Append(NewInt(7))
	require.Equal(t, KindArray, v.Kind())
	assert.Equal(t, int64(7), v.Index(0).AsInt())
}

func TestScalarAccessors(t *testing.T) {
	t.Parallel()
	assert.Equal(t, int64(1), NewBool(true).AsInt())
	assert.Equal(t, int64(0), NewBool(false).AsInt())
	assert.True(t, NewInt(5).AsBool())
	assert.Equal(t, "abc", NewString("abc").AsString())
	assert.Nil(t, NewInt(1).Bytes())

	var nilVal *Value
	assert.True(t, nilVal.IsNull())
	assert.Equal(t, int64(0), nilVal.AsInt())
	assert.Nil(t, nilVal.Get("x"))
}

func TestNullResets(t *testing.T) {
	t.Parallel()
	v := &Value{}
	v.SetString("a", "b")
	v.Null()
	assert.True(t, v.IsNull())
	assert.False(t, v.IsMember("a"))
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	v := &Value{}
	v.Member("inner").SetInt("n", 1)
	arr := v.Member("list")
	arr.Append(NewString("x"))

	c := v.Clone()
	require.True(t, c.Equal(v))

	v.Member("inner").SetInt("n", 2)
	assert.Equal(t, int64(1), c.Get("inner").Get("n").AsInt())
}

func TestEqual(t *testing.T) {
	t.Parallel()
	a := &Value{}
	a.SetInt("n", 1)
	a.SetString("s", "x")

	b := &Value{}
	b.SetString("s", "x")
	b.SetInt("n", 1)

	assert.True(t, a.Equal(b), "member order must not affect equality")

	b.SetInt("n", 2)
	assert.False(t, a.Equal(b))
}
