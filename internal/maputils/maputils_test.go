package maputils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDoc(t *testing.T) map[string]any {
	t.Helper()

	var doc map[string]any
	err := json.Unmarshal([]byte(`{
		"str": "value",
		"num": 42,
		"frac": 1.5,
		"obj": {"key": "val"},
		"list": ["a", "b"],
		"mixed": ["a", 1]
	}`), &doc)
	require.NoError(t, err)

	return doc
}

func TestStrVal(t *testing.T) {
	doc := testDoc(t)

	val, err := StrVal(doc, "str")
	require.NoError(t, err)
	assert.Equal(t, "value", val)

	val, err = StrVal(doc, "missing")
	require.NoError(t, err)
	assert.Empty(t, val)

	_, err = StrVal(doc, "num")
	assert.Error(t, err)
}

func TestIntVal(t *testing.T) {
	doc := testDoc(t)

	val, exists, err := IntVal(doc, "num")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, int64(42), val)

	_, exists, err = IntVal(doc, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	_, _, err = IntVal(doc, "frac")
	assert.Error(t, err)

	_, _, err = IntVal(doc, "str")
	assert.Error(t, err)
}

func TestMapVal(t *testing.T) {
	doc := testDoc(t)

	val, err := MapVal(doc, "obj")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"key": "val"}, val)

	val, err = MapVal(doc, "missing")
	require.NoError(t, err)
	assert.Empty(t, val)

	_, err = MapVal(doc, "str")
	assert.Error(t, err)
}

func TestStrSliceVal(t *testing.T) {
	doc := testDoc(t)

	val, err := StrSliceVal(doc, "list")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, val)

	val, err = StrSliceVal(doc, "missing")
	require.NoError(t, err)
	assert.Nil(t, val)

	_, err = StrSliceVal(doc, "mixed")
	assert.Error(t, err)

	_, err = StrSliceVal(doc, "str")
	assert.Error(t, err)
}

func TestToStrMap(t *testing.T) {
	val, err := ToStrMap(map[string]any{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "b"}, val)

	_, err = ToStrMap(map[string]any{"a": 1.0})
	assert.Error(t, err)
}
