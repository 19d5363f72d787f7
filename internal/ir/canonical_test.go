package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeys(t *testing.T) {
	got, err := MarshalCanonical(Doc{"b": 1, "a": "x", "c": []any{true, nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1,"c":[true,null]}`, string(got))
}

func TestMarshalCanonical_NoHTMLEscape(t *testing.T) {
	got, err := MarshalCanonical(Doc{"q": "<a & b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"<a & b>"}`, string(got))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	decomposed := "é" // e + combining acute
	composed := "é"

	a, err := MarshalCanonical(Doc{decomposed: decomposed})
	require.NoError(t, err)
	b, err := MarshalCanonical(Doc{composed: composed})
	require.NoError(t, err)

	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonical_Nested(t *testing.T) {
	got, err := MarshalCanonical(Doc{"outer": map[string]any{"z": 1, "y": Doc{"k": "v"}}})
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"y":{"k":"v"},"z":1}}`, string(got))
}

func TestMarshalCanonical_Unsupported(t *testing.T) {
	_, err := MarshalCanonical(Doc{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestUnmarshalDoc(t *testing.T) {
	d, err := UnmarshalDoc([]byte(`{"name":"zebra","legs":4}`))
	require.NoError(t, err)
	assert.Equal(t, Doc{"name": "zebra", "legs": float64(4)}, d)

	empty, err := UnmarshalDoc(nil)
	require.NoError(t, err)
	assert.Equal(t, Doc{}, empty)
}

func TestDoc_CloneIsDeep(t *testing.T) {
	orig := Doc{"tags": []any{"a"}, "meta": map[string]any{"k": "v"}}
	c := orig.Clone()
	c["tags"].([]any)[0] = "changed"
	c["meta"].(map[string]any)["k"] = "changed"

	assert.Equal(t, "a", orig["tags"].([]any)[0])
	assert.Equal(t, "v", orig["meta"].(map[string]any)["k"])
}
