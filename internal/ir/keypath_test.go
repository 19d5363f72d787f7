package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyPath_String(t *testing.T) {
	kp := NewKeyPath("zoo", "123", "animals")
	assert.Equal(t, "zoo/123/animals", kp.String())
}

func TestParseKeyPath_RoundTrip(t *testing.T) {
	kp, err := ParseKeyPath("/zoo/123/animals/")
	require.NoError(t, err)
	assert.Equal(t, KeyPath{"zoo", "123", "animals"}, kp)
}

func TestParseKeyPath_Empty(t *testing.T) {
	_, err := ParseKeyPath("")
	require.Error(t, err)
	assert.True(t, IsValidation(err))
}

func TestKeyPath_Validate(t *testing.T) {
	tests := []struct {
		name string
		kp   KeyPath
		ok   bool
	}{
		{"bucket", KeyPath{"animals"}, true},
		{"document", KeyPath{"animals", "a1"}, true},
		{"empty", KeyPath{}, false},
		{"empty segment", KeyPath{"zoo", "", "animals"}, false},
		{"delimiter in segment", KeyPath{"zoo/1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.kp.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, IsValidation(err), "want validation error, got %v", err)
			}
		})
	}
}

func TestKeyPath_Model(t *testing.T) {
	assert.Equal(t, "animals", KeyPath{"animals"}.Model())
	assert.Equal(t, "animals", KeyPath{"animals", "a1"}.Model())
	assert.Equal(t, "animals", KeyPath{"zoo", "123", "animals"}.Model())
	assert.True(t, KeyPath{"zoo", "123", "animals"}.IsGroup())
	assert.True(t, KeyPath{"zoo", "123"}.IsDocument())
}

func TestKeyPath_AppendDoesNotAlias(t *testing.T) {
	base := make(KeyPath, 1, 4)
	base[0] = "animals"

	a := base.Append("a1")
	b := base.Append("b1")

	assert.Equal(t, KeyPath{"animals", "a1"}, a)
	assert.Equal(t, KeyPath{"animals", "b1"}, b)
}

func TestKeyPath_Rewrite(t *testing.T) {
	kp := KeyPath{"zoo", "tmp1", "animals"}

	got, ok := kp.Rewrite("tmp1", "srv42")
	require.True(t, ok)
	assert.Equal(t, KeyPath{"zoo", "srv42", "animals"}, got)
	assert.Equal(t, KeyPath{"zoo", "tmp1", "animals"}, kp, "receiver must not change")

	_, ok = kp.Rewrite("other", "x")
	assert.False(t, ok)
}
