package localstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, path string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SetGetDelete(t *testing.T) {
	s := openTest(t, filepath.Join(t.TempDir(), "local.db"))

	_, ok := s.Get("animals/a1")
	assert.False(t, ok)

	s.Set("animals/a1", []byte(`{"id":"a1"}`))
	v, ok := s.Get("animals/a1")
	require.True(t, ok)
	assert.Equal(t, `{"id":"a1"}`, string(v))

	s.Delete("animals/a1")
	_, ok = s.Get("animals/a1")
	assert.False(t, ok)

	s.Delete("never-there")
}

func TestStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")

	s1, err := Open(path)
	require.NoError(t, err)
	s1.Set("k1", []byte("v1"))
	s1.Set("k2", []byte("v2"))
	s1.Delete("k2")
	require.NoError(t, s1.Close())

	s2 := openTest(t, path)
	v, ok := s2.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", string(v))
	assert.False(t, s2.Contains("k2"))
}

func TestStore_EvictionDeletesRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	s := openTest(t, path, WithCapacity(2))

	s.Set("a", []byte("1"))
	s.Set("b", []byte("2"))
	s.Get("a") // a is now most recent
	s.Set("c", []byte("3"))

	assert.ElementsMatch(t, []string{"a", "c"}, s.Keys())

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM kv WHERE key = 'b'`).Scan(&n))
	assert.Zero(t, n)
}

func TestStore_LoadBeyondCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")

	s1, err := Open(path, WithCapacity(10))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		s1.Set(fmt.Sprintf("k%d", i), []byte("v"))
	}
	require.NoError(t, s1.Close())

	s2 := openTest(t, path, WithCapacity(3))
	assert.Equal(t, 3, s2.Len())
	assert.Equal(t, []string{"k2", "k3", "k4"}, s2.Keys())
}

func TestStore_Rename(t *testing.T) {
	s := openTest(t, filepath.Join(t.TempDir(), "local.db"))

	s.Set("animals/tmp1", []byte("x"))
	assert.True(t, s.Rename("animals/tmp1", "animals/srv42"))
	assert.False(t, s.Contains("animals/tmp1"))
	v, ok := s.Get("animals/srv42")
	require.True(t, ok)
	assert.Equal(t, "x", string(v))

	assert.False(t, s.Rename("missing", "other"))
}

func TestStore_Meta(t *testing.T) {
	ctx := context.Background()
	s := openTest(t, filepath.Join(t.TempDir(), "local.db"), WithCapacity(1))

	_, ok, err := s.Meta(ctx, "queue")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutMeta(ctx, "queue", []byte("[]")))
	s.Set("a", []byte("1"))
	s.Set("b", []byte("2"))

	v, ok, err := s.Meta(ctx, "queue")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "[]", string(v), "meta is not subject to eviction")
}
