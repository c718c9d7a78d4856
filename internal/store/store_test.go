package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir, err := NewDir(t.TempDir())
	require.NoError(t, err)
	bdb, err := OpenBadger(BadgerConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bdb.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"dir":    dir,
		"badger": bdb,
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load("missing")
			assert.True(t, IsNotFound(err))

			require.NoError(t, s.Save("uploads/a.bin", []byte{1, 2, 3}))
			require.NoError(t, s.Save("uploads/b.bin", []byte{4}))
			require.NoError(t, s.Save("artifacts/x/patch.bsdiff", []byte("delta")))

			got, err := s.Load("uploads/a.bin")
			require.NoError(t, err)
			assert.Equal(t, []byte{1, 2, 3}, got)

			require.NoError(t, s.Save("uploads/a.bin", []byte{9}))
			got, err = s.Load("uploads/a.bin")
			require.NoError(t, err)
			assert.Equal(t, []byte{9}, got)

			keys, err := s.List("uploads/")
			require.NoError(t, err)
			assert.Equal(t, []string{"uploads/a.bin", "uploads/b.bin"}, keys)

			all, err := s.List("")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			require.NoError(t, s.Delete("uploads/b.bin"))
			assert.True(t, IsNotFound(s.Delete("uploads/b.bin")))
			keys, err = s.List("uploads/")
			require.NoError(t, err)
			assert.Equal(t, []string{"uploads/a.bin"}, keys)
		})
	}
}

func TestStoreRejectsEscapingKeys(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "/abs", "../up", "a/../../b", `a\b`} {
				assert.Error(t, s.Save(key, []byte("x")), key)
			}
		})
	}
}

func TestMemoryCopiesOnSaveAndLoad(t *testing.T) {
	m := NewMemory()
	data := []byte{1, 2}
	require.NoError(t, m.Save("k", data))
	data[0] = 7
	got, err := m.Load("k")
	require.NoError(t, err)
	assert.Equal(t, byte(1), got[0])
	got[1] = 9
	again, _ := m.Load("k")
	assert.Equal(t, byte(2), again[1])
}

func TestCleanKey(t *testing.T) {
	k, err := CleanKey("a//b/./c")
	require.NoError(t, err)
	assert.Equal(t, "a/b/c", k)
}
