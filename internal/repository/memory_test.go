package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		value := []byte("hello")
		require.NoError(t, store.Set(ctx, "a", value))
		value[0] = 'j'

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), got, "stored value must not alias the caller's slice")
	})

	t.Run("Missing", func(t *testing.T) {
		got, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("BulkAndKeys", func(t *testing.T) {
		require.NoError(t, store.MultiSet(ctx, map[string][]byte{"q:2": []byte("2"), "q:1": []byte("1")}))
		keys, err := store.Keys(ctx, "q:")
		require.NoError(t, err)
		assert.Equal(t, []string{"q:1", "q:2"}, keys)

		require.NoError(t, store.MultiRemove(ctx, []string{"q:1", "q:2"}))
		require.NoError(t, store.Remove(ctx, "a"))
		keys, _ = store.Keys(ctx, "")
		assert.Empty(t, keys)
	})
}
