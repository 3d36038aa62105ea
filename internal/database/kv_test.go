package database

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	t.Run("MissingKey", func(t *testing.T) {
		got, err := db.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("SetOverwrite", func(t *testing.T) {
		require.NoError(t, db.Set(ctx, "a", []byte("1")))
		require.NoError(t, db.Set(ctx, "a", []byte("2")))
		got, err := db.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("2"), got)
	})

	t.Run("MultiSetAndKeys", func(t *testing.T) {
		err := db.MultiSet(ctx, map[string][]byte{
			"sync_queue:2": []byte("b"),
			"sync_queue:1": []byte("a"),
			"other":        []byte("c"),
		})
		require.NoError(t, err)

		keys, err := db.Keys(ctx, "sync_queue:")
		require.NoError(t, err)
		assert.Equal(t, []string{"sync_queue:1", "sync_queue:2"}, keys)

		all, err := db.Keys(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run("RemoveAndMultiRemove", func(t *testing.T) {
		require.NoError(t, db.Remove(ctx, "a"))
		require.NoError(t, db.MultiRemove(ctx, []string{"sync_queue:1", "sync_queue:2", "nope"}))

		keys, err := db.Keys(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"other"}, keys)
	})

	t.Run("EmptyBulkOps", func(t *testing.T) {
		assert.NoError(t, db.MultiSet(ctx, nil))
		assert.NoError(t, db.MultiRemove(ctx, nil))
	})
}

func TestKVStore_ConcurrentWrites(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(id int) {
			defer wg.Done()
			key := fmt.Sprintf("k:%02d", id)
			assert.NoError(t, db.MultiSet(ctx, map[string][]byte{key: []byte(key)}))
		}(i)
	}
	wg.Wait()

	keys, err := db.Keys(ctx, "k:")
	require.NoError(t, err)
	assert.Len(t, keys, writers)
}
