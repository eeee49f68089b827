package offlinekit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyValueStore(t *testing.T, store KeyValueStore) {
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put get overwrite", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "cache/a", []byte(`{"v":1}`)))
		got, err := store.Get(ctx, "cache/a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":1}`, string(got))

		require.NoError(t, store.Put(ctx, "cache/a", []byte(`{"v":2}`)))
		got, err = store.Get(ctx, "cache/a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(got))
	})

	t.Run("keys by prefix sorted", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "cache/c", []byte(`1`)))
		require.NoError(t, store.Put(ctx, "cache/b", []byte(`1`)))
		require.NoError(t, store.Put(ctx, "cache_x", []byte(`1`)))
		require.NoError(t, store.Put(ctx, "offline/queue", []byte(`1`)))

		keys, err := store.Keys(ctx, "cache/")
		require.NoError(t, err)
		assert.Equal(t, []string{"cache/a", "cache/b", "cache/c"}, keys)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "cache/b"))
		require.NoError(t, store.Delete(ctx, "cache/b"))
		_, err := store.Get(ctx, "cache/b")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, store.Put(cctx, "k", []byte(`1`)))
	})
}

func TestMemoryStore(t *testing.T) {
	testKeyValueStore(t, NewMemoryStore())

	t.Run("values are copied", func(t *testing.T) {
		s := NewMemoryStore()
		ctx := context.Background()
		buf := []byte("abc")
		require.NoError(t, s.Put(ctx, "k", buf))
		buf[0] = 'x'
		got, _ := s.Get(ctx, "k")
		assert.Equal(t, "abc", string(got))
	})
}

func TestFileStore(t *testing.T) {
	root := filepath.Join(t.TempDir(), "data")
	store, err := NewFileStore(root)
	require.NoError(t, err)
	testKeyValueStore(t, store)

	t.Run("file permissions", func(t *testing.T) {
		require.NoError(t, store.Put(context.Background(), "entity/orders", []byte(`[]`)))
		info, err := os.Stat(filepath.Join(root, "entity%2Forders"))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("survives reopen", func(t *testing.T) {
		reopened, err := NewFileStore(root)
		require.NoError(t, err)
		got, err := reopened.Get(context.Background(), "cache/a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(got))
	})

	t.Run("rejects empty and dot keys", func(t *testing.T) {
		assert.Error(t, store.Put(context.Background(), "", []byte(`1`)))
		assert.Error(t, store.Put(context.Background(), ".hidden", []byte(`1`)))
	})
}

func TestSQLStore(t *testing.T) {
	dsn := os.Getenv("OFFLINEKIT_MYSQL_DSN")
	if dsn == "" {
		t.Skip("OFFLINEKIT_MYSQL_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	table := fmt.Sprintf("offlinekit_test_%d", time.Now().UnixNano()%1000000)
	store, err := OpenSQLStore(ctx, dsn, table)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.db.Exec("DROP TABLE " + table)
		store.Close()
	})

	testKeyValueStore(t, store)

	t.Run("like wildcards in prefix are literal", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "a%b/1", []byte(`1`)))
		require.NoError(t, store.Put(ctx, "axb/1", []byte(`1`)))
		keys, err := store.Keys(ctx, "a%b/")
		require.NoError(t, err)
		assert.Equal(t, []string{"a%b/1"}, keys)
	})
}

func TestNewSQLStoreValidatesTable(t *testing.T) {
	_, err := NewSQLStore(nil, "kv; DROP TABLE users")
	assert.Error(t, err)

	s, err := NewSQLStore(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "offlinekit_kv", s.table)
}

func TestLikePrefix(t *testing.T) {
	assert.Equal(t, `cache/%`, likePrefix("cache/"))
	assert.Equal(t, `a\%b\_c\\%`, likePrefix(`a%b_c\`))
}
