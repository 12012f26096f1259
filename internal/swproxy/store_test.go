package swproxy

import (
	"bytes"
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(body string) Snapshot {
	return Snapshot{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
		Type:   TypeBasic,
		Hash:   hashBody([]byte(body)),
	}
}

// runStoreSuite exercises the behaviour every Store must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("MatchMiss", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.Match(ctx, "v1", "GET https://site.test/none")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("PutMatch", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Open(ctx, "v1"))
		want := testSnapshot("hello")
		want.Pinned = true
		require.NoError(t, s.Put(ctx, "v1", "GET https://site.test/a.js", want))

		got, ok, err := s.Match(ctx, "v1", "GET https://site.test/a.js")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)

		_, ok, err = s.Match(ctx, "v2", "GET https://site.test/a.js")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("PutReplaces", func(t *testing.T) {
		s := newStore(t)
		key := "GET https://site.test/api/x"
		require.NoError(t, s.Put(ctx, "v1", key, testSnapshot("one")))
		require.NoError(t, s.Put(ctx, "v1", key, testSnapshot("two")))

		got, ok, err := s.Match(ctx, "v1", key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "two", string(got.Body))

		keys, err := s.Keys(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, []string{key}, keys)
	})

	t.Run("OverwriteKeepsPin", func(t *testing.T) {
		s := newStore(t)
		key := "GET https://site.test/index.html"
		pinned := testSnapshot("shell v1")
		pinned.Pinned = true
		require.NoError(t, s.Put(ctx, "v1", key, pinned))
		require.NoError(t, s.Put(ctx, "v1", key, testSnapshot("shell v2")))

		got, ok, err := s.Match(ctx, "v1", key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "shell v2", string(got.Body))
		assert.True(t, got.Pinned)
	})

	t.Run("GenerationsAndDelete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Open(ctx, "v1"))
		require.NoError(t, s.Put(ctx, "v2", "GET https://site.test/a.css", testSnapshot("a")))
		require.NoError(t, s.Put(ctx, "v2", "GET https://site.test/b.css", testSnapshot("b")))

		gens, err := s.Generations(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"v1", "v2"}, gens)

		require.NoError(t, s.DeleteGeneration(ctx, "v2"))
		gens, err = s.Generations(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"v1"}, gens)

		_, ok, err := s.Match(ctx, "v2", "GET https://site.test/a.css")
		require.NoError(t, err)
		assert.False(t, ok)
		keys, err := s.Keys(ctx, "v2")
		require.NoError(t, err)
		assert.Empty(t, keys)

		require.NoError(t, s.DeleteGeneration(ctx, "missing"))
	})

	t.Run("ConcurrentPuts", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				body := string(bytes.Repeat([]byte{byte('a' + i)}, 64))
				assert.NoError(t, s.Put(ctx, "v1", "GET https://site.test/same.js", testSnapshot(body)))
			}(i)
		}
		wg.Wait()

		got, ok, err := s.Match(ctx, "v1", "GET https://site.test/same.js")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Len(t, got.Body, 64)
		assert.Equal(t, hashBody(got.Body), got.Hash)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s := newMemoryStore(0)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})

	t.Run("MatchReturnsCopy", func(t *testing.T) {
		ctx := context.Background()
		s := newMemoryStore(0)
		require.NoError(t, s.Put(ctx, "v1", "k", testSnapshot("abc")))
		got, _, err := s.Match(ctx, "v1", "k")
		require.NoError(t, err)
		got.Body[0] = 'x'
		again, _, err := s.Match(ctx, "v1", "k")
		require.NoError(t, err)
		assert.Equal(t, "abc", string(again.Body))
	})
}

func TestRAMCacheEviction(t *testing.T) {
	entry := func(body string, pinned bool) Snapshot {
		return Snapshot{Status: 200, Body: []byte(body), Pinned: pinned}
	}
	// Key "k?" plus a 10 byte body is 12 bytes per entry.
	c := newRAMCache(36)

	require.NoError(t, c.Put("k0", entry("0123456789", true)))
	require.NoError(t, c.Put("k1", entry("0123456789", false)))
	require.NoError(t, c.Put("k2", entry("0123456789", false)))
	assert.Equal(t, int64(36), c.TotalSize())

	_, ok := c.Get("k1")
	require.True(t, ok)

	require.NoError(t, c.Put("k3", entry("0123456789", false)))
	assert.Equal(t, int64(36), c.TotalSize())

	_, ok = c.Get("k0")
	assert.True(t, ok, "pinned entry evicted")
	_, ok = c.Get("k1")
	assert.True(t, ok, "recently used entry evicted")
	_, ok = c.Get("k2")
	assert.False(t, ok, "least recently used entry kept")
	_, ok = c.Get("k3")
	assert.True(t, ok)

	t.Run("OverwrittenPinNotEvicted", func(t *testing.T) {
		c := newRAMCache(24)
		require.NoError(t, c.Put("k0", entry("0123456789", true)))
		require.NoError(t, c.Put("k0", entry("9876543210", false)))
		require.NoError(t, c.Put("k1", entry("0123456789", false)))
		require.NoError(t, c.Put("k2", entry("0123456789", false)))

		_, ok := c.Get("k0")
		assert.True(t, ok)
		_, ok = c.Get("k1")
		assert.False(t, ok)
	})

	t.Run("TooLarge", func(t *testing.T) {
		c := newRAMCache(8)
		require.ErrorIs(t, c.Put("big", entry("0123456789", false)), ErrEntryTooLarge)
		require.NoError(t, c.Put("pin", entry("0123456789", true)))
		assert.Equal(t, []string{"pin"}, c.Keys())
	})

	t.Run("PinnedOnlyMayExceedBound", func(t *testing.T) {
		c := newRAMCache(20)
		require.NoError(t, c.Put("p1", entry("0123456789", true)))
		require.NoError(t, c.Put("p2", entry("0123456789", true)))
		assert.Len(t, c.Keys(), 2)
		assert.Equal(t, int64(24), c.TotalSize())
	})
}

func TestLevelDBStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := newLevelDBStore(filepath.Join(t.TempDir(), "db"), 0, newCodec(CompressionLZ4), quietLogger())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})

	t.Run("PersistsAcrossReopen", func(t *testing.T) {
		ctx := context.Background()
		dir := filepath.Join(t.TempDir(), "db")

		s, err := newLevelDBStore(dir, 0, newCodec(CompressionBrotli), quietLogger())
		require.NoError(t, err)
		pinned := testSnapshot("shell")
		pinned.Pinned = true
		require.NoError(t, s.Put(ctx, "v1", "GET https://site.test/", pinned))
		require.NoError(t, s.Put(ctx, "v1", "GET https://site.test/a.js", testSnapshot("js")))
		size := s.TotalSize()
		require.NoError(t, s.Close())

		s, err = newLevelDBStore(dir, 0, newCodec(CompressionNone), quietLogger())
		require.NoError(t, err)
		defer s.Close()

		assert.Equal(t, size, s.TotalSize())
		keys, err := s.Keys(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, []string{"GET https://site.test/", "GET https://site.test/a.js"}, keys)

		got, ok, err := s.Match(ctx, "v1", "GET https://site.test/")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, pinned, got)
	})

	t.Run("EvictsUnpinned", func(t *testing.T) {
		ctx := context.Background()
		c := newCodec(CompressionNone)
		body := string(bytes.Repeat([]byte("x"), 1000))
		b, err := c.encode(testSnapshot(body))
		require.NoError(t, err)
		entrySize := int64(len(b))

		s, err := newLevelDBStore(filepath.Join(t.TempDir(), "db"), entrySize*5/2, c, quietLogger())
		require.NoError(t, err)
		defer s.Close()

		pinned := testSnapshot(body)
		pinned.Pinned = true
		require.NoError(t, s.Put(ctx, "v1", "pinned", pinned))
		require.NoError(t, s.Put(ctx, "v1", "a", testSnapshot(body)))
		require.NoError(t, s.Put(ctx, "v1", "b", testSnapshot(body)))

		require.Eventually(t, func() bool {
			return s.TotalSize() <= entrySize*5/2
		}, 2*time.Second, 10*time.Millisecond)

		keys, err := s.Keys(ctx, "v1")
		require.NoError(t, err)
		assert.Contains(t, keys, "pinned")
		assert.Len(t, keys, 2)
	})
}
