package cache

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	c := New[string, int](4, time.Minute)
	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, Stats{Hits: 1, Misses: 1, Entries: 1}, c.Stats())
}

func TestSizeBound(t *testing.T) {
	c := New[int, int](3, time.Minute)
	for i := 0; i < 10; i++ {
		c.Set(i, i)
	}
	assert.Equal(t, 3, c.Len())
	_, ok := c.Get(0)
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get(9)
	assert.True(t, ok)
}

func TestExpiredEntriesAreNeverReturned(t *testing.T) {
	c := New[string, string](10, 20*time.Millisecond)
	c.Set("k", "v")
	time.Sleep(40 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestDeleteFuncAndClear(t *testing.T) {
	c := New[string, bool](10, time.Minute)
	c.Set("s1\x00edit\x00a.go", true)
	c.Set("s1\x00execute\x00ls", true)
	c.Set("s2\x00edit\x00a.go", true)

	n := c.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, "s1\x00") })
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Zero(t, c.Len())
}

func TestConcurrentAccess(t *testing.T) {
	c := New[string, int](100, time.Minute)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("%d-%d", g, i%20)
				c.Set(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 100)
}
