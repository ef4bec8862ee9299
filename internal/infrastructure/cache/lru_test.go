package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU(t *testing.T) {
	t.Run("GetSet", func(t *testing.T) {
		c := NewLRU(2, 0)
		c.Set("a", 1)

		v, ok := c.Get("a")
		require.True(t, ok)
		assert.Equal(t, 1, v)

		_, ok = c.Get("missing")
		assert.False(t, ok)
	})

	t.Run("EvictsLeastRecentlyUsed", func(t *testing.T) {
		c := NewLRU(2, 0)
		c.Set("a", 1)
		c.Set("b", 2)
		c.Get("a")
		c.Set("c", 3)

		_, ok := c.Get("b")
		assert.False(t, ok)
		_, ok = c.Get("a")
		assert.True(t, ok)
		_, ok = c.Get("c")
		assert.True(t, ok)
		assert.Equal(t, 2, c.Len())
	})

	t.Run("UpdateDoesNotGrow", func(t *testing.T) {
		c := NewLRU(2, 0)
		c.Set("a", 1)
		c.Set("a", 2)
		assert.Equal(t, 1, c.Len())

		v, _ := c.Get("a")
		assert.Equal(t, 2, v)
	})

	t.Run("ExpiresByAge", func(t *testing.T) {
		now := time.Now()
		c := NewLRU(10, 120*time.Second)
		c.nowFunc = func() time.Time { return now }
		c.Set("a", 1)

		now = now.Add(119 * time.Second)
		_, ok := c.Get("a")
		assert.True(t, ok)

		now = now.Add(2 * time.Second)
		_, ok = c.Get("a")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len())
	})
}
