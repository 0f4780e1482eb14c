package cpg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryCache(t *testing.T) {
	c := NewQueryCache()

	_, ok := c.Get("cpg.call.name(\"system\")")
	assert.False(t, ok)

	c.Put("cpg.call.name(\"system\")", "first")
	c.Put("cpg.call.name(\"system\")", "second")

	v, ok := c.Get("  cpg.call.name(\"system\")\n")
	assert.True(t, ok, "whitespace is normalised")
	assert.Equal(t, "first", v, "an existing entry is never replaced")

	assert.Equal(t, CacheStats{Entries: 1, Hits: 1, Misses: 1}, c.Stats())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
