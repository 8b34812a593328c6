package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

func TestVersionCache(t *testing.T) {
	c := newVersionCache(1)
	var id rhizome.BundleID
	id[0], id[31] = 0xAB, 1

	_, ok := c.lookup(id)
	assert.False(t, ok)

	c.store(id, 7)
	v, ok := c.lookup(id)
	assert.True(t, ok)
	assert.Equal(t, int64(7), v)

	// Storing again updates in place rather than taking a second slot.
	c.store(id, 9)
	v, _ = c.lookup(id)
	assert.Equal(t, int64(9), v)
	used := 0
	for _, e := range c.bins[0xAB>>1] {
		if e.used {
			used++
		}
	}
	assert.Equal(t, 1, used)
}

func TestVersionCacheEviction(t *testing.T) {
	c := newVersionCache(42)
	var ids []rhizome.BundleID
	for i := 0; i < versionCacheAssociativity*4; i++ {
		var id rhizome.BundleID
		id[0] = 0x10
		id[1] = byte(i)
		ids = append(ids, id)
		c.store(id, int64(i))
	}
	hits := 0
	for _, id := range ids {
		if _, ok := c.lookup(id); ok {
			hits++
		}
	}
	assert.LessOrEqual(t, hits, versionCacheAssociativity)
	assert.Greater(t, hits, 0)
}

func TestIgnoreCache(t *testing.T) {
	c := newIgnoreCache(1)
	now := time.Unix(1000, 0)
	var id rhizome.BundleID
	id[0] = 0xFF

	assert.False(t, c.ignored(id, now))
	c.ignore(id, "10.0.0.1:4110", now.Add(DefaultIgnoreTimeout))
	assert.True(t, c.ignored(id, now.Add(59*time.Second)))
	assert.False(t, c.ignored(id, now.Add(61*time.Second)))
}
