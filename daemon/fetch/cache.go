package fetch

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

const (
	versionCacheBins          = 128
	versionCacheAssociativity = 16

	ignoreBinCount = 64
	ignoreBinSize  = 8
	ignoreBinBits  = 6

	// DefaultIgnoreTimeout is how long a manifest that failed verification
	// is ignored.
	DefaultIgnoreTimeout = 60 * time.Second
)

type versionEntry struct {
	id      rhizome.BundleID
	version int64
	used    bool
}

// versionCache remembers versions already in the store so that repeated
// adverts skip the database. Bins are chosen by the first id byte; within
// a bin replacement is random.
type versionCache struct {
	mu   sync.Mutex
	rng  *rand.Rand
	bins [versionCacheBins][versionCacheAssociativity]versionEntry
}

func newVersionCache(seed int64) *versionCache {
	return &versionCache{rng: rand.New(rand.NewSource(seed))}
}

func (c *versionCache) lookup(id rhizome.BundleID) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bin := &c.bins[int(id[0])>>1]
	for i := range bin {
		if bin[i].used && bin[i].id == id {
			return bin[i].version, true
		}
	}
	return 0, false
}

func (c *versionCache) store(id rhizome.BundleID, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bin := &c.bins[int(id[0])>>1]
	slot := -1
	for i := range bin {
		if bin[i].used && bin[i].id == id {
			slot = i
			break
		}
	}
	if slot < 0 {
		slot = c.rng.Intn(versionCacheAssociativity)
	}
	bin[slot] = versionEntry{id: id, version: version, used: true}
}

type ignoredEntry struct {
	id    rhizome.BundleID
	peer  string
	until time.Time
}

// ignoreCache holds manifests that failed verification.
type ignoreCache struct {
	mu   sync.Mutex
	rng  *rand.Rand
	bins [ignoreBinCount][ignoreBinSize]ignoredEntry
}

func newIgnoreCache(seed int64) *ignoreCache {
	return &ignoreCache{rng: rand.New(rand.NewSource(seed))}
}

func (c *ignoreCache) ignored(id rhizome.BundleID, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	bin := &c.bins[id[0]>>(8-ignoreBinBits)]
	for i := range bin {
		if bin[i].id == id {
			return bin[i].until.After(now)
		}
	}
	return false
}

func (c *ignoreCache) ignore(id rhizome.BundleID, peer string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bin := &c.bins[id[0]>>(8-ignoreBinBits)]
	slot := -1
	for i := range bin {
		if bin[i].id == id {
			slot = i
			break
		}
	}
	if slot < 0 {
		slot = c.rng.Intn(ignoreBinSize)
	}
	bin[slot] = ignoredEntry{id: id, peer: peer, until: until}
}
