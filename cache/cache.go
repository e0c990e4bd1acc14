package cache

import (
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
)

var DefaultNSOVersionTTL = 6 * time.Hour

const nsoVersionKey = "nso_version"

type Cache struct {
	NSOVersion NSOVersionCache
}

func New() *Cache {
	nsoVersionCache := ccache.New(
		ccache.Configure[string]().
			MaxSize(10).
			GetsPerPromote(3).
			ItemsToPrune(1),
	)

	return &Cache{
		NSOVersion: NSOVersionCache{
			c:   nsoVersionCache,
			mux: sync.Mutex{},
		},
	}
}

// NSOVersionCache holds the NSO client version fetched from the f-value
// service's remote config. The version changes with app releases, so entries
// expire instead of living for the process lifetime.
type NSOVersionCache struct {
	c   *ccache.Cache[string]
	mux sync.Mutex
}

func (c *NSOVersionCache) Fetch(ttl time.Duration, fetch func() (string, error)) (string, error) {
	c.mux.Lock()
	defer c.mux.Unlock()
	item, err := c.c.Fetch(nsoVersionKey, ttl, fetch)
	if nil != err {
		return "", err
	}
	return item.Value(), nil
}

// Set primes the cache, e.g. from the persisted store on startup.
func (c *NSOVersionCache) Set(version string, ttl time.Duration) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.c.Set(nsoVersionKey, version, ttl)
}
