package pyindex

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// pageCacheMaxCost bounds the total size of cached index page bodies.
const pageCacheMaxCost = 64 << 20

// page is a fetched index page.
type page struct {
	status int
	body   string
}

// pageCache keeps recent index pages so that manifests sharing a package
// do not refetch the same page within one run.
type pageCache struct {
	c   *ristretto.Cache[string, page]
	ttl time.Duration
}

func newPageCache(ttl time.Duration) (*pageCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, page]{
		NumCounters: 10_000,
		MaxCost:     pageCacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &pageCache{c: c, ttl: ttl}, nil
}

func (pc *pageCache) get(key string) (page, bool) {
	if pc == nil {
		return page{}, false
	}
	return pc.c.Get(key)
}

// set stores p if it is a definitive answer (2xx or 404).
func (pc *pageCache) set(key string, p page) {
	if pc == nil {
		return
	}
	if p.status != 404 && (p.status < 200 || p.status > 299) {
		return
	}
	pc.c.SetWithTTL(key, p, int64(len(p.body))+1, pc.ttl)
	pc.c.Wait()
}

func (pc *pageCache) close() {
	if pc == nil {
		return
	}
	pc.c.Close()
}
