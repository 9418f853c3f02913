package ranges

import (
	"math/big"
	"sync"
	"sync/atomic"
)

type parsedAddr struct {
	family int
	value  *big.Int
}

// addrCache memoises address parsing for the lookup path. When it grows
// past limit the whole generation is dropped and a fresh map started.
type addrCache struct {
	limit int64
	count atomic.Int64
	gen   atomic.Pointer[sync.Map]
}

func newAddrCache(limit int) *addrCache {
	if limit <= 0 {
		limit = 4096
	}
	c := &addrCache{limit: int64(limit)}
	c.gen.Store(new(sync.Map))
	return c
}

func (c *addrCache) lookup(ip string) (parsedAddr, bool) {
	m := c.gen.Load()
	if v, ok := m.Load(ip); ok {
		return v.(parsedAddr), true
	}

	addr, err := parseAddr(ip)
	if err != nil {
		return parsedAddr{}, false
	}
	p := parsedAddr{family: family(addr), value: addrToInt(addr)}

	if _, loaded := m.LoadOrStore(ip, p); !loaded {
		if c.count.Add(1) > c.limit {
			c.gen.Store(new(sync.Map))
			c.count.Store(0)
		}
	}
	return p, true
}

func (c *addrCache) len() int {
	return int(c.count.Load())
}
