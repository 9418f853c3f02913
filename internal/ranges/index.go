package ranges

import (
	"math/big"
	"sort"
	"sync"
	"sync/atomic"

	"grimm.is/warden/internal/store"
)

type span struct {
	start *big.Int
	end   *big.Int
	cidr  string
}

// lists holds one sorted span list per address family.
type lists [2][]span

// snapshot is immutable once published.
type snapshot struct {
	allow lists
	block lists
}

func (s *snapshot) of(t store.RuleType) *lists {
	if t == store.TypeAllow {
		return &s.allow
	}
	return &s.block
}

// HitKey identifies one hit counter.
type HitKey struct {
	Type store.RuleType
	CIDR string
}

// Index is a read-mostly view of the CIDR rules. Match never locks;
// Rebuild publishes a new snapshot.
type Index struct {
	snap  atomic.Pointer[snapshot]
	hits  sync.Map // HitKey -> *atomic.Int64
	addrs *addrCache
}

// NewIndex returns an empty index whose address cache holds at most
// cacheSize entries.
func NewIndex(cacheSize int) *Index {
	idx := &Index{addrs: newAddrCache(cacheSize)}
	idx.snap.Store(&snapshot{})
	return idx
}

// Rebuild replaces the snapshot with ranges built from rules. Rules with
// an unparsable CIDR or unknown type are skipped. Counters of rules that
// no longer exist are dropped.
func (idx *Index) Rebuild(rules []store.CidrRule) {
	next := &snapshot{}
	live := make(map[HitKey]struct{}, len(rules))

	for _, r := range rules {
		if !r.Type.Valid() {
			continue
		}
		p, err := ParsePrefix(r.CIDR)
		if err != nil {
			continue
		}
		start, end := prefixRange(p)
		l := next.of(r.Type)
		f := family(p.Addr())
		l[f] = append(l[f], span{start: start, end: end, cidr: r.CIDR})
		live[HitKey{Type: r.Type, CIDR: r.CIDR}] = struct{}{}
	}

	for _, l := range []*lists{&next.allow, &next.block} {
		for f := range l {
			sortSpans(l[f])
		}
	}
	idx.snap.Store(next)

	idx.hits.Range(func(k, _ any) bool {
		if _, ok := live[k.(HitKey)]; !ok {
			idx.hits.Delete(k)
		}
		return true
	})
}

func sortSpans(s []span) {
	sort.Slice(s, func(i, j int) bool {
		if c := s[i].start.Cmp(s[j].start); c != 0 {
			return c < 0
		}
		return s[i].end.Cmp(s[j].end) < 0
	})
}

// Match reports the first range of type t containing ip and records a hit
// against it. Unparsable addresses never match.
func (idx *Index) Match(t store.RuleType, ip string) (string, bool) {
	cidr, ok := idx.find(t, ip)
	if ok {
		idx.counter(HitKey{Type: t, CIDR: cidr}).Add(1)
	}
	return cidr, ok
}

// Contains is Match without the hit.
func (idx *Index) Contains(t store.RuleType, ip string) bool {
	_, ok := idx.find(t, ip)
	return ok
}

func (idx *Index) find(t store.RuleType, ip string) (string, bool) {
	a, ok := idx.addrs.lookup(ip)
	if !ok {
		return "", false
	}
	spans := idx.snap.Load().of(t)[a.family]
	for _, s := range spans {
		if s.start.Cmp(a.value) > 0 {
			// sorted by start: nothing later can contain the value
			return "", false
		}
		if a.value.Cmp(s.end) <= 0 {
			return s.cidr, true
		}
	}
	return "", false
}

// Overlapping lists the CIDRs of type t that share at least one address
// with cidr.
func (idx *Index) Overlapping(t store.RuleType, cidr string) []string {
	p, err := ParsePrefix(cidr)
	if err != nil {
		return nil
	}
	start, end := prefixRange(p)

	var out []string
	for _, s := range idx.snap.Load().of(t)[family(p.Addr())] {
		if s.start.Cmp(end) > 0 {
			break
		}
		if s.end.Cmp(start) >= 0 {
			out = append(out, s.cidr)
		}
	}
	return out
}

// Len returns the number of ranges of type t.
func (idx *Index) Len(t store.RuleType) int {
	l := idx.snap.Load().of(t)
	return len(l[familyV4]) + len(l[familyV6])
}

func (idx *Index) counter(k HitKey) *atomic.Int64 {
	if v, ok := idx.hits.Load(k); ok {
		return v.(*atomic.Int64)
	}
	v, _ := idx.hits.LoadOrStore(k, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// PendingHits returns the unflushed hits for one rule.
func (idx *Index) PendingHits(t store.RuleType, cidr string) int64 {
	if v, ok := idx.hits.Load(HitKey{Type: t, CIDR: cidr}); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// DrainHits zeroes every counter and returns the non-zero deltas.
func (idx *Index) DrainHits() map[HitKey]int64 {
	out := make(map[HitKey]int64)
	idx.hits.Range(func(k, v any) bool {
		if n := v.(*atomic.Int64).Swap(0); n != 0 {
			out[k.(HitKey)] = n
		}
		return true
	})
	return out
}

// RestoreHits adds deltas back, used when a flush could not be persisted.
func (idx *Index) RestoreHits(deltas map[HitKey]int64) {
	for k, n := range deltas {
		idx.counter(k).Add(n)
	}
}
