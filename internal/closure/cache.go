package closure

import (
	"container/list"
	"strings"
	"sync"

	"github.com/avauthz/groupd/internal/graph"
)

// EntryState is the lifecycle state of a cached closure entry.
type EntryState int

// Cache entry states. An entry moves FRESH -> STALE when a mutation
// invalidates it, STALE -> RECOMPUTING when a reader starts rebuilding
// it, and RECOMPUTING -> FRESH when the rebuild lands. Recomputation is
// idempotent, so redundant parallel rebuilds are safe; single-flight
// merely keeps them rare.
const (
	StateFresh EntryState = iota
	StateStale
	StateRecomputing
)

// String returns the lowercase state name.
func (s EntryState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateRecomputing:
		return "recomputing"
	default:
		return "unknown"
	}
}

// cacheKey identifies a cached closure: "m|kind|name" for membership
// closures, "p|group" for permission closures.
const (
	membershipKeyPrefix = "m|"
	permissionKeyPrefix = "p|"
)

func membershipKey(entity graph.Ref) string {
	return membershipKeyPrefix + entity.Kind.String() + "|" + entity.Name
}

func permissionKey(group string) string {
	return permissionKeyPrefix + group
}

// parseKey reverses membershipKey / permissionKey. ok is false for a
// malformed key.
func parseKey(key string) (entity graph.Ref, group string, isMembership, ok bool) {
	switch {
	case strings.HasPrefix(key, membershipKeyPrefix):
		rest := strings.TrimPrefix(key, membershipKeyPrefix)
		kindStr, name, found := strings.Cut(rest, "|")
		if !found {
			return graph.Ref{}, "", false, false
		}
		kind, err := graph.ParseKind(kindStr)
		if err != nil {
			return graph.Ref{}, "", false, false
		}
		return graph.Ref{Kind: kind, Name: name}, "", true, true
	case strings.HasPrefix(key, permissionKeyPrefix):
		return graph.Ref{}, strings.TrimPrefix(key, permissionKeyPrefix), false, true
	default:
		return graph.Ref{}, "", false, false
	}
}

// entry is one cached closure.
type entry struct {
	key     string
	state   EntryState
	version uint64

	membership *MembershipClosure
	permission *PermissionClosure
}

// memoryCache is an LRU cache of closure entries.
type memoryCache struct {
	maxEntries int

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List

	hits   int64
	misses int64
}

func newMemoryCache(maxEntries int) *memoryCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &memoryCache{
		maxEntries: maxEntries,
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
	}
}

// get returns a copy of the entry's metadata and its closure values.
func (c *memoryCache) get(key string) (entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.misses++
		return entry{}, false
	}
	c.eviction.MoveToFront(elem)
	c.hits++
	return *elem.Value.(*entry), true
}

// set stores an entry as FRESH, evicting the least recently used entry
// beyond capacity.
func (c *memoryCache) set(e entry) {
	e.state = StateFresh

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[e.key]; ok {
		prev := elem.Value.(*entry)
		// Never replace a newer closure with an older one: a slow
		// recomputation may land after a faster one against a later
		// snapshot already did.
		if e.version < prev.version {
			return
		}
		elem.Value = &e
		c.eviction.MoveToFront(elem)
		return
	}

	elem := c.eviction.PushFront(&e)
	c.items[e.key] = elem

	for c.eviction.Len() > c.maxEntries {
		oldest := c.eviction.Back()
		if oldest == nil {
			break
		}
		c.eviction.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
}

// markStale transitions an entry to STALE if present.
func (c *memoryCache) markStale(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry).state = StateStale
	}
}

// markRecomputing transitions an entry to RECOMPUTING if present.
func (c *memoryCache) markRecomputing(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*entry).state = StateRecomputing
	}
}

// staleKeys returns the keys of all STALE entries.
func (c *memoryCache) staleKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	for key, elem := range c.items {
		if elem.Value.(*entry).state == StateStale {
			keys = append(keys, key)
		}
	}
	return keys
}

// clear drops all entries.
func (c *memoryCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.eviction.Init()
}

// stats returns hit/miss counters and the current size.
func (c *memoryCache) stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.eviction.Len()
}
