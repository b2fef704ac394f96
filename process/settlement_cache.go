package process

import (
	"container/list"
	"sync"
)

// defaultSettlementCacheSize bounds memory use; it is not a correctness
// parameter — eviction just means the oldest nonce loses its duplicate-settle
// guard, falling back to a real (idempotent, facilitator-enforced) settle call.
const defaultSettlementCacheSize = 10000

// SettlementCache is a small, bounded, in-process guard against calling
// Settle twice for the same nonce — for example when a client retries a
// request after a slow response it mistook for a failure. It is NOT a
// replacement for nonce-based replay protection: that is the facilitator's
// and the chain's responsibility, per the pipeline's ordering guarantees.
// It is safe for concurrent use.
type SettlementCache struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List
	entries map[string]*list.Element
}

type settlementCacheEntry struct {
	nonce  string
	result Result
}

// NewSettlementCache constructs a cache holding at most maxSize nonces,
// evicting least-recently-inserted entries first. maxSize <= 0 selects
// defaultSettlementCacheSize.
func NewSettlementCache(maxSize int) *SettlementCache {
	if maxSize <= 0 {
		maxSize = defaultSettlementCacheSize
	}
	return &SettlementCache{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Get returns the cached settlement Result for nonce, if any.
func (c *SettlementCache) Get(nonce string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[nonce]
	if !ok {
		return Result{}, false
	}
	return elem.Value.(*settlementCacheEntry).result, true
}

// Put records a successful settlement Result against nonce, evicting the
// oldest entry if the cache is at capacity.
func (c *SettlementCache) Put(nonce string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[nonce]; ok {
		elem.Value.(*settlementCacheEntry).result = result
		c.order.MoveToBack(elem)
		return
	}

	elem := c.order.PushBack(&settlementCacheEntry{nonce: nonce, result: result})
	c.entries[nonce] = elem

	for c.order.Len() > c.maxSize {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*settlementCacheEntry).nonce)
	}
}

// Len reports the number of nonces currently cached.
func (c *SettlementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
