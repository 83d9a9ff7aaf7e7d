package automation

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Guard is a process-local set with atomic claim. It only de-duplicates
// work inside this process; the store stays the source of truth. Entries
// expire after ttl so a lost release cannot block a key forever.
type Guard struct {
	items *cache.Cache
	ttl   time.Duration
}

func NewGuard(ttl time.Duration) *Guard {
	return &Guard{
		items: cache.New(ttl, ttl),
		ttl:   ttl,
	}
}

// Claim inserts key and reports whether the caller now owns it
func (g *Guard) Claim(key string) bool {
	return g.items.Add(key, struct{}{}, g.ttl) == nil
}

func (g *Guard) Release(key string) {
	g.items.Delete(key)
}

func (g *Guard) Held(key string) bool {
	_, ok := g.items.Get(key)
	return ok
}

func (g *Guard) Len() int {
	return g.items.ItemCount()
}
