package permission

import (
	"sync"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/canonicalize"
	"github.com/Mindburn-Labs/agora/pkg/contracts"
)

const maxCachedDecisions = 4096

type cacheKey struct {
	contract string
	caller   string
	action   contracts.Action
	target   string
	method   string
	// args is the canonical digest of the invocation arguments.
	args string
}

type cacheEntry struct {
	result     contracts.PermissionResult
	generation uint64
	expires    time.Time
}

// decisionCache remembers contract verdicts for targets that opted in with
// a cache policy. Only side-effect-free verdicts are stored. Committing a
// contract's state or rewriting the contract bumps its generation, which
// invalidates every verdict it produced.
type decisionCache struct {
	mu          sync.Mutex
	entries     map[cacheKey]cacheEntry
	generations map[string]uint64
}

func newDecisionCache() *decisionCache {
	return &decisionCache{
		entries:     make(map[cacheKey]cacheEntry),
		generations: make(map[string]uint64),
	}
}

// argsDigest identifies an argument list. Lists that cannot be
// canonicalized are not cached.
func argsDigest(args []any) (string, bool) {
	if len(args) == 0 {
		return "", true
	}
	d, err := canonicalize.Digest(args)
	if err != nil {
		return "", false
	}
	return d, true
}

// cacheable reports whether res can be replayed without re-running the contract.
func cacheable(res contracts.PermissionResult) bool {
	return res.ScripCost == 0 &&
		len(res.StateUpdates) == 0 &&
		len(res.Conditions) == 0 &&
		res.ScripPayer == "" &&
		res.ResourcePayer == "" &&
		res.ScripRecipient == ""
}

func (c *decisionCache) get(k cacheKey, now time.Time) (contracts.PermissionResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		return contracts.PermissionResult{}, false
	}
	if e.generation != c.generations[k.contract] || !now.Before(e.expires) {
		delete(c.entries, k)
		return contracts.PermissionResult{}, false
	}
	return e.result, true
}

// put stores res if the contract has not moved on since gen was read.
func (c *decisionCache) put(k cacheKey, gen uint64, res contracts.PermissionResult, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generations[k.contract] {
		return
	}
	if len(c.entries) >= maxCachedDecisions {
		for old := range c.entries {
			delete(c.entries, old)
			if len(c.entries) < maxCachedDecisions/2 {
				break
			}
		}
	}
	c.entries[k] = cacheEntry{result: res, generation: gen, expires: expires}
}

func (c *decisionCache) generation(contract string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[contract]
}

func (c *decisionCache) invalidate(contract string) {
	c.mu.Lock()
	c.generations[contract]++
	c.mu.Unlock()
}
