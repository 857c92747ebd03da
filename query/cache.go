package query

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/holon-app/holon/value"
)

// Cache memoizes Compile by query text, mirroring graphjin's
// role-keyed compiled-query cache (core/cache.go) collapsed to this
// engine's single-role surface. The query text alone is the key, so a
// cached plan is only valid while the schemas it was compiled against
// are unchanged; Engine.RegisterSchema calls Purge on every
// registration for that reason.
type Cache struct {
	lru   *lru.Cache[string, *CompileResult]
	group singleflight.Group
}

// NewCache builds a compiled-query cache bounded to size entries.
func NewCache(size int) *Cache {
	c, err := lru.New[string, *CompileResult](size)
	if err != nil {
		// lru.New only errors on size <= 0; fall back to a small
		// sane default rather than propagating a constructor error
		// for what is purely a performance cache.
		c, _ = lru.New[string, *CompileResult](128)
	}
	return &Cache{lru: c}
}

// Compile returns a cached CompileResult for src if present, otherwise
// compiles it, shares the in-flight compile across concurrent callers
// requesting the same text via singleflight (graphjin's
// compileQueryForRoleOnce shape, core/gstate.go), and stores the result.
// Compile errors are never cached — a syntax error for text that will
// be edited and resubmitted should not poison the cache.
func (c *Cache) Compile(src string, schemas map[string]value.Schema) (*CompileResult, error) {
	if cached, ok := c.lru.Get(src); ok {
		return cached, nil
	}

	v, err, _ := c.group.Do(src, func() (interface{}, error) {
		if cached, ok := c.lru.Get(src); ok {
			return cached, nil
		}
		result, err := Compile(src, schemas)
		if err != nil {
			return nil, err
		}
		c.lru.Add(src, result)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompileResult), nil
}

// Len reports the number of distinct compiled query texts currently
// cached, for test assertions and instrumentation.
func (c *Cache) Len() int { return c.lru.Len() }

// Purge drops every cached entry, used when a source's schema changes
// shape and every dependent compiled plan must be recompiled (mirrors
// the schema-change invalidation watcher's effect on subscriptions).
func (c *Cache) Purge() { c.lru.Purge() }
