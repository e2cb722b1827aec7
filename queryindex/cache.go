package queryindex

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultCacheSize = 128

// Cache memoizes compiled descriptors by query name. Query names identify
// queries, so a name must not be reused for a different query while it is
// cached.
type Cache struct {
	compiler Compiler
	lru      *lru.Cache[string, *IndexDescriptor]
}

func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, *IndexDescriptor](size)
	if err != nil {
		panic(err)
	}
	return &Cache{lru: c}
}

// Descriptor returns the cached descriptor for q.Name, compiling q on a miss.
// Failed compilations are not cached.
func (c *Cache) Descriptor(q *Query) (*IndexDescriptor, error) {
	if q != nil {
		if d, ok := c.lru.Get(q.Name); ok {
			return d.clone(), nil
		}
	}
	d, err := c.compiler.Compile(q)
	if err != nil {
		return nil, err
	}
	c.lru.Add(q.Name, d)
	return d.clone(), nil
}

func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) Purge() {
	c.lru.Purge()
}
