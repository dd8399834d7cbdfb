// Package contacts resolves phone numbers to display names.
package contacts

import "sync"

// Unknown is returned when no name can be resolved for a number.
const Unknown = "Unknown"

// LookupFunc performs the actual name lookup for a number. It is the
// external identity-resolver collaborator; it may fail by returning an
// empty string or an error, both of which degrade to Unknown.
type LookupFunc func(number string) (string, error)

// Cache stores number-to-name mappings resolved so far.
type Cache struct {
	mu     sync.RWMutex
	lookup LookupFunc
	names  map[string]string
}

// NewCache creates a cache backed by the given lookup function. A nil
// lookup resolves everything to Unknown.
func NewCache(lookup LookupFunc) *Cache {
	return &Cache{
		lookup: lookup,
		names:  make(map[string]string),
	}
}

// Resolve returns the display name for a number, consulting the lookup
// function on a cache miss. It never fails; unresolvable numbers yield
// Unknown.
func (c *Cache) Resolve(number string) string {
	if number == "" {
		return Unknown
	}

	c.mu.RLock()
	name, ok := c.names[number]
	c.mu.RUnlock()
	if ok {
		return name
	}

	name = Unknown
	if c.lookup != nil {
		if resolved, err := c.lookup(number); err == nil && resolved != "" {
			name = resolved
		}
	}

	c.mu.Lock()
	c.names[number] = name
	c.mu.Unlock()
	return name
}

// Update adds or replaces a single cached entry.
func (c *Cache) Update(number, name string) {
	if number == "" {
		return
	}
	if name == "" {
		name = Unknown
	}
	c.mu.Lock()
	c.names[number] = name
	c.mu.Unlock()
}

// StaticLookup builds a LookupFunc over a fixed number-to-name table.
func StaticLookup(table map[string]string) LookupFunc {
	return func(number string) (string, error) {
		return table[number], nil
	}
}
