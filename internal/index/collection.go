package index

import (
	"sort"
	"sync"
	"time"

	"github.com/MrSnakeDoc/shelf/internal/domain"
)

// Collection is the ordered, id-deduplicated set of records for one user.
// Records are kept newest first, ties broken by ID ascending.
type Collection struct {
	mu          sync.RWMutex
	items       []domain.Record     // sorted by domain.Newer
	ids         map[string]struct{} // membership by ID
	lastReplace time.Time           // Timestamp of last wholesale replacement
}

// NewCollection creates an empty collection
func NewCollection() *Collection {
	return &Collection{
		ids: make(map[string]struct{}),
	}
}

// Replace swaps the whole content for records.
// Duplicate IDs in records are collapsed, the first occurrence wins.
func (c *Collection) Replace(records []domain.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Clear and rebuild
	c.items = make([]domain.Record, 0, len(records))
	c.ids = make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, ok := c.ids[r.ID]; ok {
			continue
		}
		c.ids[r.ID] = struct{}{}
		c.items = append(c.items, r)
	}
	sort.SliceStable(c.items, func(i, j int) bool {
		return domain.Newer(c.items[i], c.items[j])
	})
	c.lastReplace = time.Now()
}

// Add inserts r at its ordered position unless a record with the same ID
// is already present. It reports whether the collection changed.
func (c *Collection) Add(r domain.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[r.ID]; ok {
		return false
	}

	pos := sort.Search(len(c.items), func(i int) bool {
		return !domain.Newer(c.items[i], r)
	})
	c.items = append(c.items, domain.Record{})
	copy(c.items[pos+1:], c.items[pos:])
	c.items[pos] = r
	c.ids[r.ID] = struct{}{}
	return true
}

// Remove deletes the record with id. It reports whether the collection changed.
func (c *Collection) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[id]; !ok {
		return false
	}
	delete(c.ids, id)
	for i := range c.items {
		if c.items[i].ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether a record with id is present
func (c *Collection) Contains(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.ids[id]
	return ok
}

// Get retrieves a record by ID
func (c *Collection) Get(id string) (domain.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.ids[id]; !ok {
		return domain.Record{}, false
	}
	for _, r := range c.items {
		if r.ID == id {
			return r, true
		}
	}
	return domain.Record{}, false
}

// Items returns a copy of the ordered records
func (c *Collection) Items() []domain.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	items := make([]domain.Record, len(c.items))
	copy(items, c.items)
	return items
}

// Len returns the number of records
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// LastReplace returns the timestamp of the last wholesale replacement
func (c *Collection) LastReplace() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastReplace
}
