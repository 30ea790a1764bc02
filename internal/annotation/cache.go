package annotation

import "sort"

// Cache is the in-process view of the annotations that exist right now for
// one user. It does no I/O and no locking; its owner serializes access.
//
// Every read filters on the owning user id, even if records of other users
// were inserted.
type Cache struct {
	userID  string
	records map[string]Record
	dirty   map[int]struct{}
}

type Statistics struct {
	Total          int          `json:"total"`
	ByType         map[Type]int `json:"byType"`
	ByPage         map[int]int  `json:"byPage"`
	DirtyPages     []int        `json:"dirtyPages"`
	PendingSaves   int          `json:"pendingSaves"`
	PendingDeletes int          `json:"pendingDeletes"`
}

func NewCache(userID string) *Cache {
	return &Cache{
		userID:  userID,
		records: map[string]Record{},
		dirty:   map[int]struct{}{},
	}
}

func (c *Cache) UserID() string {
	return c.userID
}

// Put inserts or overwrites r by id and marks its page dirty. A record whose
// page changed under the same id also dirties the old page.
func (c *Cache) Put(r Record) {
	if prev, ok := c.records[r.ID]; ok && prev.PageNum != r.PageNum {
		c.dirty[prev.PageNum] = struct{}{}
	}
	c.records[r.ID] = r.Clone()
	c.dirty[r.PageNum] = struct{}{}
}

// Restore inserts r without marking anything dirty; used for server-confirmed
// state.
func (c *Cache) Restore(r Record) {
	c.records[r.ID] = r.Clone()
}

// Remove deletes id if present and marks its former page dirty.
func (c *Cache) Remove(id string) (Record, bool) {
	r, ok := c.records[id]
	if !ok {
		return Record{}, false
	}
	delete(c.records, id)
	c.dirty[r.PageNum] = struct{}{}
	return r, true
}

// Get looks id up regardless of owner; used internally for merge decisions.
func (c *Cache) Get(id string) (Record, bool) {
	r, ok := c.records[id]
	if !ok {
		return Record{}, false
	}
	return r.Clone(), true
}

// Len counts the owner's records.
func (c *Cache) Len() int {
	n := 0
	for _, r := range c.records {
		if c.owns(r) {
			n++
		}
	}
	return n
}

// ByPage returns the owner's records on page; typ "" matches every type.
func (c *Cache) ByPage(page int, typ Type) []Record {
	out := []Record{}
	for _, r := range c.records {
		if !c.owns(r) || r.PageNum != page {
			continue
		}
		if typ != "" && r.Type != typ {
			continue
		}
		out = append(out, r.Clone())
	}
	sortRecords(out)
	return out
}

func (c *Cache) ByType(typ Type) map[int][]Record {
	out := map[int][]Record{}
	for _, r := range c.All() {
		if r.Type != typ {
			continue
		}
		out[r.PageNum] = append(out[r.PageNum], r)
	}
	return out
}

func (c *Cache) All() []Record {
	out := make([]Record, 0, len(c.records))
	for _, r := range c.records {
		if c.owns(r) {
			out = append(out, r.Clone())
		}
	}
	sortRecords(out)
	return out
}

func (c *Cache) Grouped() Grouped {
	out := Grouped{}
	for _, r := range c.All() {
		out.Add(r)
	}
	return out
}

// Clear empties the cache and the dirty set. It does not queue deletions.
func (c *Cache) Clear() {
	c.records = map[string]Record{}
	c.dirty = map[int]struct{}{}
}

func (c *Cache) DirtyPages() []int {
	pages := make([]int, 0, len(c.dirty))
	for page := range c.dirty {
		pages = append(pages, page)
	}
	sort.Ints(pages)
	return pages
}

func (c *Cache) IsDirty(page int) bool {
	_, ok := c.dirty[page]
	return ok
}

func (c *Cache) MarkDirty(page int) {
	c.dirty[page] = struct{}{}
}

func (c *Cache) ClearDirty(pages ...int) {
	for _, page := range pages {
		delete(c.dirty, page)
	}
}

// Statistics is a side-effect free diagnostic read. Pending counts are
// filled in by the queue owner.
func (c *Cache) Statistics() Statistics {
	stats := Statistics{
		ByType:     map[Type]int{},
		ByPage:     map[int]int{},
		DirtyPages: c.DirtyPages(),
	}
	for _, r := range c.records {
		if !c.owns(r) {
			continue
		}
		stats.Total++
		stats.ByType[r.Type]++
		stats.ByPage[r.PageNum]++
	}
	return stats
}

func (c *Cache) owns(r Record) bool {
	return r.UserID == c.userID
}
