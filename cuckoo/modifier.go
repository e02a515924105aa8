package cuckoo

import (
	"github.com/leftmike/tellstore/tell"
)

// Modifier is a batched writer view of a Table. GC collects its hash updates
// in a Modifier and installs them in one atomic table swap, so that readers
// switch from the old main pages to the new ones at a single point.
type Modifier struct {
	tbl     *Table
	upserts map[tell.Key]uint64
	deletes map[tell.Key]struct{}
}

func (tbl *Table) Modify() *Modifier {
	return &Modifier{
		tbl:     tbl,
		upserts: map[tell.Key]uint64{},
		deletes: map[tell.Key]struct{}{},
	}
}

// Insert records an upsert of key -> val.
func (m *Modifier) Insert(key tell.Key, val uint64) {
	delete(m.deletes, key)
	m.upserts[key] = val
}

// Remove records a delete of key.
func (m *Modifier) Remove(key tell.Key) {
	delete(m.upserts, key)
	m.deletes[key] = struct{}{}
}

// Get reads through the batch: pending upserts and deletes take precedence
// over the installed table.
func (m *Modifier) Get(key tell.Key) (uint64, bool) {
	if val, ok := m.upserts[key]; ok {
		return val, true
	}
	if _, ok := m.deletes[key]; ok {
		return 0, false
	}
	return m.tbl.Get(key)
}

// Install builds a new table generation from the live entries plus the batch
// and atomically swaps it in.
func (m *Modifier) Install() {
	m.tbl.mutex.Lock()
	defer m.tbl.mutex.Unlock()

	m.tbl.growLocked(m.tbl.cur.Load(), m.upserts, m.deletes)
}
