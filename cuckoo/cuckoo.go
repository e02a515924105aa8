// Package cuckoo implements the primary-key hash index: a cuckoo hash from
// keys to record references with lock-free lookups. Mutations either go
// through per-slot compare-and-swap (transactional inserts and deletes) or
// through a Modifier, which batches GC updates and installs them atomically.
package cuckoo

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/leftmike/tellstore/tell"
)

const (
	numHashes  = 3
	bucketSize = 4
)

type slotEntry struct {
	key tell.Key
	val uint64
}

type table struct {
	mask  uint64
	slots []atomic.Pointer[slotEntry]
}

func newTable(capacity int) *table {
	size := uint64(64)
	for int(size) < capacity*2 {
		size *= 2
	}
	return &table{
		mask:  size - 1,
		slots: make([]atomic.Pointer[slotEntry], size),
	}
}

var hashSeeds = [numHashes]uint64{0x9E3779B97F4A7C15, 0xC2B2AE3D27D4EB4F, 0x165667B19E3779F9}

func hashKey(key tell.Key, which int) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], hashSeeds[which])
	binary.LittleEndian.PutUint64(buf[8:], uint64(key))
	return xxhash.Sum64(buf[:])
}

// bucket returns the slot range for the which'th candidate bucket of key.
func (t *table) bucket(key tell.Key, which int) uint64 {
	return (hashKey(key, which) &^ (bucketSize - 1)) & t.mask
}

func (t *table) get(key tell.Key) (uint64, bool) {
	for which := 0; which < numHashes; which += 1 {
		base := t.bucket(key, which)
		for slot := uint64(0); slot < bucketSize; slot += 1 {
			se := t.slots[base+slot].Load()
			if se != nil && se.key == key {
				return se.val, true
			}
		}
	}
	return 0, false
}

// Table is the installable hash table generation plus the slow-path lock used
// for cuckoo relocation and growth.
type Table struct {
	mutex sync.Mutex
	cur   atomic.Pointer[table]
}

func NewTable(capacity int) *Table {
	tbl := Table{}
	tbl.cur.Store(newTable(capacity))
	return &tbl
}

// Get is lock-free.
func (tbl *Table) Get(key tell.Key) (uint64, bool) {
	return tbl.cur.Load().get(key)
}

// View is an immutable snapshot of one table generation, for readers that
// must resolve many lookups against a single generation (scans capture a view
// together with the main page list).
type View struct {
	t *table
}

func (tbl *Table) View() View {
	return View{t: tbl.cur.Load()}
}

func (v View) Get(key tell.Key) (uint64, bool) {
	return v.t.get(key)
}

// Len counts the live entries of the current generation.
func (tbl *Table) Len() int {
	t := tbl.cur.Load()
	n := 0
	for i := range t.slots {
		if t.slots[i].Load() != nil {
			n += 1
		}
	}
	return n
}

// Insert publishes key -> val; it fails if the key is already present. The
// fast path is a compare-and-swap into an empty candidate slot; if all
// candidate buckets are full the insert falls back to a locked relocation.
func (tbl *Table) Insert(key tell.Key, val uint64) bool {
	for {
		t := tbl.cur.Load()
		if _, ok := t.get(key); ok {
			return false
		}

		for which := 0; which < numHashes; which += 1 {
			base := t.bucket(key, which)
			for slot := uint64(0); slot < bucketSize; slot += 1 {
				if t.slots[base+slot].CompareAndSwap(nil,
					&slotEntry{key: key, val: val}) {
					if tbl.cur.Load() != t {
						// Lost a race with a table swap; redo against the
						// current generation.
						tbl.lockedUpsert(key, val)
					}
					return true
				}
				se := t.slots[base+slot].Load()
				if se != nil && se.key == key {
					return false
				}
			}
		}

		tbl.lockedUpsert(key, val)
		return true
	}
}

// Update atomically replaces the value of an existing key.
func (tbl *Table) Update(key tell.Key, val uint64) bool {
retry:
	for {
		t := tbl.cur.Load()
		for which := 0; which < numHashes; which += 1 {
			base := t.bucket(key, which)
			for slot := uint64(0); slot < bucketSize; slot += 1 {
				se := t.slots[base+slot].Load()
				if se == nil || se.key != key {
					continue
				}
				if t.slots[base+slot].CompareAndSwap(se,
					&slotEntry{key: key, val: val}) {
					if tbl.cur.Load() != t {
						// Lost a race with a table swap; redo against the
						// current generation.
						tbl.lockedUpsert(key, val)
					}
					return true
				}
				// Slot changed under us.
				continue retry
			}
		}
		if _, ok := t.get(key); !ok {
			return false
		}
	}
}

// Delete removes key; it returns false if the key was not present.
func (tbl *Table) Delete(key tell.Key) bool {
	t := tbl.cur.Load()
	for which := 0; which < numHashes; which += 1 {
		base := t.bucket(key, which)
		for slot := uint64(0); slot < bucketSize; slot += 1 {
			se := t.slots[base+slot].Load()
			if se != nil && se.key == key {
				if t.slots[base+slot].CompareAndSwap(se, nil) {
					return true
				}
				return false
			}
		}
	}
	return false
}

// lockedUpsert rebuilds slot placement for key under the table lock,
// relocating or growing as needed.
func (tbl *Table) lockedUpsert(key tell.Key, val uint64) {
	tbl.mutex.Lock()
	defer tbl.mutex.Unlock()

	t := tbl.cur.Load()
	if t.place(key, val, 0) {
		return
	}

	// Relocation failed: grow into a new generation.
	tbl.growLocked(t, map[tell.Key]uint64{key: val}, nil)
}

// place inserts with cuckoo relocation, bounded by depth. When it fails, every
// eviction it made is undone, so no existing entry is lost.
func (t *table) place(key tell.Key, val uint64, depth int) bool {
	if depth > 16 {
		return false
	}

	for which := 0; which < numHashes; which += 1 {
		base := t.bucket(key, which)
		for slot := uint64(0); slot < bucketSize; slot += 1 {
			se := t.slots[base+slot].Load()
			if se == nil || se.key == key {
				t.slots[base+slot].Store(&slotEntry{key: key, val: val})
				return true
			}
		}
	}

	// All candidate buckets are full: evict the first candidate and recurse.
	base := t.bucket(key, depth%numHashes)
	victim := t.slots[base].Load()
	t.slots[base].Store(&slotEntry{key: key, val: val})
	if !t.place(victim.key, victim.val, depth+1) {
		t.slots[base].Store(victim)
		return false
	}
	return true
}

// growLocked builds a doubled table from the live entries of t, applies
// upserts and deletes, and installs it. Caller holds the table lock.
func (tbl *Table) growLocked(t *table, upserts map[tell.Key]uint64,
	deletes map[tell.Key]struct{}) {

	capacity := len(t.slots)
	for {
		nt := newTable(capacity)
		ok := true
		for i := range t.slots {
			se := t.slots[i].Load()
			if se == nil {
				continue
			}
			if _, del := deletes[se.key]; del {
				continue
			}
			if _, up := upserts[se.key]; up {
				continue
			}
			if !nt.place(se.key, se.val, 0) {
				ok = false
				break
			}
		}
		if ok {
			for key, val := range upserts {
				if !nt.place(key, val, 0) {
					ok = false
					break
				}
			}
		}
		if ok {
			tbl.cur.Store(nt)
			return
		}
		capacity *= 2
	}
}
