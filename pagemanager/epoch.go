package pagemanager

import (
	"sync"
	"sync/atomic"
)

const epochSlots = 128

// EpochManager implements epoch-based reclamation for pages. Readers pin the
// current epoch for the duration of a critical section; retired pages are
// recycled only once the global epoch has advanced twice past their retirement
// epoch, at which point no pinned reader can still observe them.
type EpochManager struct {
	global  atomic.Uint64
	slots   [epochSlots]atomic.Uint64 // 0 = slot free, otherwise the pinned epoch
	recycle func(*Page)

	mutex   sync.Mutex
	retired []retiredPage
}

type retiredPage struct {
	page  *Page
	epoch uint64
}

type Guard struct {
	em   *EpochManager
	slot int
}

func newEpochManager() *EpochManager {
	var em EpochManager
	em.global.Store(2)
	return &em
}

// Enter pins the current epoch; the returned guard must be released with
// Leave. Guards are cheap and stack-scoped; every public entry point into the
// storage takes one.
func (em *EpochManager) Enter() Guard {
	for {
		for slot := 0; slot < epochSlots; slot += 1 {
			e := em.global.Load()
			if !em.slots[slot].CompareAndSwap(0, e) {
				continue
			}
			// Republish until the slot value matches the global epoch; this
			// closes the race with a concurrent advance between the load and
			// the store.
			for {
				g := em.global.Load()
				if g == e {
					return Guard{em: em, slot: slot}
				}
				em.slots[slot].Store(g)
				e = g
			}
		}
	}
}

func (g Guard) Leave() {
	g.em.slots[g.slot].Store(0)
}

// retire queues a page for recycling once it is provably unreachable.
func (em *EpochManager) retire(p *Page) {
	em.mutex.Lock()
	em.retired = append(em.retired, retiredPage{page: p, epoch: em.global.Load()})
	em.mutex.Unlock()

	em.tryAdvance()
}

// tryAdvance bumps the global epoch if no reader is pinned below it, then
// recycles every page retired at least two epochs ago.
func (em *EpochManager) tryAdvance() {
	e := em.global.Load()
	for slot := 0; slot < epochSlots; slot += 1 {
		s := em.slots[slot].Load()
		if s != 0 && s < e {
			return
		}
	}
	em.global.CompareAndSwap(e, e+1)

	if em.recycle == nil {
		return
	}

	g := em.global.Load()
	var safe []*Page
	em.mutex.Lock()
	keep := em.retired[:0]
	for _, rp := range em.retired {
		if rp.epoch+2 <= g {
			safe = append(safe, rp.page)
		} else {
			keep = append(keep, rp)
		}
	}
	em.retired = keep
	em.mutex.Unlock()

	for _, p := range safe {
		em.recycle(p)
	}
}
