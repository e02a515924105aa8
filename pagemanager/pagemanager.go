package pagemanager

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/tellstore/tell"
)

// PageSize is the fixed size of every page handed out by a PageManager.
const PageSize = 2 * 1024 * 1024

// Page is a fixed-size, zero-initialized byte arena. Pages are owned by their
// PageManager; everything else borrows them under epoch protection.
type Page struct {
	id   uint32
	data []byte
}

func (p *Page) ID() uint32 {
	return p.id
}

func (p *Page) Data() []byte {
	return p.data
}

type PageManager struct {
	epochs *EpochManager

	mutex sync.Mutex
	free  []*Page
	total int
}

func NewPageManager(pageCount int) *PageManager {
	pm := PageManager{
		epochs: newEpochManager(),
		total:  pageCount,
	}
	pm.epochs.recycle = pm.recycle

	arena := make([]byte, pageCount*PageSize)
	pm.free = make([]*Page, 0, pageCount)
	for id := 0; id < pageCount; id += 1 {
		pm.free = append(pm.free,
			&Page{id: uint32(id), data: arena[id*PageSize : (id+1)*PageSize]})
	}

	log.WithFields(log.Fields{
		"pages": pageCount,
		"bytes": pageCount * PageSize,
	}).Info("page pool allocated")
	return &pm
}

func (pm *PageManager) Epochs() *EpochManager {
	return pm.epochs
}

// Alloc returns a zeroed page; it fails with tell.ErrOutOfMemory once the
// pool is exhausted.
func (pm *PageManager) Alloc() (*Page, error) {
	pm.epochs.tryAdvance()

	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if len(pm.free) == 0 {
		log.WithField("pages", pm.total).Warn("page pool exhausted")
		return nil, fmt.Errorf("pagemanager: alloc: %w", tell.ErrOutOfMemory)
	}
	p := pm.free[len(pm.free)-1]
	pm.free = pm.free[:len(pm.free)-1]
	return p, nil
}

// Free returns a page to the pool. The page is not reused until every epoch
// critical section that could still hold it has exited.
func (pm *PageManager) Free(p *Page) {
	pm.epochs.retire(p)
}

// recycle is called by the epoch manager once a retired page is unreachable.
func (pm *PageManager) recycle(p *Page) {
	for i := range p.data {
		p.data[i] = 0
	}

	pm.mutex.Lock()
	pm.free = append(pm.free, p)
	pm.mutex.Unlock()
}

func (pm *PageManager) Available() int {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	return len(pm.free)
}
