// Package storage ties the engine together: a table registry over the shared
// page pool, the commit manager, a background garbage collector, and the
// transaction API.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/tellstore/commitmanager"
	"github.com/leftmike/tellstore/deltamain"
	"github.com/leftmike/tellstore/pagemanager"
	"github.com/leftmike/tellstore/scanquery"
	"github.com/leftmike/tellstore/tell"
)

type Config struct {
	// PageCount sizes the page pool.
	PageCount int

	// GCInterval is the period of the background garbage collector; zero
	// disables it (RunGC can still be called directly).
	GCInterval time.Duration

	// ScanProcessors is the parallelism of each scan.
	ScanProcessors int

	// Layout is the main page layout GC writes for new tables.
	Layout deltamain.Layout
}

func DefaultConfig() Config {
	return Config{
		PageCount:      1024,
		GCInterval:     time.Second,
		ScanProcessors: 4,
		Layout:         deltamain.RowLayout,
	}
}

type Storage struct {
	cfg           Config
	pageManager   *pagemanager.PageManager
	commitManager *commitmanager.CommitManager

	mutex       sync.RWMutex
	tables      map[string]*deltamain.Table
	nextTableID uint32

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewStorage(cfg Config) *Storage {
	if cfg.PageCount <= 0 {
		cfg.PageCount = DefaultConfig().PageCount
	}
	if cfg.ScanProcessors <= 0 {
		cfg.ScanProcessors = DefaultConfig().ScanProcessors
	}
	if cfg.Layout == 0 {
		cfg.Layout = deltamain.RowLayout
	}

	st := Storage{
		cfg:           cfg,
		pageManager:   pagemanager.NewPageManager(cfg.PageCount),
		commitManager: commitmanager.NewCommitManager(),
		tables:        map[string]*deltamain.Table{},
		stop:          make(chan struct{}),
	}

	if cfg.GCInterval > 0 {
		st.wg.Add(1)
		go st.gcLoop()
	}
	return &st
}

// Close stops the garbage collector.
func (st *Storage) Close() {
	close(st.stop)
	st.wg.Wait()
}

func (st *Storage) gcLoop() {
	defer st.wg.Done()

	ticker := time.NewTicker(st.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-st.stop:
			return
		case <-ticker.C:
			st.RunGC()
		}
	}
}

// RunGC runs one garbage collection pass over every table. A failed pass is
// abandoned and retried on the next schedule.
func (st *Storage) RunGC() {
	lowest := st.commitManager.LowestActiveVersion()

	st.mutex.RLock()
	tables := make([]*deltamain.Table, 0, len(st.tables))
	for _, tbl := range st.tables {
		tables = append(tables, tbl)
	}
	st.mutex.RUnlock()

	for _, tbl := range tables {
		if err := tbl.RunGC(lowest); err != nil {
			log.WithFields(log.Fields{
				"table": tbl.Name(),
				"error": err,
			}).Warn("gc pass abandoned")
		}
	}
}

func (st *Storage) CreateTable(name string, schema *tell.Schema,
	layout deltamain.Layout) (*deltamain.Table, error) {

	if layout == 0 {
		layout = st.cfg.Layout
	}

	st.mutex.Lock()
	defer st.mutex.Unlock()

	if _, dup := st.tables[name]; dup {
		return nil, fmt.Errorf("storage: table %s already exists: %w", name,
			tell.ErrInvalidArgument)
	}
	st.nextTableID += 1
	tbl, err := deltamain.NewTable(name, st.nextTableID, schema, layout,
		st.pageManager)
	if err != nil {
		return nil, err
	}
	st.tables[name] = tbl
	return tbl, nil
}

func (st *Storage) Table(name string) (*deltamain.Table, error) {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	tbl, ok := st.tables[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown table %s: %w", name,
			tell.ErrInvalidArgument)
	}
	return tbl, nil
}

func (st *Storage) ListTables() []*deltamain.Table {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	tables := make([]*deltamain.Table, 0, len(st.tables))
	for _, tbl := range st.tables {
		tables = append(tables, tbl)
	}
	return tables
}

func (st *Storage) LowestActiveVersion() uint64 {
	return st.commitManager.LowestActiveVersion()
}

// Transaction holds a snapshot descriptor over the storage. A transaction
// dropped without an explicit Commit or Abort commits on Close; defer Close
// right after Begin.
type Transaction struct {
	st   *Storage
	snap *commitmanager.SnapshotDescriptor
	done bool
}

func (st *Storage) Begin() *Transaction {
	return &Transaction{st: st, snap: st.commitManager.StartTransaction()}
}

// Snapshot exposes the transaction's snapshot descriptor.
func (tx *Transaction) Snapshot() *commitmanager.SnapshotDescriptor {
	return tx.snap
}

func (tx *Transaction) Commit() {
	if tx.done {
		return
	}
	tx.st.commitManager.Commit(tx.snap)
	tx.done = true
}

func (tx *Transaction) Abort() {
	if tx.done {
		return
	}
	tx.st.commitManager.Abort(tx.snap)
	tx.done = true
}

// Close commits the transaction unless Commit or Abort already ran.
func (tx *Transaction) Close() {
	tx.Commit()
}

// Insert adds key to the table; with failOnExists it fails if the key has a
// visible live version.
func (tx *Transaction) Insert(table string, key tell.Key, tuple tell.GenericTuple,
	failOnExists bool) error {

	tbl, err := tx.st.Table(table)
	if err != nil {
		return err
	}

	guard := tx.st.pageManager.Epochs().Enter()
	defer guard.Leave()

	return tbl.Insert(tx.snap, key, tuple, failOnExists)
}

func (tx *Transaction) Update(table string, key tell.Key,
	tuple tell.GenericTuple) error {

	tbl, err := tx.st.Table(table)
	if err != nil {
		return err
	}

	guard := tx.st.pageManager.Epochs().Enter()
	defer guard.Leave()

	return tbl.Update(tx.snap, key, tuple)
}

func (tx *Transaction) Remove(table string, key tell.Key) error {
	tbl, err := tx.st.Table(table)
	if err != nil {
		return err
	}

	guard := tx.st.pageManager.Epochs().Enter()
	defer guard.Leave()

	return tbl.Remove(tx.snap, key)
}

// Get returns the tuple of key visible to the transaction's snapshot along
// with the version that wrote it and whether that is the newest version.
func (tx *Transaction) Get(table string, key tell.Key) (tell.GenericTuple, uint64,
	bool, error) {

	tbl, err := tx.st.Table(table)
	if err != nil {
		return nil, 0, false, err
	}

	guard := tx.st.pageManager.Epochs().Enter()
	defer guard.Leave()

	data, version, isNewest, err := tbl.Get(tx.snap, key)
	if err != nil {
		return nil, 0, false, err
	}
	return tbl.Record().DecodeTuple(data), version, isNewest, nil
}

// Scan evaluates a query over the table at the transaction's snapshot.
func (tx *Transaction) Scan(ctx context.Context, table string,
	query *scanquery.Query) ([][]tell.Value, error) {

	tbl, err := tx.st.Table(table)
	if err != nil {
		return nil, err
	}
	return tbl.Scan(ctx, tx.snap, query, tx.st.cfg.ScanProcessors)
}

// ScanBuffer evaluates a serialized predicate buffer, the form scans arrive
// in from remote clients.
func (tx *Transaction) ScanBuffer(ctx context.Context, table string, buf []byte,
	projection []tell.FieldID, aggregations []scanquery.Aggregation) (
	[][]tell.Value, error) {

	tbl, err := tx.st.Table(table)
	if err != nil {
		return nil, err
	}
	query, err := scanquery.Parse(tbl.Record(), buf)
	if err != nil {
		return nil, err
	}
	query.Projection = projection
	query.Aggregations = aggregations
	return tbl.Scan(ctx, tx.snap, query, tx.st.cfg.ScanProcessors)
}
