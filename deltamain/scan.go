package deltamain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"

	"github.com/leftmike/tellstore/commitmanager"
	"github.com/leftmike/tellstore/cuckoo"
	"github.com/leftmike/tellstore/deltalog"
	"github.com/leftmike/tellstore/scanquery"
	"github.com/leftmike/tellstore/tell"
)

// scanShared is the state every processor of one scan shares: the captured
// main page list and log range, the compiled kernels, and the output slots.
type scanShared struct {
	tbl   *Table
	snap  *commitmanager.SnapshotDescriptor
	query *scanquery.Query

	pages []*mainPage
	hash  cuckoo.View

	colScan scanquery.ColumnScanFun
	rowScan scanquery.RowScanFun
	rowProj scanquery.RowProjectFun
	colProj scanquery.ColumnProjectFun
}

// scanProcessor sweeps a page range plus its share of the log tail.
type scanProcessor struct {
	shared  *scanShared
	pageIdx int
	pageEnd int
	procIdx int
	numProc int

	rows [][]tell.Value
	aggs []*scanquery.AggState
}

// Scan evaluates a query over a snapshot using numProcessors parallel
// processors. For a plain or projected scan the matched rows are returned;
// for an aggregation query a single row of aggregates is returned.
func (tbl *Table) Scan(goctx context.Context, snap *commitmanager.SnapshotDescriptor,
	query *scanquery.Query, numProcessors int) ([][]tell.Value, error) {

	if numProcessors < 1 {
		numProcessors = 1
	}

	colScan, err := scanquery.CompileColumnScan(tbl.ctx.rec, query)
	if err != nil {
		return nil, err
	}
	rowScan, err := scanquery.CompileRowScan(tbl.ctx.rec, query)
	if err != nil {
		return nil, err
	}
	rowProj, colProj, err := scanquery.CompileProjection(tbl.ctx.rec, query.Projection)
	if err != nil {
		return nil, err
	}

	guard := tbl.pageManager.Epochs().Enter()
	defer guard.Leave()

	// The page list, hash generation, and log range must come from one
	// consistent point: the read lock holds off a concurrent GC install.
	tbl.writeLock.RLock()
	shared := scanShared{
		tbl:     tbl,
		snap:    snap,
		query:   query,
		pages:   tbl.mainPages(),
		hash:    tbl.hash.View(),
		colScan: colScan,
		rowScan: rowScan,
		rowProj: rowProj,
		colProj: colProj,
	}
	capture := tbl.log.CaptureRange()
	tbl.writeLock.RUnlock()

	log.WithFields(log.Fields{
		"table":      tbl.name,
		"processors": numProcessors,
		"mainPages":  len(shared.pages),
	}).Debug("scan started")

	procs := make([]*scanProcessor, numProcessors)
	errs := make([]error, numProcessors)
	var wg sync.WaitGroup
	for i := 0; i < numProcessors; i += 1 {
		proc := &scanProcessor{
			shared:  &shared,
			pageIdx: i * len(shared.pages) / numProcessors,
			pageEnd: (i + 1) * len(shared.pages) / numProcessors,
			procIdx: i,
			numProc: numProcessors,
		}
		if len(query.Aggregations) > 0 {
			proc.aggs, err = scanquery.NewAggStates(tbl.ctx.rec, query.Aggregations)
			if err != nil {
				return nil, err
			}
		}
		procs[i] = proc

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = proc.process(goctx, capture)
		}(i)
	}
	wg.Wait()

	// All or nothing: one failed processor fails the scan and every partial
	// result is discarded.
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	if len(query.Aggregations) > 0 {
		aggs := procs[0].aggs
		for _, proc := range procs[1:] {
			for i := range aggs {
				aggs[i].Merge(proc.aggs[i])
			}
		}
		row := make([]tell.Value, len(aggs))
		for i := range aggs {
			row[i] = aggs[i].Value()
		}
		return [][]tell.Value{row}, nil
	}

	var rows [][]tell.Value
	for _, proc := range procs {
		rows = append(rows, proc.rows...)
	}
	return rows, nil
}

func (proc *scanProcessor) emitTuple(tuple []byte) {
	if proc.aggs != nil {
		rec := proc.shared.tbl.ctx.rec
		for _, st := range proc.aggs {
			st.Update(rec.FieldValue(tuple, st.Field()))
		}
		return
	}
	proc.rows = append(proc.rows, proc.shared.rowProj(tuple))
}

func (proc *scanProcessor) emitColumnRow(cp *columnPage, idx int) {
	if proc.aggs != nil {
		for _, st := range proc.aggs {
			st.Update(columnFieldValue(cp, st.Field(), idx))
		}
		return
	}
	proc.rows = append(proc.rows, proc.shared.colProj(cp, idx))
}

func (proc *scanProcessor) process(goctx context.Context,
	capture deltalog.Range) error {

	shared := proc.shared

	for i := proc.pageIdx; i < proc.pageEnd; i += 1 {
		if err := goctx.Err(); err != nil {
			return fmt.Errorf("deltamain: scan: %w", tell.ErrCancelled)
		}

		mp := shared.pages[i]
		if mp.col != nil {
			proc.processColumnPage(mp.col)
		} else {
			proc.processRowPage(mp)
		}
	}

	return proc.processLogTail(goctx, capture)
}

func (proc *scanProcessor) processRowPage(mp *mainPage) {
	shared := proc.shared
	ctx := shared.tbl.ctx

	mp.iterate(func(off uint32, r Record) bool {
		vd, _, ok := visibleVersion(ctx.allVersions(r, nil), shared.snap)
		if ok && shared.rowScan(vd.Tuple) {
			proc.emitTuple(vd.Tuple)
		}
		return true
	})
}

func (proc *scanProcessor) processColumnPage(cp *columnPage) {
	shared := proc.shared

	matches := make([]uint8, cp.count)
	shared.colScan(cp, 0, cp.count, shared.snap, matches)

	for idx := 0; idx < cp.count; idx += 1 {
		if matches[idx] == 0 {
			continue
		}

		// If the record has a newer chain version visible to the snapshot,
		// the main row is superseded: emit the chained tuple, or nothing if
		// the chain delivered a tombstone.
		start := idx
		for start > 0 && cp.keys[start-1] == cp.keys[idx] {
			start -= 1
		}
		if cp.newest(start) != 0 {
			vd, _, live := visibleVersion(cp.recordVersions(start, nil), shared.snap)
			if vd.Version > cp.validFrom[idx] {
				if live && shared.rowScan(vd.Tuple) {
					proc.emitTuple(vd.Tuple)
				}
				continue
			}
		}
		proc.emitColumnRow(cp, idx)
	}
}

// processLogTail walks the captured log range once per processor, each
// handling the keys that hash into its partition, and emits the visible
// version of every key that lives only in the log.
func (proc *scanProcessor) processLogTail(goctx context.Context,
	capture deltalog.Range) error {

	shared := proc.shared
	ctx := shared.tbl.ctx

	it := ctx.log.IterateRange(capture)
	n := 0
	for {
		if n%1024 == 0 {
			if err := goctx.Err(); err != nil {
				return fmt.Errorf("deltamain: scan: %w", tell.ErrCancelled)
			}
		}
		n += 1

		e, ok := it.Next()
		if !ok {
			return nil
		}
		r := NewRecord(e.Data())
		key := r.Key()
		if keyPartition(key, proc.numProc) != proc.procIdx {
			continue
		}

		// Resolve against the generation captured with the page list: a GC
		// install mid-scan must not make keys flicker between the main sweep
		// and the log pass.
		ref, ok := shared.hash.Get(key)
		if !ok || RecordRef(ref).kind() != refLog {
			// Keys reachable from main are covered by the page sweep.
			continue
		}

		vd, _, ok := visibleVersion(shared.tbl.versionsOf(RecordRef(ref)), shared.snap)
		if !ok || vd.Version != r.logVersion() {
			// Not the visible version of its key: either invisible to the
			// snapshot or superseded; the entry holding the visible version
			// emits it.
			continue
		}
		if shared.rowScan(vd.Tuple) {
			proc.emitTuple(vd.Tuple)
		}
	}
}

// keyPartition deterministically assigns a key to one of n processors, so a
// restarted scan partitions identically.
func keyPartition(key tell.Key, n int) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(key))
	return int(xxhash.Sum64(buf[:]) % uint64(n))
}

// columnFieldValue decodes one field of one column page row.
func columnFieldValue(cp *columnPage, id tell.FieldID, idx int) tell.Value {
	fld := cp.ctx.rec.Field(id)
	if !fld.Type.Fixed() {
		b := cp.VarValue(id, idx)
		if fld.Type == tell.BlobType {
			return tell.BytesValue(b)
		}
		return tell.StringValue(b)
	}

	col := cp.FixedColumn(id)
	switch fld.Type {
	case tell.IntType:
		return tell.Int64Value(int32(binary.LittleEndian.Uint32(col[idx*4:])))
	case tell.BigIntType:
		return tell.Int64Value(binary.LittleEndian.Uint64(col[idx*8:]))
	case tell.FloatType:
		return tell.Float64Value(math.Float32frombits(
			binary.LittleEndian.Uint32(col[idx*4:])))
	case tell.DoubleType:
		return tell.Float64Value(math.Float64frombits(
			binary.LittleEndian.Uint64(col[idx*8:])))
	}
	return nil
}
