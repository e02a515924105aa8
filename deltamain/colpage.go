package deltamain

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/leftmike/tellstore/deltalog"
	"github.com/leftmike/tellstore/pagemanager"
	"github.com/leftmike/tellstore/tell"
)

// A column-major main page:
//
//	count u32 | pad 4 | key[count] u64 | validFrom[count] u64 |
//	validTo[count] u64 | newestPtr[count] u64 |
//	per fixed field: packed column (8 byte aligned) |
//	per var field: (heapOff u32, len u32)[count] | heap ...
//
// Multiple versions of one key occupy adjacent rows with descending
// validFrom; a record is the contiguous row slice sharing its key.
const (
	colPageHeaderSize = 8

	// MaxColumnRecords caps the rows of one column page so header arrays
	// stay a small fraction of the page.
	MaxColumnRecords = 8192
)

type columnPage struct {
	ctx   *Context
	page  *pagemanager.Page
	count int

	keys      []uint64
	validFrom []uint64
	validTo   []uint64
	newestPtr []uint64

	fixedCols [][]byte // indexed by field id; nil for var fields
	varCols   [][]byte // (off, len) pair arrays indexed by field id
}

func u64Slice(data []byte, off int, cnt int) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(&data[off])), cnt)
}

// colPageSize is the byte size of a column page holding the given rows.
func colPageSize(rec *tell.Record, count int, heapBytes int) int {
	size := colPageHeaderSize + 4*8*count
	for id := 0; id < rec.NumFields(); id += 1 {
		fld := rec.Field(tell.FieldID(id))
		if fld.Type.Fixed() {
			size = alignUp(size, 8) + int(fld.Type.Size())*count
		} else {
			size = alignUp(size, 8) + 8*count
		}
	}
	return alignUp(size, 8) + heapBytes
}

// parseColumnPage recomputes the array views of a written column page.
func parseColumnPage(ctx *Context, page *pagemanager.Page) *columnPage {
	data := page.Data()
	count := int(binary.LittleEndian.Uint32(data))

	cp := columnPage{ctx: ctx, page: page, count: count}
	cp.keys = u64Slice(data, colPageHeaderSize, count)
	cp.validFrom = u64Slice(data, colPageHeaderSize+8*count, count)
	cp.validTo = u64Slice(data, colPageHeaderSize+16*count, count)
	cp.newestPtr = u64Slice(data, colPageHeaderSize+24*count, count)

	rec := ctx.rec
	cp.fixedCols = make([][]byte, rec.NumFields())
	cp.varCols = make([][]byte, rec.NumFields())
	off := colPageHeaderSize + 32*count
	for id := 0; id < rec.NumFields(); id += 1 {
		fld := rec.Field(tell.FieldID(id))
		off = alignUp(off, 8)
		if fld.Type.Fixed() {
			sz := int(fld.Type.Size())
			cp.fixedCols[id] = data[off : off+sz*count]
			off += sz * count
		} else {
			cp.varCols[id] = data[off : off+8*count]
			off += 8 * count
		}
	}
	return &cp
}

// scanquery.ColumnView implementation.

func (cp *columnPage) NumRecords() int {
	return cp.count
}

func (cp *columnPage) Keys() []uint64 {
	return cp.keys
}

func (cp *columnPage) ValidFrom() []uint64 {
	return cp.validFrom
}

func (cp *columnPage) ValidTo() []uint64 {
	return cp.validTo
}

func (cp *columnPage) FixedColumn(id tell.FieldID) []byte {
	return cp.fixedCols[id]
}

func (cp *columnPage) VarValue(id tell.FieldID, idx int) []byte {
	pairs := cp.varCols[id]
	off := binary.LittleEndian.Uint32(pairs[idx*8:])
	cnt := binary.LittleEndian.Uint32(pairs[idx*8+4:])
	return cp.page.Data()[off : off+cnt]
}

// Materialize re-encodes row idx into row-format tuple bytes.
func (cp *columnPage) Materialize(idx int) []byte {
	rec := cp.ctx.rec
	tpl := tell.GenericTuple{}
	for id := 0; id < rec.NumFields(); id += 1 {
		fld := rec.Field(tell.FieldID(id))
		var val tell.Value
		if fld.Type.Fixed() {
			col := cp.fixedCols[id]
			switch fld.Type {
			case tell.IntType:
				val = tell.Int64Value(int32(binary.LittleEndian.Uint32(col[idx*4:])))
			case tell.BigIntType:
				val = tell.Int64Value(binary.LittleEndian.Uint64(col[idx*8:]))
			case tell.FloatType:
				val = tell.Float64Value(math.Float32frombits(
					binary.LittleEndian.Uint32(col[idx*4:])))
			case tell.DoubleType:
				val = tell.Float64Value(math.Float64frombits(
					binary.LittleEndian.Uint64(col[idx*8:])))
			}
		} else {
			b := cp.VarValue(tell.FieldID(id), idx)
			if fld.Type == tell.BlobType {
				val = tell.BytesValue(b)
			} else {
				val = tell.StringValue(b)
			}
		}
		if val != nil {
			tpl[fld.Name] = val
		}
	}
	buf, err := rec.EncodeTuple(tpl)
	if err != nil {
		panic(fmt.Sprintf("deltamain: materialize row %d: %s", idx, err))
	}
	return buf
}

// recordEnd finds the end of the record slice starting at startIdx.
func (cp *columnPage) recordEnd(startIdx int) int {
	end := startIdx + 1
	for end < cp.count && cp.keys[end] == cp.keys[startIdx] {
		end += 1
	}
	return end
}

func (cp *columnPage) newestWord(idx int) *uint64 {
	return (*uint64)(unsafe.Pointer(&cp.newestPtr[idx]))
}

func (cp *columnPage) newest(idx int) deltalog.Ref {
	return deltalog.Ref(atomic.LoadUint64(cp.newestWord(idx)))
}

// recordVersions reconstructs the version set of the record at startIdx:
// newest chain, then rows, with deletes recovered from validTo gaps.
func (cp *columnPage) recordVersions(startIdx int, im *InsertMap) []VersionData {
	var out []VersionData
	out = cp.ctx.chainVersions(cp.newest(startIdx), out)

	end := cp.recordEnd(startIdx)
	prevFrom := uint64(maxVisible)
	for i := startIdx; i < end; i += 1 {
		if cp.validTo[i] != maxVisible && cp.validTo[i] != prevFrom {
			// The version that ended this row is not the next newer row:
			// it was a delete.
			out = append(out, VersionData{Version: cp.validTo[i], Deleted: true})
		}
		out = append(out, VersionData{
			Version: cp.validFrom[i],
			Tuple:   cp.Materialize(i),
		})
		prevFrom = cp.validFrom[i]
	}

	if im != nil {
		key := tell.Key(cp.keys[startIdx])
		for _, ref := range im.Lookup(key) {
			e := cp.ctx.log.Deref(ref)
			ins := NewRecord(e.Data())
			out = cp.ctx.chainVersions(ins.Newest(), out)
			out = append(out, VersionData{Version: ins.logVersion(), Tuple: ins.logTuple()})
		}
	}
	return sortVersions(out)
}

// needsCleaning mirrors Context.NeedsCleaning for a column record.
func (cp *columnPage) needsCleaning(startIdx int, lowestActive uint64, im *InsertMap) bool {
	if cp.newest(startIdx) != deltalog.NilRef {
		return true
	}
	if im != nil && len(im.Lookup(tell.Key(cp.keys[startIdx]))) > 0 {
		return true
	}
	if hasObsoleteVersion(cp.versionList(startIdx), lowestActive) {
		return true
	}
	// A record whose newest row was deleted before the cutoff is dead.
	if cp.validTo[startIdx] != maxVisible && cp.validTo[startIdx] < lowestActive {
		return true
	}
	return false
}

// versionList is the record's descending version list as recordVersions
// reconstructs it, deletes included, without materializing tuples.
func (cp *columnPage) versionList(startIdx int) []uint64 {
	end := cp.recordEnd(startIdx)
	versions := make([]uint64, 0, (end-startIdx)*2)
	prevFrom := uint64(maxVisible)
	for i := startIdx; i < end; i += 1 {
		if cp.validTo[i] != maxVisible && cp.validTo[i] != prevFrom {
			versions = append(versions, cp.validTo[i])
		}
		versions = append(versions, cp.validFrom[i])
		prevFrom = cp.validFrom[i]
	}
	return versions
}

// columnBuilder accumulates compacted records and writes column pages.
type columnBuilder struct {
	ctx  *Context
	rows []builderRow
	heap int
}

type builderRow struct {
	key       tell.Key
	validFrom uint64
	validTo   uint64
	tuple     []byte
}

func newColumnBuilder(ctx *Context) *columnBuilder {
	return &columnBuilder{ctx: ctx}
}

// fits reports whether a record of n more rows still fits the current page.
func (cb *columnBuilder) fits(rows int, heapBytes int) bool {
	if len(cb.rows)+rows > MaxColumnRecords {
		return false
	}
	return colPageSize(cb.ctx.rec, len(cb.rows)+rows, cb.heap+heapBytes) <=
		pagemanager.PageSize
}

// add appends the rows of one compacted record; versions are descending and
// tombstones carry no row but end the next older one.
func (cb *columnBuilder) add(key tell.Key, versions []VersionData) {
	validTo := uint64(maxVisible)
	for _, vd := range versions {
		if vd.Deleted {
			validTo = vd.Version
			continue
		}
		cb.rows = append(cb.rows, builderRow{
			key:       key,
			validFrom: vd.Version,
			validTo:   validTo,
			tuple:     vd.Tuple,
		})
		cb.heap += cb.varHeapBytes(vd.Tuple)
		validTo = vd.Version
	}
}

func (cb *columnBuilder) varHeapBytes(tuple []byte) int {
	rec := cb.ctx.rec
	total := 0
	for id := 0; id < rec.NumFields(); id += 1 {
		fld := rec.Field(tell.FieldID(id))
		if fld.Type.Fixed() {
			continue
		}
		switch val := rec.FieldValue(tuple, tell.FieldID(id)).(type) {
		case tell.StringValue:
			total += len(val)
		case tell.BytesValue:
			total += len(val)
		}
	}
	return total
}

func (cb *columnBuilder) empty() bool {
	return len(cb.rows) == 0
}

// write lays the accumulated rows out into a zeroed page and resets the
// builder.
func (cb *columnBuilder) write(page *pagemanager.Page) {
	rec := cb.ctx.rec
	data := page.Data()
	count := len(cb.rows)
	binary.LittleEndian.PutUint32(data, uint32(count))

	keys := u64Slice(data, colPageHeaderSize, count)
	validFrom := u64Slice(data, colPageHeaderSize+8*count, count)
	validTo := u64Slice(data, colPageHeaderSize+16*count, count)
	for i, row := range cb.rows {
		keys[i] = uint64(row.key)
		validFrom[i] = row.validFrom
		validTo[i] = row.validTo
	}
	// newestPtr[] stays zero: compaction resolved every chain.

	off := colPageHeaderSize + 32*count
	heapOff := colPageSize(rec, count, 0)
	for id := 0; id < rec.NumFields(); id += 1 {
		fld := rec.Field(tell.FieldID(id))
		off = alignUp(off, 8)
		if fld.Type.Fixed() {
			sz := int(fld.Type.Size())
			for i, row := range cb.rows {
				cb.writeFixed(data[off+i*sz:], fld, row.tuple, tell.FieldID(id))
			}
			off += sz * count
		} else {
			for i, row := range cb.rows {
				b := cb.varBytes(row.tuple, tell.FieldID(id))
				copy(data[heapOff:], b)
				binary.LittleEndian.PutUint32(data[off+i*8:], uint32(heapOff))
				binary.LittleEndian.PutUint32(data[off+i*8+4:], uint32(len(b)))
				heapOff += len(b)
			}
			off += 8 * count
		}
	}

	cb.rows = nil
	cb.heap = 0
}

func (cb *columnBuilder) writeFixed(dst []byte, fld tell.Field, tuple []byte,
	id tell.FieldID) {

	val := cb.ctx.rec.FieldValue(tuple, id)
	switch fld.Type {
	case tell.IntType:
		var u uint32
		if i, ok := val.(tell.Int64Value); ok {
			u = uint32(int32(i))
		}
		binary.LittleEndian.PutUint32(dst, u)
	case tell.BigIntType:
		var u uint64
		if i, ok := val.(tell.Int64Value); ok {
			u = uint64(i)
		}
		binary.LittleEndian.PutUint64(dst, u)
	case tell.FloatType:
		var u uint32
		if f, ok := val.(tell.Float64Value); ok {
			u = math.Float32bits(float32(f))
		}
		binary.LittleEndian.PutUint32(dst, u)
	case tell.DoubleType:
		var u uint64
		if f, ok := val.(tell.Float64Value); ok {
			u = math.Float64bits(float64(f))
		}
		binary.LittleEndian.PutUint64(dst, u)
	}
}

func (cb *columnBuilder) varBytes(tuple []byte, id tell.FieldID) []byte {
	switch val := cb.ctx.rec.FieldValue(tuple, id).(type) {
	case tell.StringValue:
		return []byte(val)
	case tell.BytesValue:
		return val
	}
	return nil
}

// recordRows counts the rows and heap bytes a compacted record will add.
func (cb *columnBuilder) recordRows(versions []VersionData) (int, int) {
	rows, heap := 0, 0
	for _, vd := range versions {
		if vd.Deleted {
			continue
		}
		rows += 1
		heap += cb.varHeapBytes(vd.Tuple)
	}
	return rows, heap
}
