// Package deltamain implements the delta-main storage substrate: multi
// version records layered over an append-only delta log, main pages in row
// and column layout, per-table garbage collection, and parallel scans.
package deltamain

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/leftmike/tellstore/commitmanager"
	"github.com/leftmike/tellstore/deltalog"
	"github.com/leftmike/tellstore/tell"
)

type RecordType uint8

const (
	SingleVersionRecord RecordType = iota + 1
	MultiVersionRecord
	LogInsert
	LogUpdate
	LogDelete
)

// Main record images, 8 byte aligned within their page:
//
// MultiVersionRecord:
//
//	type u8 | pad 3 | numVersions u32 | newestPtr u64 | key u64 |
//	totalSize u32 | dataOffset u32 | versions[numVersions] u64 |
//	offsets[numVersions+1] u32 | pad | tuple bytes ...
//
// Version i's tuple is data[offsets[i]:offsets[i+1]]; equal offsets mark a
// tombstone. Versions are strictly descending.
//
// SingleVersionRecord:
//
//	type u8 | pad 3 | dataOffset u32 | newestPtr u64 | key u64 |
//	version u64 | totalSize u32 | tupleEnd u32 | tuple bytes ...
//
// Log entry images (the payload of a sealed log entry):
//
//	type u8 | pad 7 | key u64 | version u64 | chain u64 | tuple bytes ...
//
// For LogInsert, chain is the record's newest pointer (newer updates hang off
// it); for LogUpdate and LogDelete it links to the previous newest entry.
// Chain words hold deltalog refs and are only ever accessed atomically.
const (
	mvNumVersions = 4
	mvNewest      = 8
	mvKey         = 16
	mvTotalSize   = 24
	mvDataOffset  = 28
	mvVersions    = 32

	svDataOffset = 4
	svNewest     = 8
	svKey        = 16
	svVersion    = 24
	svTotalSize  = 32
	svTupleEnd   = 36
	svHeaderSize = 40

	logKey       = 8
	logVersion   = 16
	logChain     = 24
	logHeaderLen = 32
)

// Context carries what record views need to chase chains and size tuples.
type Context struct {
	log *deltalog.Log
	rec *tell.Record
}

func NewContext(log *deltalog.Log, rec *tell.Record) *Context {
	return &Context{log: log, rec: rec}
}

func (ctx *Context) Record() *tell.Record {
	return ctx.rec
}

func (ctx *Context) Log() *deltalog.Log {
	return ctx.log
}

// Record is a tagged view over a record byte image, either in a main page or
// in a log entry payload.
type Record struct {
	data []byte
}

func NewRecord(data []byte) Record {
	return Record{data: data}
}

func (r Record) Type() RecordType {
	return RecordType(r.data[0])
}

func (r Record) Key() tell.Key {
	switch r.Type() {
	case SingleVersionRecord:
		return tell.Key(binary.LittleEndian.Uint64(r.data[svKey:]))
	case MultiVersionRecord:
		return tell.Key(binary.LittleEndian.Uint64(r.data[mvKey:]))
	case LogInsert, LogUpdate, LogDelete:
		return tell.Key(binary.LittleEndian.Uint64(r.data[logKey:]))
	}
	panic(fmt.Sprintf("deltamain: bad record type %d", r.data[0]))
}

// Size is the total byte length of a main record image.
func (r Record) Size() uint32 {
	switch r.Type() {
	case SingleVersionRecord:
		return binary.LittleEndian.Uint32(r.data[svTotalSize:])
	case MultiVersionRecord:
		return binary.LittleEndian.Uint32(r.data[mvTotalSize:])
	}
	panic(fmt.Sprintf("deltamain: size of log record type %d", r.data[0]))
}

func (r Record) numVersions() int {
	return int(binary.LittleEndian.Uint32(r.data[mvNumVersions:]))
}

func (r Record) version(i int) uint64 {
	return binary.LittleEndian.Uint64(r.data[mvVersions+i*8:])
}

func (r Record) versionTuple(i int) ([]byte, bool) {
	n := r.numVersions()
	offs := mvVersions + n*8
	start := binary.LittleEndian.Uint32(r.data[offs+i*4:])
	end := binary.LittleEndian.Uint32(r.data[offs+(i+1)*4:])
	if start == end {
		return nil, false // tombstone
	}
	return r.data[start:end], true
}

// newestWord is the record's newest-pointer, valid for main records and
// LogInsert heads.
func (r Record) newestWord() *uint64 {
	switch r.Type() {
	case SingleVersionRecord, MultiVersionRecord:
		return (*uint64)(unsafe.Pointer(&r.data[mvNewest]))
	case LogInsert:
		return (*uint64)(unsafe.Pointer(&r.data[logChain]))
	}
	panic(fmt.Sprintf("deltamain: newest pointer of record type %d", r.data[0]))
}

func (r Record) Newest() deltalog.Ref {
	return deltalog.Ref(atomic.LoadUint64(r.newestWord()))
}

func (r Record) CASNewest(old, new deltalog.Ref) bool {
	return atomic.CompareAndSwapUint64(r.newestWord(), uint64(old), uint64(new))
}

// logRecord accessors; r.data is a log entry payload.

func (r Record) logVersion() uint64 {
	return binary.LittleEndian.Uint64(r.data[logVersion:])
}

func (r Record) logPrev() deltalog.Ref {
	return deltalog.Ref(atomic.LoadUint64((*uint64)(unsafe.Pointer(&r.data[logChain]))))
}

func (r Record) logTuple() []byte {
	return r.data[logHeaderLen:]
}

// VersionData is one materialized version of a record.
type VersionData struct {
	Version uint64
	Tuple   []byte
	Deleted bool
}

// chainVersions walks a newest chain, newest first.
func (ctx *Context) chainVersions(ref deltalog.Ref, out []VersionData) []VersionData {
	for ref != deltalog.NilRef {
		e := ctx.log.Deref(ref)
		rec := NewRecord(e.Data())
		vd := VersionData{Version: rec.logVersion()}
		switch rec.Type() {
		case LogDelete:
			vd.Deleted = true
		case LogUpdate:
			vd.Tuple = rec.logTuple()
		default:
			// Inserts are always chain heads, never interior entries.
			panic(fmt.Sprintf("deltamain: record type %d in newest chain", rec.Type()))
		}
		out = append(out, vd)
		ref = rec.logPrev()
	}
	return out
}

// allVersions materializes every version of a record reachable from its
// image: the newest chain, the main versions, and any pending insert chain in
// the insert map. The result is strictly descending by version.
func (ctx *Context) allVersions(r Record, im *InsertMap) []VersionData {
	var out []VersionData

	switch r.Type() {
	case SingleVersionRecord:
		out = ctx.chainVersions(r.Newest(), out)
		out = append(out, VersionData{
			Version: binary.LittleEndian.Uint64(r.data[svVersion:]),
			Tuple: r.data[binary.LittleEndian.Uint32(r.data[svDataOffset:]):binary.
				LittleEndian.Uint32(r.data[svTupleEnd:])],
		})
	case MultiVersionRecord:
		out = ctx.chainVersions(r.Newest(), out)
		for i := 0; i < r.numVersions(); i += 1 {
			tuple, ok := r.versionTuple(i)
			out = append(out, VersionData{
				Version: r.version(i),
				Tuple:   tuple,
				Deleted: !ok,
			})
		}
	case LogInsert:
		out = ctx.chainVersions(r.Newest(), out)
		out = append(out, VersionData{Version: r.logVersion(), Tuple: r.logTuple()})
	default:
		panic(fmt.Sprintf("deltamain: record type %d has no version set", r.Type()))
	}

	if im != nil {
		for _, ref := range im.Lookup(r.Key()) {
			e := ctx.log.Deref(ref)
			ins := NewRecord(e.Data())
			out = ctx.chainVersions(ins.Newest(), out)
			out = append(out, VersionData{Version: ins.logVersion(), Tuple: ins.logTuple()})
		}
	}

	return sortVersions(out)
}

// sortVersions orders a version set strictly descending, dropping duplicate
// versions (chains appended during GC can repeat versions already in main).
func sortVersions(out []VersionData) []VersionData {
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Version > out[j].Version
	})
	dedup := out[:0]
	var last uint64
	for i, vd := range out {
		if i > 0 && vd.Version == last {
			continue
		}
		last = vd.Version
		dedup = append(dedup, vd)
	}
	return dedup
}

// GetVersion returns the tuple visible to the snapshot: the highest version
// in the read set, chasing the newest pointer first. isNewest reports whether
// that version is the newest version of the record. ok is false if there is
// no visible version or the visible version is a tombstone.
func (ctx *Context) GetVersion(r Record, snap *commitmanager.SnapshotDescriptor) (
	tuple []byte, version uint64, isNewest bool, ok bool) {

	versions := ctx.allVersions(r, nil)
	for i, vd := range versions {
		if !snap.InReadSet(vd.Version) {
			continue
		}
		if vd.Deleted {
			return nil, vd.Version, i == 0, false
		}
		return vd.Tuple, vd.Version, i == 0, true
	}
	return nil, 0, false, false
}

// NeedsCleaning reports whether GC must rewrite the record: it has an
// obsolete version, a newest pointer to inline, or a pending insert chain.
func (ctx *Context) NeedsCleaning(r Record, lowestActive uint64, im *InsertMap) bool {
	if r.Newest() != deltalog.NilRef {
		return true
	}
	if im != nil && len(im.Lookup(r.Key())) > 0 {
		return true
	}

	switch r.Type() {
	case SingleVersionRecord:
		return false
	case MultiVersionRecord:
		versions := make([]uint64, r.numVersions())
		for i := range versions {
			versions[i] = r.version(i)
		}
		if hasObsoleteVersion(versions, lowestActive) {
			return true
		}
		if _, ok := r.versionTuple(0); !ok && r.version(0) < lowestActive {
			// The whole record is a dead tombstone.
			return true
		}
		return false
	}
	return false
}

// hasObsoleteVersion reports whether a descending version list carries a
// version older than compact's cutoff keeper: anything beyond the newest
// version at or below lowestActive is reclaimable.
func hasObsoleteVersion(versions []uint64, lowestActive uint64) bool {
	for i, v := range versions {
		if v <= lowestActive {
			return i+1 < len(versions)
		}
	}
	return false
}

// compact drops versions no snapshot can read: everything strictly older than
// the newest version at or below lowestActive. An empty result means the
// record is dead (its only surviving version is an expired tombstone).
func compact(versions []VersionData, lowestActive uint64) []VersionData {
	cut := len(versions)
	for i, vd := range versions {
		if vd.Version <= lowestActive {
			cut = i + 1
			break
		}
	}
	versions = versions[:cut]
	// A trailing tombstone at or below the cutoff serves no snapshot: every
	// live snapshot already observes the key as absent.
	for len(versions) > 0 && versions[len(versions)-1].Deleted &&
		versions[len(versions)-1].Version <= lowestActive {
		versions = versions[:len(versions)-1]
	}
	return versions
}

// compactedSize is the encoded size of a compacted record image.
func compactedSize(versions []VersionData) uint32 {
	if len(versions) == 1 && !versions[0].Deleted {
		return uint32(alignUp(svHeaderSize+len(versions[0].Tuple), 8))
	}
	n := len(versions)
	size := alignUp(mvVersions+n*8+(n+1)*4, 8)
	for _, vd := range versions {
		size += len(vd.Tuple)
	}
	return uint32(alignUp(size, 8))
}

func alignUp(n, alignment int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// CopyAndCompact writes a compacted image of the record into dst.
// It returns (0, true) for a dead record, and couldRelocate=false (writing
// nothing) if dst is too small.
func (ctx *Context) CopyAndCompact(r Record, lowestActive uint64, im *InsertMap,
	dst []byte) (n uint32, couldRelocate bool) {

	versions := compact(ctx.allVersions(r, im), lowestActive)
	if len(versions) == 0 {
		return 0, true
	}
	return encodeCompacted(r.Key(), versions, dst)
}

func encodeCompacted(key tell.Key, versions []VersionData, dst []byte) (uint32, bool) {
	size := compactedSize(versions)
	if int(size) > len(dst) {
		return 0, false
	}

	if len(versions) == 1 && !versions[0].Deleted {
		dst[0] = byte(SingleVersionRecord)
		dst[1], dst[2], dst[3] = 0, 0, 0
		binary.LittleEndian.PutUint32(dst[svDataOffset:], svHeaderSize)
		binary.LittleEndian.PutUint64(dst[svNewest:], uint64(deltalog.NilRef))
		binary.LittleEndian.PutUint64(dst[svKey:], uint64(key))
		binary.LittleEndian.PutUint64(dst[svVersion:], versions[0].Version)
		binary.LittleEndian.PutUint32(dst[svTotalSize:], size)
		binary.LittleEndian.PutUint32(dst[svTupleEnd:],
			uint32(svHeaderSize+len(versions[0].Tuple)))
		copy(dst[svHeaderSize:], versions[0].Tuple)
		for i := svHeaderSize + len(versions[0].Tuple); i < int(size); i += 1 {
			dst[i] = 0
		}
		return size, true
	}

	n := len(versions)
	dst[0] = byte(MultiVersionRecord)
	dst[1], dst[2], dst[3] = 0, 0, 0
	binary.LittleEndian.PutUint32(dst[mvNumVersions:], uint32(n))
	binary.LittleEndian.PutUint64(dst[mvNewest:], uint64(deltalog.NilRef))
	binary.LittleEndian.PutUint64(dst[mvKey:], uint64(key))
	binary.LittleEndian.PutUint32(dst[mvTotalSize:], size)

	dataOffset := uint32(alignUp(mvVersions+n*8+(n+1)*4, 8))
	binary.LittleEndian.PutUint32(dst[mvDataOffset:], dataOffset)

	offs := mvVersions + n*8
	off := dataOffset
	for i, vd := range versions {
		binary.LittleEndian.PutUint64(dst[mvVersions+i*8:], vd.Version)
		binary.LittleEndian.PutUint32(dst[offs+i*4:], off)
		copy(dst[off:], vd.Tuple)
		off += uint32(len(vd.Tuple))
		binary.LittleEndian.PutUint32(dst[offs+(i+1)*4:], off)
	}
	for i := offs + n*4 + 4; i < int(dataOffset); i += 1 {
		dst[i] = 0
	}
	for i := off; i < size; i += 1 {
		dst[i] = 0
	}
	return size, true
}

// Log entry image builders.

func logEntrySize(tuple []byte) uint32 {
	return uint32(logHeaderLen + len(tuple))
}

func writeLogRecord(dst []byte, typ RecordType, key tell.Key, version uint64,
	chain deltalog.Ref, tuple []byte) {

	dst[0] = byte(typ)
	for i := 1; i < logKey; i += 1 {
		dst[i] = 0
	}
	binary.LittleEndian.PutUint64(dst[logKey:], uint64(key))
	binary.LittleEndian.PutUint64(dst[logVersion:], version)
	binary.LittleEndian.PutUint64(dst[logChain:], uint64(chain))
	copy(dst[logHeaderLen:], tuple)
}

// maxVisible is shorthand for a version no snapshot can read yet.
const maxVisible = uint64(math.MaxUint64)
