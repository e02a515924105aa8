package deltamain

import (
	"github.com/leftmike/tellstore/deltalog"
)

// RecordRef is the hash table value: a tagged reference to where a record
// head lives. The top two bits pick the kind; the low 62 bits are
// kind-specific.
type RecordRef uint64

type refKind uint64

const (
	refInvalid refKind = iota
	refRowMain         // (main page id, byte offset of record image)
	refColMain         // (main page id, record start row index)
	refLog             // deltalog.Ref of a LogInsert entry
)

func (ref RecordRef) kind() refKind {
	return refKind(ref >> 62)
}

func makeRowRef(pageID uint32, off uint32) RecordRef {
	return RecordRef(uint64(refRowMain)<<62 | uint64(pageID)<<32 | uint64(off))
}

func makeColRef(pageID uint32, idx uint32) RecordRef {
	return RecordRef(uint64(refColMain)<<62 | uint64(pageID)<<32 | uint64(idx))
}

func makeLogRef(ref deltalog.Ref) RecordRef {
	return RecordRef(uint64(refLog)<<62 | uint64(ref))
}

func (ref RecordRef) mainPage() uint32 {
	return uint32(ref>>32) &^ (3 << 30)
}

func (ref RecordRef) mainOffset() uint32 {
	return uint32(ref)
}

func (ref RecordRef) logRef() deltalog.Ref {
	return deltalog.Ref(ref &^ (3 << 62))
}
