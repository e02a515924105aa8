package deltamain

import (
	"github.com/google/btree"

	"github.com/leftmike/tellstore/deltalog"
	"github.com/leftmike/tellstore/tell"
)

type insertItem struct {
	key  tell.Key
	refs []deltalog.Ref // ascending version order
}

func (ii insertItem) Less(than btree.Item) bool {
	return ii.key < than.(insertItem).key
}

// InsertMap indexes keys that live only in the log: for each such key, the
// refs of its insert entries in ascending version order. It is rebuilt for
// every GC pass from the unprocessed log slice and drained into main by the
// same pass.
type InsertMap struct {
	tree *btree.BTree
}

func NewInsertMap() *InsertMap {
	return &InsertMap{tree: btree.New(16)}
}

func (im *InsertMap) Add(key tell.Key, ref deltalog.Ref) {
	item := im.tree.Get(insertItem{key: key})
	if item == nil {
		im.tree.ReplaceOrInsert(insertItem{key: key, refs: []deltalog.Ref{ref}})
		return
	}
	ii := item.(insertItem)
	ii.refs = append(ii.refs, ref)
	im.tree.ReplaceOrInsert(ii)
}

func (im *InsertMap) Lookup(key tell.Key) []deltalog.Ref {
	item := im.tree.Get(insertItem{key: key})
	if item == nil {
		return nil
	}
	return item.(insertItem).refs
}

func (im *InsertMap) Erase(key tell.Key) {
	im.tree.Delete(insertItem{key: key})
}

func (im *InsertMap) Empty() bool {
	return im.tree.Len() == 0
}

func (im *InsertMap) Len() int {
	return im.tree.Len()
}

// Min returns the smallest pending key.
func (im *InsertMap) Min() (tell.Key, bool) {
	item := im.tree.Min()
	if item == nil {
		return 0, false
	}
	return item.(insertItem).key, true
}
