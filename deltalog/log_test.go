package deltalog_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/leftmike/tellstore/deltalog"
	"github.com/leftmike/tellstore/pagemanager"
)

func newLog(t *testing.T, pageCount int) *deltalog.Log {
	t.Helper()

	l, err := deltalog.NewLog(pagemanager.NewPageManager(pageCount))
	if err != nil {
		t.Fatalf("NewLog() failed with %s", err)
	}
	return l
}

func TestAppendSeal(t *testing.T) {
	l := newLog(t, 4)

	e, err := l.Append(13)
	if err != nil {
		t.Fatalf("Append(13) failed with %s", err)
	}
	if e.Sealed() {
		t.Error("Append(13) got sealed entry")
	}
	if e.Size() != 13 {
		t.Errorf("Size() got %d want 13", e.Size())
	}
	if len(e.Data()) != 13 {
		t.Errorf("len(Data()) got %d want 13", len(e.Data()))
	}

	e.Seal()
	if !e.Sealed() {
		t.Error("Seal() entry not sealed")
	}
	e.Seal() // idempotent
	if !e.Sealed() {
		t.Error("Seal() not idempotent")
	}

	if l.Deref(e.Ref()) != e {
		t.Error("Deref(Ref()) did not round trip")
	}
}

func TestAppendErrors(t *testing.T) {
	l := newLog(t, 4)

	if _, err := l.Append(0); err == nil {
		t.Error("Append(0) did not fail")
	}
	if _, err := l.Append(pagemanager.PageSize); err == nil {
		t.Errorf("Append(%d) did not fail", pagemanager.PageSize)
	}
}

func TestIterate(t *testing.T) {
	l := newLog(t, 4)

	for i := 0; i < 100; i += 1 {
		e, err := l.Append(8)
		if err != nil {
			t.Fatalf("Append(8) failed with %s", err)
		}
		binary.LittleEndian.PutUint64(e.Data(), uint64(i))
		if i%10 != 9 {
			e.Seal()
		}
	}

	// Only the 90 sealed entries are returned, in append order.
	it := l.Iterate()
	var want uint64
	cnt := 0
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		for want%10 == 9 {
			want += 1
		}
		got := binary.LittleEndian.Uint64(e.Data())
		if got != want {
			t.Fatalf("Next() got entry %d want %d", got, want)
		}
		want += 1
		cnt += 1
	}
	if cnt != 90 {
		t.Errorf("Iterate() got %d entries want 90", cnt)
	}
}

func TestPageBoundary(t *testing.T) {
	l := newLog(t, 4)

	// Fill the head page until less than an entry header of space is left.
	free := uint32(pagemanager.PageSize - 16)
	for free >= 8+1000+8+8 {
		e, err := l.Append(1000)
		if err != nil {
			t.Fatalf("Append(1000) failed with %s", err)
		}
		e.Seal()
		free -= 8 + 1000
	}
	for free >= 16 {
		e, err := l.Append(8)
		if err != nil {
			t.Fatalf("Append(8) failed with %s", err)
		}
		e.Seal()
		free -= 16
	}

	head := l.Head()

	// An entry requiring 64 bytes no longer fits: a new page must be
	// installed and linked, with the entry placed on it.
	e, err := l.Append(64)
	if err != nil {
		t.Fatalf("Append(64) failed with %s", err)
	}
	e.Seal()

	if l.Head() == head {
		t.Fatal("Append(64) did not install a new head page")
	}
	if l.Head().Next() != head {
		t.Fatal("new head page not linked to old head page")
	}
}

func TestConcurrentAppend(t *testing.T) {
	l := newLog(t, 32)

	const appenders = 8
	const perAppender = 4000

	var wg sync.WaitGroup
	for a := 0; a < appenders; a += 1 {
		wg.Add(1)
		go func(a int) {
			defer wg.Done()

			for i := 0; i < perAppender; i += 1 {
				e, err := l.Append(128)
				if err != nil {
					t.Errorf("Append(128) failed with %s", err)
					return
				}
				binary.LittleEndian.PutUint64(e.Data(), uint64(a))
				e.Seal()
			}
		}(a)
	}
	wg.Wait()

	counts := map[uint64]int{}
	it := l.Iterate()
	for {
		e, ok := it.Next()
		if !ok {
			break
		}
		counts[binary.LittleEndian.Uint64(e.Data())] += 1
	}
	for a := uint64(0); a < appenders; a += 1 {
		if counts[a] != perAppender {
			t.Errorf("appender %d got %d entries want %d", a, counts[a], perAppender)
		}
	}
}
