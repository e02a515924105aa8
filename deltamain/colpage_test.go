package deltamain

import (
	"testing"

	"github.com/leftmike/tellstore/pagemanager"
	"github.com/leftmike/tellstore/tell"
)

func TestColumnPageRoundTrip(t *testing.T) {
	ctx := testContext(t)

	cb := newColumnBuilder(ctx)
	for key := tell.Key(0); key < 10; key += 1 {
		versions := []VersionData{
			{Version: 20 + uint64(key), Tuple: encodeTuple(t, ctx, key+100)},
			{Version: 10 + uint64(key), Tuple: encodeTuple(t, ctx, key)},
		}
		if rows, heap := cb.recordRows(versions); !cb.fits(rows, heap) {
			t.Fatal("fits() failed for a near-empty page")
		}
		cb.add(key, versions)
	}

	page, err := pagemanager.NewPageManager(4).Alloc()
	if err != nil {
		t.Fatal(err)
	}
	cb.write(page)
	cp := parseColumnPage(ctx, page)

	// Parallel header arrays all share the record count.
	if cp.count != 20 {
		t.Fatalf("count got %d want 20", cp.count)
	}
	for _, n := range []int{len(cp.keys), len(cp.validFrom), len(cp.validTo),
		len(cp.newestPtr)} {
		if n != cp.count {
			t.Fatalf("header array length got %d want %d", n, cp.count)
		}
	}

	id, _ := ctx.rec.IDOf("number")
	for key := tell.Key(0); key < 10; key += 1 {
		start := int(key) * 2
		if cp.keys[start] != uint64(key) || cp.keys[start+1] != uint64(key) {
			t.Fatalf("keys[%d] got %d want %d", start, cp.keys[start], key)
		}
		if cp.recordEnd(start) != start+2 {
			t.Errorf("recordEnd(%d) got %d want %d", start, cp.recordEnd(start),
				start+2)
		}
		// Rows are descending validFrom; the newer row is live.
		if cp.validFrom[start] != 20+uint64(key) || cp.validTo[start] != maxVisible {
			t.Errorf("row %d validity got (%d, %d)", start, cp.validFrom[start],
				cp.validTo[start])
		}
		if cp.validTo[start+1] != cp.validFrom[start] {
			t.Errorf("row %d validTo got %d want %d", start+1, cp.validTo[start+1],
				cp.validFrom[start])
		}

		want := tell.Int64Value(int64((key + 100) % 8))
		if got := columnFieldValue(cp, id, start); got != want {
			t.Errorf("number[%d] got %s want %s", start, got, want)
		}

		// Materialize recovers a decodable row tuple.
		tuple := cp.Materialize(start + 1)
		if got := ctx.rec.FieldValue(tuple, id); got != tell.Int64Value(int64(key%8)) {
			t.Errorf("Materialize(%d) number got %s", start+1, got)
		}
	}
}

func TestColumnPageNeedsCleaning(t *testing.T) {
	ctx := testContext(t)
	tuple := encodeTuple(t, ctx, 1)

	cb := newColumnBuilder(ctx)
	// Key 1: four versions deep; key 2: deleted at 60 and re-inserted at 100.
	cb.add(1, []VersionData{
		{Version: 100, Tuple: tuple},
		{Version: 90, Tuple: tuple},
		{Version: 60, Tuple: tuple},
		{Version: 40, Tuple: tuple},
	})
	cb.add(2, []VersionData{
		{Version: 100, Tuple: tuple},
		{Version: 60, Deleted: true},
		{Version: 40, Tuple: tuple},
	})
	page, err := pagemanager.NewPageManager(4).Alloc()
	if err != nil {
		t.Fatal(err)
	}
	cb.write(page)
	cp := parseColumnPage(ctx, page)

	// The cutoff keeper for lowestActive=65 is version 60, so version 40 is
	// obsolete even though it sits deep in the record.
	if !cp.needsCleaning(0, 65, nil) {
		t.Error("needsCleaning(65) false; version 40 is reclaimable")
	}
	if cp.needsCleaning(0, 35, nil) {
		t.Error("needsCleaning(35) true; every version is above the cutoff")
	}

	// The delete recovered from the validTo gap is the cutoff keeper for the
	// second record.
	start := cp.recordEnd(0)
	if !cp.needsCleaning(start, 65, nil) {
		t.Error("needsCleaning(65) false; the row below the delete is reclaimable")
	}
	if cp.needsCleaning(start, 35, nil) {
		t.Error("needsCleaning(35) true; every version is above the cutoff")
	}
}
