package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/leftmike/tellstore/deltamain"
	"github.com/leftmike/tellstore/scanquery"
	"github.com/leftmike/tellstore/storage"
	"github.com/leftmike/tellstore/tell"
	"github.com/leftmike/tellstore/testutil"
)

func testStorage(t *testing.T, layout deltamain.Layout) *storage.Storage {
	t.Helper()

	testutil.SetupLogger()
	st := storage.NewStorage(storage.Config{
		PageCount:      256,
		GCInterval:     0,
		ScanProcessors: 4,
		Layout:         layout,
	})
	t.Cleanup(st.Close)

	schema, err := testutil.TestSchema()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateTable("testTable", schema, layout); err != nil {
		t.Fatalf("CreateTable() failed with %s", err)
	}
	return st
}

func seed(t *testing.T, st *storage.Storage, count int) {
	t.Helper()

	tx := st.Begin()
	defer tx.Close()
	for key := tell.Key(0); key < tell.Key(count); key += 1 {
		err := tx.Insert("testTable", key, testutil.TestTuple(key), true)
		if err != nil {
			t.Fatalf("Insert(%d) failed with %s", key, err)
		}
	}
}

func numberQuery(t *testing.T, st *storage.Storage, min int64) *scanquery.Query {
	t.Helper()

	tbl, err := st.Table("testTable")
	if err != nil {
		t.Fatal(err)
	}
	id, ok := tbl.Record().IDOf("number")
	if !ok {
		t.Fatal("IDOf(number) not found")
	}
	return &scanquery.Query{
		Conjuncts: []scanquery.Conjunct{{
			Field: id,
			Predicates: []scanquery.Predicate{{
				Type:  scanquery.GreaterEqual,
				Value: tell.Int64Value(min),
			}},
		}},
	}
}

func TestScanCounts(t *testing.T) {
	for _, layout := range []deltamain.Layout{deltamain.RowLayout,
		deltamain.ColumnLayout} {

		t.Run(layout.String(), func(t *testing.T) {
			st := testStorage(t, layout)
			seed(t, st, 1000)
			st.RunGC()

			tx := st.Begin()
			defer tx.Close()

			for _, c := range []struct {
				min  int64
				want int
			}{
				{min: 0, want: 1000},
				{min: 4, want: 500},
				{min: 6, want: 250},
			} {
				rows, err := tx.Scan(context.Background(), "testTable",
					numberQuery(t, st, c.min))
				if err != nil {
					t.Fatalf("Scan(number >= %d) failed with %s", c.min, err)
				}
				if len(rows) != c.want {
					t.Errorf("Scan(number >= %d) got %d rows want %d",
						c.min, len(rows), c.want)
				}
			}
		})
	}
}

func TestScanAggregation(t *testing.T) {
	for _, layout := range []deltamain.Layout{deltamain.RowLayout,
		deltamain.ColumnLayout} {

		t.Run(layout.String(), func(t *testing.T) {
			st := testStorage(t, layout)
			seed(t, st, 1000)
			st.RunGC()

			tbl, err := st.Table("testTable")
			if err != nil {
				t.Fatal(err)
			}
			id, _ := tbl.Record().IDOf("largenumber")

			query := numberQuery(t, st, 0)
			query.Aggregations = []scanquery.Aggregation{
				{Field: id, Type: scanquery.AggSum},
			}

			tx := st.Begin()
			defer tx.Close()
			rows, err := tx.Scan(context.Background(), "testTable", query)
			if err != nil {
				t.Fatalf("Scan(sum) failed with %s", err)
			}
			if len(rows) != 1 || len(rows[0]) != 1 {
				t.Fatalf("Scan(sum) got %d rows", len(rows))
			}
			count := int64(1000)
			want := tell.Int64Value(count * testutil.TupleLargenumber)
			if rows[0][0] != want {
				t.Errorf("sum(largenumber) got %s want %s", rows[0][0], want)
			}
		})
	}
}

func TestSnapshotIsolation(t *testing.T) {
	st := testStorage(t, deltamain.RowLayout)

	// Insert "a", then update to "b"; an old snapshot keeps reading "a".
	tx := st.Begin()
	err := tx.Insert("testTable", 1, tell.GenericTuple{
		"number":      tell.Int64Value(0),
		"text1":       tell.StringValue("a"),
		"largenumber": tell.Int64Value(1),
		"text2":       tell.StringValue(""),
	}, true)
	if err != nil {
		t.Fatalf("Insert() failed with %s", err)
	}
	tx.Commit()

	old := st.Begin()
	defer old.Close()

	tx = st.Begin()
	err = tx.Update("testTable", 1, tell.GenericTuple{
		"number":      tell.Int64Value(0),
		"text1":       tell.StringValue("b"),
		"largenumber": tell.Int64Value(1),
		"text2":       tell.StringValue(""),
	})
	if err != nil {
		t.Fatalf("Update() failed with %s", err)
	}
	tx.Commit()

	tuple, _, _, err := old.Get("testTable", 1)
	if err != nil {
		t.Fatalf("Get() failed with %s", err)
	}
	if tuple["text1"] != tell.StringValue("a") {
		t.Errorf(`old snapshot got text1 %s want "a"`, tuple["text1"])
	}

	fresh := st.Begin()
	defer fresh.Close()
	tuple, _, _, err = fresh.Get("testTable", 1)
	if err != nil {
		t.Fatalf("Get() failed with %s", err)
	}
	if tuple["text1"] != tell.StringValue("b") {
		t.Errorf(`fresh snapshot got text1 %s want "b"`, tuple["text1"])
	}
}

func TestWriteWriteConflict(t *testing.T) {
	st := testStorage(t, deltamain.RowLayout)
	seed(t, st, 100)

	t1 := st.Begin()
	t2 := st.Begin()
	defer t2.Close()

	err := t1.Update("testTable", 42, testutil.TestTuple(1))
	if err != nil {
		t.Fatalf("Update(t1) failed with %s", err)
	}
	err = t2.Update("testTable", 42, testutil.TestTuple(2))
	if !errors.Is(err, tell.ErrWriteConflict) {
		t.Errorf("Update(t2) got %v want ErrWriteConflict", err)
	}
	t1.Commit()
	t2.Abort()
}

func TestScanBuffer(t *testing.T) {
	st := testStorage(t, deltamain.RowLayout)
	seed(t, st, 64)

	tbl, err := st.Table("testTable")
	if err != nil {
		t.Fatal(err)
	}
	buf, err := numberQuery(t, st, 4).Serialize(tbl.Record())
	if err != nil {
		t.Fatalf("Serialize() failed with %s", err)
	}

	tx := st.Begin()
	defer tx.Close()
	rows, err := tx.ScanBuffer(context.Background(), "testTable", buf, nil, nil)
	if err != nil {
		t.Fatalf("ScanBuffer() failed with %s", err)
	}
	if len(rows) != 32 {
		t.Errorf("ScanBuffer() got %d rows want 32", len(rows))
	}

	// A malformed buffer is rejected.
	_, err = tx.ScanBuffer(context.Background(), "testTable", buf[:5], nil, nil)
	if !errors.Is(err, tell.ErrInvalidArgument) {
		t.Errorf("ScanBuffer(malformed) got %v want ErrInvalidArgument", err)
	}

	// An unknown table is rejected.
	_, err = tx.ScanBuffer(context.Background(), "missing", buf, nil, nil)
	if !errors.Is(err, tell.ErrInvalidArgument) {
		t.Errorf("ScanBuffer(missing) got %v want ErrInvalidArgument", err)
	}
}

func TestProjection(t *testing.T) {
	st := testStorage(t, deltamain.ColumnLayout)
	seed(t, st, 16)
	st.RunGC()

	tbl, err := st.Table("testTable")
	if err != nil {
		t.Fatal(err)
	}
	number, _ := tbl.Record().IDOf("number")
	largenumber, _ := tbl.Record().IDOf("largenumber")

	query := numberQuery(t, st, 0)
	query.Projection = []tell.FieldID{number, largenumber}

	tx := st.Begin()
	defer tx.Close()
	rows, err := tx.Scan(context.Background(), "testTable", query)
	if err != nil {
		t.Fatalf("Scan() failed with %s", err)
	}
	if len(rows) != 16 {
		t.Fatalf("Scan() got %d rows want 16", len(rows))
	}
	for _, row := range rows {
		if len(row) != 2 {
			t.Fatalf("projected row has %d columns want 2", len(row))
		}
		if row[1] != tell.Int64Value(testutil.TupleLargenumber) {
			t.Errorf("largenumber got %s", row[1])
		}
	}
}

func TestImplicitCommit(t *testing.T) {
	st := testStorage(t, deltamain.RowLayout)

	lowest := st.LowestActiveVersion()
	func() {
		tx := st.Begin()
		defer tx.Close()
		err := tx.Insert("testTable", 1, testutil.TestTuple(1), true)
		if err != nil {
			t.Fatalf("Insert() failed with %s", err)
		}
	}()

	// The dropped transaction committed: its version no longer pins the
	// lowest active version and its write is visible.
	if st.LowestActiveVersion() <= lowest {
		t.Error("implicit commit did not release the transaction")
	}
	tx := st.Begin()
	defer tx.Close()
	if _, _, _, err := tx.Get("testTable", 1); err != nil {
		t.Errorf("Get() after implicit commit failed with %s", err)
	}
}
