package testutil

import (
	"fmt"
	"sort"

	"github.com/leftmike/tellstore/tell"
)

// The canonical benchmark workload: schema and tuple constants shared by the
// tests and the repl's seed command.

const TupleLargenumber = int64(0x7FFFFFFF00000001)

const TupleText1 = "Bacon ipsum dolor amet t-bone chicken prosciutto, cupim ribeye " +
	"turkey bresaola leberkas bacon. Hamburger biltong bresaola, drumstick t-bone " +
	"flank ball tip."

const TupleText2 = "Chuck pork loin ham hock tri-tip pork ball tip drumstick tongue. " +
	"Jowl swine short loin, leberkas andouille pancetta strip steak doner ham " +
	"bresaola. T-bone pastrami rump beef ribs, bacon frankfurter meatball biltong " +
	"bresaola short ribs."

// TestSchema is {number INT, text1 TEXT, largenumber BIGINT, text2 TEXT}.
func TestSchema() (*tell.Schema, error) {
	var schema tell.Schema
	for _, fld := range []struct {
		typ  tell.FieldType
		name string
	}{
		{tell.IntType, "number"},
		{tell.TextType, "text1"},
		{tell.BigIntType, "largenumber"},
		{tell.TextType, "text2"},
	} {
		if err := schema.AddField(fld.typ, fld.name, true); err != nil {
			return nil, fmt.Errorf("testutil: %w", err)
		}
	}
	return &schema, nil
}

// TestTuple builds the workload tuple for one key: number cycles mod 8.
func TestTuple(key tell.Key) tell.GenericTuple {
	return tell.GenericTuple{
		"number":      tell.Int64Value(int64(key % 8)),
		"text1":       tell.StringValue(TupleText1),
		"largenumber": tell.Int64Value(TupleLargenumber),
		"text2":       tell.StringValue(TupleText2),
	}
}

// SortRows orders scan results by their first column so tests can compare
// against a deterministic expectation.
func SortRows(rows [][]tell.Value) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i][0] == nil || rows[j][0] == nil {
			return rows[j][0] != nil
		}
		cmp, err := rows[i][0].Compare(rows[j][0])
		if err != nil {
			return false
		}
		return cmp < 0
	})
}
