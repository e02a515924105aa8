package scanquery_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leftmike/tellstore/scanquery"
	"github.com/leftmike/tellstore/tell"
)

func testRecord(t *testing.T) *tell.Record {
	t.Helper()

	var schema tell.Schema
	require.NoError(t, schema.AddField(tell.IntType, "number", true))
	require.NoError(t, schema.AddField(tell.TextType, "text1", true))
	require.NoError(t, schema.AddField(tell.BigIntType, "largenumber", true))
	require.NoError(t, schema.AddField(tell.TextType, "text2", true))
	return tell.NewRecord(&schema)
}

func fieldID(t *testing.T, rec *tell.Record, name string) tell.FieldID {
	t.Helper()

	id, ok := rec.IDOf(name)
	require.True(t, ok, "field %s", name)
	return id
}

func TestSerializeParse(t *testing.T) {
	rec := testRecord(t)

	q := scanquery.Query{
		Conjuncts: []scanquery.Conjunct{
			{
				Field: fieldID(t, rec, "number"),
				Predicates: []scanquery.Predicate{
					{Type: scanquery.GreaterEqual, Value: tell.Int64Value(4)},
					{Type: scanquery.Equal, Value: tell.Int64Value(0)},
				},
			},
			{
				Field: fieldID(t, rec, "largenumber"),
				Predicates: []scanquery.Predicate{
					{Type: scanquery.Less, Value: tell.Int64Value(1 << 40)},
				},
			},
			{
				Field: fieldID(t, rec, "text1"),
				Predicates: []scanquery.Predicate{
					{Type: scanquery.NotEqual, Value: tell.StringValue("bacon")},
				},
			},
		},
	}

	buf, err := q.Serialize(rec)
	require.NoError(t, err)
	assert.Zero(t, len(buf)%8, "buffer must be 8 byte aligned")

	q2, err := scanquery.Parse(rec, buf)
	require.NoError(t, err)
	assert.Equal(t, q.Conjuncts, q2.Conjuncts)
}

func TestParseErrors(t *testing.T) {
	rec := testRecord(t)

	cases := [][]byte{
		nil,
		{1, 2, 3},
		// numConjuncts = 1 but no conjunct follows.
		{1, 0, 0, 0, 0, 0, 0, 0},
		// field id out of range.
		{1, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0, 0, 0, 0, 0, 0, 0},
	}
	for i, buf := range cases {
		_, err := scanquery.Parse(rec, buf)
		assert.Errorf(t, err, "Parse(%d)", i)
		if err != nil {
			assert.ErrorIs(t, err, tell.ErrInvalidArgument)
		}
	}
}

func TestRowScan(t *testing.T) {
	rec := testRecord(t)

	scan, err := scanquery.CompileRowScan(rec, &scanquery.Query{
		Conjuncts: []scanquery.Conjunct{
			{
				Field: fieldID(t, rec, "number"),
				Predicates: []scanquery.Predicate{
					{Type: scanquery.GreaterEqual, Value: tell.Int64Value(4)},
				},
			},
			{
				Field: fieldID(t, rec, "text1"),
				Predicates: []scanquery.Predicate{
					{Type: scanquery.Equal, Value: tell.StringValue("yes")},
					{Type: scanquery.Equal, Value: tell.StringValue("maybe")},
				},
			},
		},
	})
	require.NoError(t, err)

	cases := []struct {
		number int64
		text1  string
		want   bool
	}{
		{4, "yes", true},
		{8, "maybe", true},
		{3, "yes", false},
		{4, "no", false},
	}
	for i, c := range cases {
		tuple, err := rec.EncodeTuple(tell.GenericTuple{
			"number":      tell.Int64Value(c.number),
			"text1":       tell.StringValue(c.text1),
			"largenumber": tell.Int64Value(1),
			"text2":       tell.StringValue(""),
		})
		require.NoError(t, err)
		assert.Equalf(t, c.want, scan(tuple), "case %d", i)
	}
}

func TestAggState(t *testing.T) {
	rec := testRecord(t)

	states, err := scanquery.NewAggStates(rec, []scanquery.Aggregation{
		{Field: fieldID(t, rec, "largenumber"), Type: scanquery.AggSum},
		{Field: fieldID(t, rec, "number"), Type: scanquery.AggMin},
		{Field: fieldID(t, rec, "number"), Type: scanquery.AggMax},
		{Field: fieldID(t, rec, "number"), Type: scanquery.AggCount},
	})
	require.NoError(t, err)

	other, err := scanquery.NewAggStates(rec, []scanquery.Aggregation{
		{Field: fieldID(t, rec, "largenumber"), Type: scanquery.AggSum},
		{Field: fieldID(t, rec, "number"), Type: scanquery.AggMin},
		{Field: fieldID(t, rec, "number"), Type: scanquery.AggMax},
		{Field: fieldID(t, rec, "number"), Type: scanquery.AggCount},
	})
	require.NoError(t, err)

	for i := int64(0); i < 10; i += 1 {
		st := states
		if i%2 == 1 {
			st = other
		}
		st[0].Update(tell.Int64Value(100))
		st[1].Update(tell.Int64Value(i))
		st[2].Update(tell.Int64Value(i))
		st[3].Update(tell.Int64Value(i))
	}
	for i := range states {
		states[i].Merge(other[i])
	}

	assert.Equal(t, tell.Int64Value(1000), states[0].Value())
	assert.Equal(t, tell.Int64Value(0), states[1].Value())
	assert.Equal(t, tell.Int64Value(9), states[2].Value())
	assert.Equal(t, tell.Int64Value(10), states[3].Value())
}

func TestAggStateErrors(t *testing.T) {
	rec := testRecord(t)

	_, err := scanquery.NewAggStates(rec, []scanquery.Aggregation{
		{Field: fieldID(t, rec, "text1"), Type: scanquery.AggSum},
	})
	assert.ErrorIs(t, err, tell.ErrInvalidArgument)
}
