package tell_test

import (
	"reflect"
	"testing"

	"github.com/leftmike/tellstore/tell"
)

func testSchema(t *testing.T) *tell.Schema {
	t.Helper()

	var schema tell.Schema
	for _, fld := range []struct {
		typ     tell.FieldType
		name    string
		notNull bool
	}{
		{tell.IntType, "number", true},
		{tell.TextType, "text1", true},
		{tell.BigIntType, "largenumber", true},
		{tell.TextType, "text2", false},
	} {
		err := schema.AddField(fld.typ, fld.name, fld.notNull)
		if err != nil {
			t.Fatalf("AddField(%s) failed with %s", fld.name, err)
		}
	}
	return &schema
}

func TestRecordLayout(t *testing.T) {
	rec := tell.NewRecord(testSchema(t))

	if rec.NumFields() != 4 {
		t.Errorf("NumFields() got %d want 4", rec.NumFields())
	}
	for _, name := range []string{"number", "largenumber", "text1", "text2"} {
		if _, ok := rec.IDOf(name); !ok {
			t.Errorf("IDOf(%s) not found", name)
		}
	}
	if _, ok := rec.IDOf("missing"); ok {
		t.Error("IDOf(missing) found")
	}

	// Fixed fields sort before variable fields.
	id, _ := rec.IDOf("largenumber")
	if rec.Field(id).Type != tell.BigIntType {
		t.Errorf("Field(largenumber) got %s want BIGINT", rec.Field(id).Type)
	}
	id, _ = rec.IDOf("text1")
	if rec.Field(id).Type != tell.TextType {
		t.Errorf("Field(text1) got %s want TEXT", rec.Field(id).Type)
	}
	if fixed, _ := rec.IDOf("largenumber"); fixed > id {
		t.Errorf("IDOf(largenumber) got %d want less than IDOf(text1) %d", fixed, id)
	}
}

func TestEncodeDecodeTuple(t *testing.T) {
	rec := tell.NewRecord(testSchema(t))

	cases := []tell.GenericTuple{
		{
			"number":      tell.Int64Value(1),
			"text1":       tell.StringValue("abc"),
			"largenumber": tell.Int64Value(0x7FFFFFFF00000001),
			"text2":       tell.StringValue("defghijkl"),
		},
		{
			"number":      tell.Int64Value(-12),
			"text1":       tell.StringValue(""),
			"largenumber": tell.Int64Value(-1),
		},
	}
	for i, tpl := range cases {
		buf, err := rec.EncodeTuple(tpl)
		if err != nil {
			t.Fatalf("EncodeTuple(%d) failed with %s", i, err)
		}
		size, err := rec.SizeOfTuple(tpl)
		if err != nil {
			t.Fatalf("SizeOfTuple(%d) failed with %s", i, err)
		}
		if uint32(len(buf)) != size {
			t.Errorf("SizeOfTuple(%d) got %d want %d", i, size, len(buf))
		}
		if size%8 != 0 {
			t.Errorf("SizeOfTuple(%d) got %d; not 8 byte aligned", i, size)
		}

		tpl2 := rec.DecodeTuple(buf)
		if !reflect.DeepEqual(tpl, tpl2) {
			t.Errorf("DecodeTuple(%d) got %v want %v", i, tpl2, tpl)
		}
	}
}

func TestEncodeTupleErrors(t *testing.T) {
	rec := tell.NewRecord(testSchema(t))

	cases := []tell.GenericTuple{
		// Missing not null field.
		{
			"number": tell.Int64Value(1),
			"text1":  tell.StringValue("abc"),
		},
		// Wrong type.
		{
			"number":      tell.StringValue("one"),
			"text1":       tell.StringValue("abc"),
			"largenumber": tell.Int64Value(2),
		},
		// INT out of range.
		{
			"number":      tell.Int64Value(1 << 40),
			"text1":       tell.StringValue("abc"),
			"largenumber": tell.Int64Value(2),
		},
	}
	for i, tpl := range cases {
		_, err := rec.EncodeTuple(tpl)
		if err == nil {
			t.Errorf("EncodeTuple(%d) did not fail", i)
		}
	}
}

func TestFieldValue(t *testing.T) {
	var schema tell.Schema
	schema.AddField(tell.FloatType, "ratio", true)
	schema.AddField(tell.DoubleType, "exact", true)
	schema.AddField(tell.BlobType, "payload", false)
	rec := tell.NewRecord(&schema)

	tpl := tell.GenericTuple{
		"ratio":   tell.Float64Value(0.5),
		"exact":   tell.Float64Value(2.25),
		"payload": tell.BytesValue{0x01, 0x02, 0x03},
	}
	buf, err := rec.EncodeTuple(tpl)
	if err != nil {
		t.Fatalf("EncodeTuple() failed with %s", err)
	}

	for name, want := range tpl {
		id, ok := rec.IDOf(name)
		if !ok {
			t.Fatalf("IDOf(%s) not found", name)
		}
		got := rec.FieldValue(buf, id)
		if !reflect.DeepEqual(got, want) {
			t.Errorf("FieldValue(%s) got %v want %v", name, got, want)
		}
	}
}
