package tell

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Record is the descriptor derived from a schema: it knows the physical tuple
// layout and converts between GenericTuple and tuple bytes.
//
// Tuple layout, little-endian:
//
//	---------------------------------------------------------------------
//	| null bitmap | fixed fields ... | (heapOff u32, len u32) ... | heap |
//	---------------------------------------------------------------------
//
// The bitmap covers all fields (one bit each, field-id order) and is padded to
// 8 bytes. Fixed fields follow at offsets aligned to their size; variable
// fields get an (offset, length) pair each, with offset relative to the start
// of the tuple. Fields are ordered fixed-size first, then variable-size,
// keeping the declaration order within each group.
type Record struct {
	fields       []Field
	ids          map[string]FieldID
	fixedOffsets []uint32
	numFixed     int
	bitmapSize   uint32
	headerSize   uint32 // bitmap + fixed fields + var headers
}

func align(off, alignment uint32) uint32 {
	return (off + alignment - 1) &^ (alignment - 1)
}

func NewRecord(schema *Schema) *Record {
	rec := Record{
		ids: map[string]FieldID{},
	}
	for _, fld := range schema.Fields() {
		if fld.Type.Fixed() {
			rec.fields = append(rec.fields, fld)
		}
	}
	rec.numFixed = len(rec.fields)
	for _, fld := range schema.Fields() {
		if !fld.Type.Fixed() {
			rec.fields = append(rec.fields, fld)
		}
	}
	for id, fld := range rec.fields {
		rec.ids[fld.Name] = FieldID(id)
	}

	rec.bitmapSize = align(uint32(len(rec.fields)+7)/8, 8)
	off := rec.bitmapSize
	rec.fixedOffsets = make([]uint32, rec.numFixed)
	for id := 0; id < rec.numFixed; id += 1 {
		sz := rec.fields[id].Type.Size()
		off = align(off, sz)
		rec.fixedOffsets[id] = off
		off += sz
	}
	off = align(off, 8)
	rec.headerSize = off + uint32(len(rec.fields)-rec.numFixed)*8
	return &rec
}

func (rec *Record) NumFields() int {
	return len(rec.fields)
}

func (rec *Record) Field(id FieldID) Field {
	return rec.fields[id]
}

func (rec *Record) IDOf(name string) (FieldID, bool) {
	id, ok := rec.ids[name]
	return id, ok
}

func (rec *Record) value(tpl GenericTuple, fld Field) (Value, error) {
	val, ok := tpl[fld.Name]
	if !ok || val == nil {
		if fld.NotNull {
			return nil, fmt.Errorf("tell: field %s must not be null: %w", fld.Name,
				ErrSchemaMismatch)
		}
		return nil, nil
	}

	switch fld.Type {
	case IntType, BigIntType:
		i, ok := val.(Int64Value)
		if !ok {
			return nil, fmt.Errorf("tell: field %s: want %s got %s: %w", fld.Name, fld.Type,
				val, ErrSchemaMismatch)
		}
		if fld.Type == IntType && (int64(i) > math.MaxInt32 || int64(i) < math.MinInt32) {
			return nil, fmt.Errorf("tell: field %s: %s out of range: %w", fld.Name, val,
				ErrSchemaMismatch)
		}
		return i, nil
	case FloatType, DoubleType:
		if f, ok := val.(Float64Value); ok {
			return f, nil
		}
		if i, ok := val.(Int64Value); ok {
			return Float64Value(i), nil
		}
		return nil, fmt.Errorf("tell: field %s: want %s got %s: %w", fld.Name, fld.Type,
			val, ErrSchemaMismatch)
	case TextType:
		if s, ok := val.(StringValue); ok {
			return s, nil
		}
		return nil, fmt.Errorf("tell: field %s: want %s got %s: %w", fld.Name, fld.Type,
			val, ErrSchemaMismatch)
	case BlobType:
		if b, ok := val.(BytesValue); ok {
			return b, nil
		}
		if s, ok := val.(StringValue); ok {
			return BytesValue(s), nil
		}
		return nil, fmt.Errorf("tell: field %s: want %s got %s: %w", fld.Name, fld.Type,
			val, ErrSchemaMismatch)
	}
	panic(fmt.Sprintf("tell: unexpected field type: %d", fld.Type))
}

// SizeOfTuple is the number of bytes EncodeTuple will produce for tpl.
func (rec *Record) SizeOfTuple(tpl GenericTuple) (uint32, error) {
	size := rec.headerSize
	for id := rec.numFixed; id < len(rec.fields); id += 1 {
		val, err := rec.value(tpl, rec.fields[id])
		if err != nil {
			return 0, err
		}
		switch val := val.(type) {
		case StringValue:
			size += uint32(len(val))
		case BytesValue:
			size += uint32(len(val))
		}
	}
	return align(size, 8), nil
}

func (rec *Record) EncodeTuple(tpl GenericTuple) ([]byte, error) {
	size, err := rec.SizeOfTuple(tpl)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, size)

	heap := rec.headerSize
	for id, fld := range rec.fields {
		val, err := rec.value(tpl, fld)
		if err != nil {
			return nil, err
		}
		if val == nil {
			buf[id/8] |= 1 << (id % 8)
			continue
		}

		if id < rec.numFixed {
			off := rec.fixedOffsets[id]
			switch fld.Type {
			case IntType:
				binary.LittleEndian.PutUint32(buf[off:], uint32(int32(val.(Int64Value))))
			case BigIntType:
				binary.LittleEndian.PutUint64(buf[off:], uint64(val.(Int64Value)))
			case FloatType:
				binary.LittleEndian.PutUint32(buf[off:],
					math.Float32bits(float32(val.(Float64Value))))
			case DoubleType:
				binary.LittleEndian.PutUint64(buf[off:],
					math.Float64bits(float64(val.(Float64Value))))
			}
		} else {
			var b []byte
			switch val := val.(type) {
			case StringValue:
				b = []byte(val)
			case BytesValue:
				b = val
			}
			hoff := rec.varHeaderOffset(id)
			binary.LittleEndian.PutUint32(buf[hoff:], heap)
			binary.LittleEndian.PutUint32(buf[hoff+4:], uint32(len(b)))
			copy(buf[heap:], b)
			heap += uint32(len(b))
		}
	}
	return buf, nil
}

func (rec *Record) varHeaderOffset(id int) uint32 {
	return rec.headerSize - uint32(len(rec.fields)-rec.numFixed)*8 +
		uint32(id-rec.numFixed)*8
}

// FieldValue decodes the value of one field from tuple bytes; NULL decodes to
// a nil Value.
func (rec *Record) FieldValue(data []byte, id FieldID) Value {
	if data[id/8]&(1<<(id%8)) != 0 {
		return nil
	}
	fld := rec.fields[id]
	if int(id) < rec.numFixed {
		off := rec.fixedOffsets[id]
		switch fld.Type {
		case IntType:
			return Int64Value(int32(binary.LittleEndian.Uint32(data[off:])))
		case BigIntType:
			return Int64Value(binary.LittleEndian.Uint64(data[off:]))
		case FloatType:
			return Float64Value(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
		case DoubleType:
			return Float64Value(math.Float64frombits(binary.LittleEndian.Uint64(data[off:])))
		}
	}

	hoff := rec.varHeaderOffset(int(id))
	off := binary.LittleEndian.Uint32(data[hoff:])
	cnt := binary.LittleEndian.Uint32(data[hoff+4:])
	b := data[off : off+cnt]
	if fld.Type == BlobType {
		return BytesValue(b)
	}
	return StringValue(b)
}

func (rec *Record) DecodeTuple(data []byte) GenericTuple {
	tpl := GenericTuple{}
	for id := range rec.fields {
		val := rec.FieldValue(data, FieldID(id))
		if val != nil {
			tpl[rec.fields[id].Name] = val
		}
	}
	return tpl
}
