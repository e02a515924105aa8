package tell

import (
	"fmt"
)

// Key identifies a tuple within a table.
type Key uint64

type FieldID uint16

type FieldType int

const (
	IntType FieldType = iota + 1
	BigIntType
	FloatType
	DoubleType
	TextType
	BlobType
)

func (ft FieldType) String() string {
	switch ft {
	case IntType:
		return "INT"
	case BigIntType:
		return "BIGINT"
	case FloatType:
		return "FLOAT"
	case DoubleType:
		return "DOUBLE"
	case TextType:
		return "TEXT"
	case BlobType:
		return "BLOB"
	}
	return ""
}

// Fixed is true for field types stored at a static offset in the tuple.
func (ft FieldType) Fixed() bool {
	switch ft {
	case IntType, BigIntType, FloatType, DoubleType:
		return true
	}
	return false
}

// Size is the in-tuple size of a fixed field type; it panics for
// variable-size types.
func (ft FieldType) Size() uint32 {
	switch ft {
	case IntType, FloatType:
		return 4
	case BigIntType, DoubleType:
		return 8
	}
	panic(fmt.Sprintf("tell: field type %s has no fixed size", ft))
}

type Field struct {
	Name    string
	Type    FieldType
	NotNull bool
}

// Schema is an ordered list of fields in declaration order. The Record
// derived from it lays out fixed-size fields before variable-size ones.
type Schema struct {
	fields []Field
}

func (s *Schema) AddField(ft FieldType, name string, notNull bool) error {
	for _, fld := range s.fields {
		if fld.Name == name {
			return fmt.Errorf("tell: duplicate field %s: %w", name, ErrSchemaMismatch)
		}
	}
	s.fields = append(s.fields, Field{Name: name, Type: ft, NotNull: notNull})
	return nil
}

func (s *Schema) NumFields() int {
	return len(s.fields)
}

func (s *Schema) Fields() []Field {
	return s.fields
}

// GenericTuple maps field names to values; a missing name or a nil value is a
// NULL.
type GenericTuple map[string]Value
