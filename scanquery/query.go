// Package scanquery defines the scan predicate buffer and compiles queries
// into scan, projection, and aggregation kernels. In the full system the
// kernels are produced by a code generator; the storage core only consumes
// the function values, so compiled closures serve the same calling
// convention here.
package scanquery

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/leftmike/tellstore/tell"
)

type PredicateType uint8

const (
	Equal PredicateType = iota + 1
	NotEqual
	Less
	LessEqual
	Greater
	GreaterEqual
)

func (pt PredicateType) String() string {
	switch pt {
	case Equal:
		return "=="
	case NotEqual:
		return "!="
	case Less:
		return "<"
	case LessEqual:
		return "<="
	case Greater:
		return ">"
	case GreaterEqual:
		return ">="
	}
	return ""
}

type Predicate struct {
	Type  PredicateType
	Value tell.Value
}

// Conjunct is the OR of one or more predicates on a single field; different
// conjuncts of a query are AND'd.
type Conjunct struct {
	Field      tell.FieldID
	Predicates []Predicate
}

type AggType uint8

const (
	AggSum AggType = iota + 1
	AggMin
	AggMax
	AggCount
)

type Aggregation struct {
	Field tell.FieldID
	Type  AggType
}

// Query is a parsed scan request: conjunctive predicates plus either a
// projection (nil = every field) or aggregations.
type Query struct {
	Conjuncts    []Conjunct
	Projection   []tell.FieldID
	Aggregations []Aggregation
}

func align(off, alignment int) int {
	return (off + alignment - 1) &^ (alignment - 1)
}

// Serialize encodes the conjuncts in the wire format: little-endian, 8 byte
// aligned; u64 numConjuncts, then per conjunct {u16 fieldId,
// u16 numPredicates, align8, [u8 predicateType, u8 pad, align4, value]*}
// with every predicate padded out to 8 bytes.
func (q *Query) Serialize(rec *tell.Record) ([]byte, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(len(q.Conjuncts)))

	for _, cnj := range q.Conjuncts {
		if int(cnj.Field) >= rec.NumFields() {
			return nil, fmt.Errorf("scanquery: field %d out of range: %w", cnj.Field,
				tell.ErrInvalidArgument)
		}
		fld := rec.Field(cnj.Field)

		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint16(hdr, uint16(cnj.Field))
		binary.LittleEndian.PutUint16(hdr[2:], uint16(len(cnj.Predicates)))
		buf = append(buf, hdr...)

		for _, prd := range cnj.Predicates {
			buf = append(buf, byte(prd.Type), 0, 0, 0)
			var err error
			buf, err = appendPredicateValue(buf, fld, prd.Value)
			if err != nil {
				return nil, err
			}
			for len(buf)%8 != 0 {
				buf = append(buf, 0)
			}
		}
	}
	return buf, nil
}

func appendPredicateValue(buf []byte, fld tell.Field, val tell.Value) ([]byte, error) {
	switch fld.Type {
	case tell.IntType, tell.FloatType:
		i, f, err := numericValue(fld, val)
		if err != nil {
			return nil, err
		}
		var u uint32
		if fld.Type == tell.IntType {
			u = uint32(int32(i))
		} else {
			u = math.Float32bits(float32(f))
		}
		buf = binary.LittleEndian.AppendUint32(buf, u)
	case tell.BigIntType, tell.DoubleType:
		i, f, err := numericValue(fld, val)
		if err != nil {
			return nil, err
		}
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
		var u uint64
		if fld.Type == tell.BigIntType {
			u = uint64(i)
		} else {
			u = math.Float64bits(f)
		}
		buf = binary.LittleEndian.AppendUint64(buf, u)
	case tell.TextType, tell.BlobType:
		var b []byte
		switch val := val.(type) {
		case tell.StringValue:
			b = []byte(val)
		case tell.BytesValue:
			b = val
		default:
			return nil, fmt.Errorf("scanquery: field %s: bad predicate value %s: %w",
				fld.Name, tell.Format(val), tell.ErrInvalidArgument)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
		buf = append(buf, b...)
	}
	return buf, nil
}

func numericValue(fld tell.Field, val tell.Value) (int64, float64, error) {
	switch val := val.(type) {
	case tell.Int64Value:
		return int64(val), float64(val), nil
	case tell.Float64Value:
		return int64(val), float64(val), nil
	}
	return 0, 0, fmt.Errorf("scanquery: field %s: bad predicate value %s: %w",
		fld.Name, tell.Format(val), tell.ErrInvalidArgument)
}

// Parse decodes a predicate buffer produced by Serialize (or by a remote
// client speaking the same format).
func Parse(rec *tell.Record, buf []byte) (*Query, error) {
	if len(buf) < 8 || len(buf)%8 != 0 {
		return nil, fmt.Errorf("scanquery: malformed query buffer: %w",
			tell.ErrInvalidArgument)
	}
	numConjuncts := binary.LittleEndian.Uint64(buf)
	off := 8

	var q Query
	for c := uint64(0); c < numConjuncts; c += 1 {
		if off+8 > len(buf) {
			return nil, fmt.Errorf("scanquery: truncated query buffer: %w",
				tell.ErrInvalidArgument)
		}
		fieldID := tell.FieldID(binary.LittleEndian.Uint16(buf[off:]))
		numPredicates := int(binary.LittleEndian.Uint16(buf[off+2:]))
		off = align(off+8, 8)

		if int(fieldID) >= rec.NumFields() {
			return nil, fmt.Errorf("scanquery: field %d out of range: %w", fieldID,
				tell.ErrInvalidArgument)
		}
		fld := rec.Field(fieldID)

		cnj := Conjunct{Field: fieldID}
		for p := 0; p < numPredicates; p += 1 {
			if off+4 > len(buf) {
				return nil, fmt.Errorf("scanquery: truncated query buffer: %w",
					tell.ErrInvalidArgument)
			}
			pt := PredicateType(buf[off])
			if pt < Equal || pt > GreaterEqual {
				return nil, fmt.Errorf("scanquery: bad predicate type %d: %w", pt,
					tell.ErrInvalidArgument)
			}
			off += 4

			var val tell.Value
			switch fld.Type {
			case tell.IntType:
				val = tell.Int64Value(int32(binary.LittleEndian.Uint32(buf[off:])))
				off += 4
			case tell.FloatType:
				val = tell.Float64Value(math.Float32frombits(
					binary.LittleEndian.Uint32(buf[off:])))
				off += 4
			case tell.BigIntType:
				off = align(off, 8)
				val = tell.Int64Value(binary.LittleEndian.Uint64(buf[off:]))
				off += 8
			case tell.DoubleType:
				off = align(off, 8)
				val = tell.Float64Value(math.Float64frombits(
					binary.LittleEndian.Uint64(buf[off:])))
				off += 8
			case tell.TextType, tell.BlobType:
				cnt := int(binary.LittleEndian.Uint32(buf[off:]))
				off += 4
				if off+cnt > len(buf) {
					return nil, fmt.Errorf("scanquery: truncated query buffer: %w",
						tell.ErrInvalidArgument)
				}
				b := buf[off : off+cnt]
				if fld.Type == tell.BlobType {
					val = tell.BytesValue(b)
				} else {
					val = tell.StringValue(b)
				}
				off += cnt
			}
			off = align(off, 8)

			cnj.Predicates = append(cnj.Predicates, Predicate{Type: pt, Value: val})
		}
		q.Conjuncts = append(q.Conjuncts, cnj)
	}
	return &q, nil
}
