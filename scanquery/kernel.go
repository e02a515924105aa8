package scanquery

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/leftmike/tellstore/commitmanager"
	"github.com/leftmike/tellstore/tell"
)

// ColumnView is the calling convention between the column-major main pages
// and the compiled column kernels: parallel header arrays plus per-attribute
// column access. All arrays have length NumRecords.
type ColumnView interface {
	NumRecords() int
	Keys() []uint64
	ValidFrom() []uint64
	ValidTo() []uint64

	// FixedColumn returns the packed little-endian array for a fixed-size
	// field; the element size is the field type's size.
	FixedColumn(id tell.FieldID) []byte

	// VarValue returns the heap bytes of a variable-size field of one row.
	VarValue(id tell.FieldID, idx int) []byte

	// Materialize re-encodes one row into row-format tuple bytes.
	Materialize(idx int) []byte
}

// ColumnScanFun evaluates the query over [startIdx, endIdx) of a column page
// and writes the match bitmap: matches[i-startIdx] is 1 iff row i satisfies
// every conjunct and is visible to the snapshot.
type ColumnScanFun func(view ColumnView, startIdx, endIdx int,
	snap *commitmanager.SnapshotDescriptor, matches []uint8)

// RowScanFun evaluates the query conjuncts over one row-format tuple.
// Visibility is the caller's business on the row path: the record abstraction
// already picked the version for the snapshot.
type RowScanFun func(tuple []byte) bool

type fieldEval func(view ColumnView, idx int) tell.Value

func compileFieldEval(rec *tell.Record, id tell.FieldID) fieldEval {
	fld := rec.Field(id)
	switch fld.Type {
	case tell.IntType:
		return func(view ColumnView, idx int) tell.Value {
			col := view.FixedColumn(id)
			return tell.Int64Value(int32(binary.LittleEndian.Uint32(col[idx*4:])))
		}
	case tell.BigIntType:
		return func(view ColumnView, idx int) tell.Value {
			col := view.FixedColumn(id)
			return tell.Int64Value(binary.LittleEndian.Uint64(col[idx*8:]))
		}
	case tell.FloatType:
		return func(view ColumnView, idx int) tell.Value {
			col := view.FixedColumn(id)
			return tell.Float64Value(math.Float32frombits(
				binary.LittleEndian.Uint32(col[idx*4:])))
		}
	case tell.DoubleType:
		return func(view ColumnView, idx int) tell.Value {
			col := view.FixedColumn(id)
			return tell.Float64Value(math.Float64frombits(
				binary.LittleEndian.Uint64(col[idx*8:])))
		}
	case tell.TextType:
		return func(view ColumnView, idx int) tell.Value {
			return tell.StringValue(view.VarValue(id, idx))
		}
	case tell.BlobType:
		return func(view ColumnView, idx int) tell.Value {
			return tell.BytesValue(view.VarValue(id, idx))
		}
	}
	panic(fmt.Sprintf("scanquery: unexpected field type %d", fld.Type))
}

func (prd Predicate) eval(val tell.Value) bool {
	if val == nil {
		return false
	}
	cmp, err := val.Compare(prd.Value)
	if err != nil {
		return false
	}
	switch prd.Type {
	case Equal:
		return cmp == 0
	case NotEqual:
		return cmp != 0
	case Less:
		return cmp < 0
	case LessEqual:
		return cmp <= 0
	case Greater:
		return cmp > 0
	case GreaterEqual:
		return cmp >= 0
	}
	return false
}

// CompileColumnScan builds the column scan kernel for a query: conjuncts are
// AND'd, predicates within a conjunct are OR'd, and MVCC visibility
// (validFrom <= base < validTo, validFrom in the read set) is folded into
// the bitmap.
func CompileColumnScan(rec *tell.Record, q *Query) (ColumnScanFun, error) {
	type conjunctEval struct {
		eval       fieldEval
		predicates []Predicate
	}
	evals := make([]conjunctEval, 0, len(q.Conjuncts))
	for _, cnj := range q.Conjuncts {
		if int(cnj.Field) >= rec.NumFields() {
			return nil, fmt.Errorf("scanquery: field %d out of range: %w", cnj.Field,
				tell.ErrInvalidArgument)
		}
		evals = append(evals, conjunctEval{
			eval:       compileFieldEval(rec, cnj.Field),
			predicates: cnj.Predicates,
		})
	}

	return func(view ColumnView, startIdx, endIdx int,
		snap *commitmanager.SnapshotDescriptor, matches []uint8) {

		validFrom := view.ValidFrom()
		validTo := view.ValidTo()
		for idx := startIdx; idx < endIdx; idx += 1 {
			matches[idx-startIdx] = 0

			// A row is visible iff the version that wrote it is in the read
			// set and the version that superseded it is not; a live row has
			// validTo of MaxUint64, which no snapshot can read.
			if !snap.InReadSet(validFrom[idx]) || snap.InReadSet(validTo[idx]) {
				continue
			}

			ok := true
			for _, ce := range evals {
				val := ce.eval(view, idx)
				any := false
				for _, prd := range ce.predicates {
					if prd.eval(val) {
						any = true
						break
					}
				}
				if !any {
					ok = false
					break
				}
			}
			if ok {
				matches[idx-startIdx] = 1
			}
		}
	}, nil
}

// CompileRowScan builds the row kernel used for row-store pages and the log
// tail.
func CompileRowScan(rec *tell.Record, q *Query) (RowScanFun, error) {
	type conjunctEval struct {
		field      tell.FieldID
		predicates []Predicate
	}
	evals := make([]conjunctEval, 0, len(q.Conjuncts))
	for _, cnj := range q.Conjuncts {
		if int(cnj.Field) >= rec.NumFields() {
			return nil, fmt.Errorf("scanquery: field %d out of range: %w", cnj.Field,
				tell.ErrInvalidArgument)
		}
		evals = append(evals, conjunctEval{field: cnj.Field, predicates: cnj.Predicates})
	}

	return func(tuple []byte) bool {
		for _, ce := range evals {
			val := rec.FieldValue(tuple, ce.field)
			any := false
			for _, prd := range ce.predicates {
				if prd.eval(val) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
		}
		return true
	}, nil
}

// RowProjectFun materializes the projected values of a row-format tuple.
type RowProjectFun func(tuple []byte) []tell.Value

// ColumnProjectFun materializes the projected values of one column page row.
type ColumnProjectFun func(view ColumnView, idx int) []tell.Value

// CompileProjection builds the two materialization kernels for a projection;
// a nil projection materializes every field in record order.
func CompileProjection(rec *tell.Record, projection []tell.FieldID) (RowProjectFun,
	ColumnProjectFun, error) {

	fields := projection
	if fields == nil {
		fields = make([]tell.FieldID, rec.NumFields())
		for id := range fields {
			fields[id] = tell.FieldID(id)
		}
	}
	for _, id := range fields {
		if int(id) >= rec.NumFields() {
			return nil, nil, fmt.Errorf("scanquery: field %d out of range: %w", id,
				tell.ErrInvalidArgument)
		}
	}

	evals := make([]fieldEval, 0, len(fields))
	for _, id := range fields {
		evals = append(evals, compileFieldEval(rec, id))
	}

	rowFun := func(tuple []byte) []tell.Value {
		row := make([]tell.Value, len(fields))
		for i, id := range fields {
			row[i] = rec.FieldValue(tuple, id)
		}
		return row
	}
	colFun := func(view ColumnView, idx int) []tell.Value {
		row := make([]tell.Value, len(evals))
		for i, eval := range evals {
			row[i] = eval(view, idx)
		}
		return row
	}
	return rowFun, colFun, nil
}
