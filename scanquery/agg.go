package scanquery

import (
	"fmt"

	"github.com/leftmike/tellstore/tell"
)

// AggState accumulates one aggregate. Each scan processor keeps its own
// states and the scan merges them once every processor has finished; a failed
// processor fails the whole scan, so partial states are never observed.
type AggState struct {
	agg  Aggregation
	cnt  int64
	sumI int64
	sumF float64
	flt  bool
	mm   tell.Value
}

func NewAggStates(rec *tell.Record, aggs []Aggregation) ([]*AggState, error) {
	states := make([]*AggState, 0, len(aggs))
	for _, agg := range aggs {
		if int(agg.Field) >= rec.NumFields() {
			return nil, fmt.Errorf("scanquery: field %d out of range: %w", agg.Field,
				tell.ErrInvalidArgument)
		}
		fld := rec.Field(agg.Field)
		if agg.Type != AggCount && !fld.Type.Fixed() {
			return nil, fmt.Errorf("scanquery: cannot aggregate %s field %s: %w",
				fld.Type, fld.Name, tell.ErrInvalidArgument)
		}
		states = append(states, &AggState{
			agg: agg,
			flt: fld.Type == tell.FloatType || fld.Type == tell.DoubleType,
		})
	}
	return states, nil
}

// Field is the field this aggregate reads.
func (st *AggState) Field() tell.FieldID {
	return st.agg.Field
}

func (st *AggState) Update(val tell.Value) {
	if val == nil {
		return
	}
	st.cnt += 1

	switch st.agg.Type {
	case AggSum:
		switch val := val.(type) {
		case tell.Int64Value:
			st.sumI += int64(val)
		case tell.Float64Value:
			st.sumF += float64(val)
		}
	case AggMin:
		if st.mm == nil {
			st.mm = val
		} else if cmp, err := val.Compare(st.mm); err == nil && cmp < 0 {
			st.mm = val
		}
	case AggMax:
		if st.mm == nil {
			st.mm = val
		} else if cmp, err := val.Compare(st.mm); err == nil && cmp > 0 {
			st.mm = val
		}
	}
}

func (st *AggState) Merge(other *AggState) {
	st.cnt += other.cnt
	st.sumI += other.sumI
	st.sumF += other.sumF

	if other.mm != nil {
		if st.mm == nil {
			st.mm = other.mm
		} else if cmp, err := other.mm.Compare(st.mm); err == nil {
			if (st.agg.Type == AggMin && cmp < 0) || (st.agg.Type == AggMax && cmp > 0) {
				st.mm = other.mm
			}
		}
	}
}

// Value is the final aggregate; NULL for min/max/sum over no rows.
func (st *AggState) Value() tell.Value {
	switch st.agg.Type {
	case AggCount:
		return tell.Int64Value(st.cnt)
	case AggSum:
		if st.cnt == 0 {
			return nil
		}
		if st.flt {
			return tell.Float64Value(st.sumF)
		}
		return tell.Int64Value(st.sumI)
	case AggMin, AggMax:
		return st.mm
	}
	return nil
}
