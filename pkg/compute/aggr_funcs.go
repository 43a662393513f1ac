package compute

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/axiomhq/hyperloglog"

	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/util"
)

// AggStateRegistry owns the variable-length aggregate state (hyperloglog
// sketches, string extremes) a partition's intermediate tuples point into.
// Dropped wholesale when the partition spills; rebuilt from serialized
// intermediates on merge.
type AggStateRegistry struct {
	_sketches []*hyperloglog.Sketch
	_strings  []string
	_strValid []bool
}

func NewAggStateRegistry() *AggStateRegistry {
	return &AggStateRegistry{}
}

func (reg *AggStateRegistry) newSketch() int64 {
	reg._sketches = append(reg._sketches, hyperloglog.New14())
	return int64(len(reg._sketches) - 1)
}

func (reg *AggStateRegistry) sketch(i int64) *hyperloglog.Sketch {
	return reg._sketches[i]
}

func (reg *AggStateRegistry) newString() int64 {
	reg._strings = append(reg._strings, "")
	reg._strValid = append(reg._strValid, false)
	return int64(len(reg._strings) - 1)
}

// ByteSize approximates the registry footprint for spill-victim choice.
func (reg *AggStateRegistry) ByteSize() int64 {
	ret := int64(len(reg._sketches)) * (16 << 10)
	for _, s := range reg._strings {
		ret += int64(len(s))
	}
	return ret
}

// AggFn evaluates one aggregate over the state slots of an intermediate
// tuple. State lives inline in the tuple except for varlen state, which
// sits in the partition's registry behind an index slot.
type AggFn struct {
	_desc     *AggFnDesc
	_childTyp common.LType
	_stateCol int
	_exec     ExprExec
}

func (fn *AggFn) regBacked() bool {
	switch fn._desc.Op {
	case AggOpNdv:
		return true
	case AggOpMin, AggOpMax:
		return fn._childTyp.Id == common.LTID_VARCHAR
	default:
		return false
	}
}

// stateTypes are the inline slots the function occupies in the
// intermediate layout.
func (fn *AggFn) stateTypes() []common.LType {
	switch fn._desc.Op {
	case AggOpCount, AggOpCountStar:
		return []common.LType{common.BigintType()}
	case AggOpAvg:
		return []common.LType{common.DoubleType(), common.BigintType()}
	case AggOpSum:
		if fn._childTyp.Id == common.LTID_DOUBLE {
			return []common.LType{common.DoubleType()}
		}
		if fn._childTyp.Id == common.LTID_DECIMAL {
			return []common.LType{fn._childTyp}
		}
		return []common.LType{common.BigintType()}
	case AggOpMin, AggOpMax:
		if fn.regBacked() {
			return []common.LType{common.BigintType()}
		}
		return []common.LType{fn._childTyp}
	case AggOpNdv:
		return []common.LType{common.BigintType()}
	default:
		panic("unknown aggregate")
	}
}

// serializedTypes describe the self-contained on-stream form of the
// state; registry-backed slots become varchar payloads.
func (fn *AggFn) serializedTypes() []common.LType {
	if fn.regBacked() {
		return []common.LType{common.VarcharType()}
	}
	return fn.stateTypes()
}

func (fn *AggFn) retType() common.LType {
	return fn._desc.RetType
}

// Init writes the aggregate identity. MIN starts at the type maximum and
// MAX at the type minimum so the hot update path compares without a
// null check on the accumulator.
func (fn *AggFn) Init(layout *RowLayout, ptr unsafe.Pointer, reg *AggStateRegistry) {
	col := fn._stateCol
	switch fn._desc.Op {
	case AggOpCount, AggOpCountStar:
		layout.SetRowNull(ptr, col, false)
		util.Store2[int64](0, ptr, layout.Offset(col))
	case AggOpAvg:
		layout.SetRowNull(ptr, col, false)
		util.Store2[float64](0, ptr, layout.Offset(col))
		layout.SetRowNull(ptr, col+1, false)
		util.Store2[int64](0, ptr, layout.Offset(col+1))
	case AggOpSum:
		layout.SetRowNull(ptr, col, true)
		slot := util.PointerAdd(ptr, layout.Offset(col))
		switch fn._childTyp.Id {
		case common.LTID_DOUBLE:
			util.Store[float64](0, slot)
		case common.LTID_DECIMAL:
			util.Store[int64](0, slot)
			util.Store2[int32](int32(fn._childTyp.Scale), slot, 8)
		default:
			util.Store[int64](0, slot)
		}
	case AggOpMin, AggOpMax:
		fn.initExtreme(layout, ptr, reg)
	case AggOpNdv:
		layout.SetRowNull(ptr, col, false)
		util.Store2[int64](reg.newSketch(), ptr, layout.Offset(col))
	}
}

func (fn *AggFn) initExtreme(layout *RowLayout, ptr unsafe.Pointer, reg *AggStateRegistry) {
	col := fn._stateCol
	layout.SetRowNull(ptr, col, true)
	slot := util.PointerAdd(ptr, layout.Offset(col))
	if fn.regBacked() {
		util.Store[int64](reg.newString(), slot)
		layout.SetRowNull(ptr, col, false)
		return
	}
	wantMax := fn._desc.Op == AggOpMin
	switch fn._childTyp.Id {
	case common.LTID_INTEGER:
		v := int32(math.MinInt32)
		if wantMax {
			v = math.MaxInt32
		}
		util.Store[int32](v, slot)
	case common.LTID_BIGINT:
		v := int64(math.MinInt64)
		if wantMax {
			v = math.MaxInt64
		}
		util.Store[int64](v, slot)
	case common.LTID_DOUBLE:
		v := math.Inf(-1)
		if wantMax {
			v = math.Inf(1)
		}
		util.Store[float64](v, slot)
	case common.LTID_DECIMAL:
		coef := int64(math.MinInt64)
		if wantMax {
			coef = math.MaxInt64
		}
		util.Store[int64](coef, slot)
		util.Store2[int32](int32(fn._childTyp.Scale), slot, 8)
	default:
		panic("no extreme sentinel for type")
	}
}

func ndvBytes(typ common.LType, val *common.Value) []byte {
	var buf [8]byte
	switch typ.Id {
	case common.LTID_VARCHAR:
		return []byte(val.Str)
	case common.LTID_DOUBLE:
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(val.F64))
		return buf[:]
	case common.LTID_DECIMAL:
		coef := int64(val.Dec.Coef())
		if val.Dec.IsNeg() {
			coef = -coef
		}
		binary.LittleEndian.PutUint64(buf[:], uint64(coef))
		return buf[:]
	default:
		binary.LittleEndian.PutUint64(buf[:], uint64(val.I64))
		return buf[:]
	}
}

// Update folds one input row into the accumulator at ptr.
func (fn *AggFn) Update(layout *RowLayout, ptr unsafe.Pointer, row common.Row, reg *AggStateRegistry) {
	col := fn._stateCol
	if fn._desc.Op == AggOpCountStar {
		off := layout.Offset(col)
		util.Store2[int64](util.Load2[int64](ptr, off)+1, ptr, off)
		return
	}
	val := fn._exec.EvalExpr(fn._desc.Child, row)
	if val.IsNull {
		return
	}
	switch fn._desc.Op {
	case AggOpCount:
		off := layout.Offset(col)
		util.Store2[int64](util.Load2[int64](ptr, off)+1, ptr, off)
	case AggOpSum:
		fn.updateSum(layout, ptr, &val)
	case AggOpAvg:
		sumOff := layout.Offset(col)
		cntOff := layout.Offset(col + 1)
		util.Store2[float64](util.Load2[float64](ptr, sumOff)+numeric(fn._childTyp, &val), ptr, sumOff)
		util.Store2[int64](util.Load2[int64](ptr, cntOff)+1, ptr, cntOff)
	case AggOpMin, AggOpMax:
		fn.updateExtreme(layout, ptr, &val, reg)
	case AggOpNdv:
		idx := util.Load2[int64](ptr, layout.Offset(col))
		reg.sketch(idx).Insert(ndvBytes(fn._childTyp, &val))
	}
}

func numeric(typ common.LType, val *common.Value) float64 {
	switch typ.Id {
	case common.LTID_DOUBLE:
		return val.F64
	default:
		return float64(val.I64)
	}
}

func (fn *AggFn) updateSum(layout *RowLayout, ptr unsafe.Pointer, val *common.Value) {
	col := fn._stateCol
	slot := util.PointerAdd(ptr, layout.Offset(col))
	switch fn._childTyp.Id {
	case common.LTID_DOUBLE:
		util.Store[float64](util.Load[float64](slot)+val.F64, slot)
	case common.LTID_DECIMAL:
		coef := util.Load[int64](slot)
		cur := common.NewDecimal(coef, int(util.Load2[int32](slot, 8)))
		res := common.AddDecimal(cur, val.Dec)
		resCoef := int64(res.Coef())
		if res.IsNeg() {
			resCoef = -resCoef
		}
		util.Store[int64](resCoef, slot)
		util.Store2[int32](int32(res.Scale()), slot, 8)
	default:
		util.Store[int64](util.Load[int64](slot)+val.I64, slot)
	}
	layout.SetRowNull(ptr, col, false)
}

func (fn *AggFn) updateExtreme(layout *RowLayout, ptr unsafe.Pointer, val *common.Value, reg *AggStateRegistry) {
	col := fn._stateCol
	slot := util.PointerAdd(ptr, layout.Offset(col))
	isMin := fn._desc.Op == AggOpMin
	if fn.regBacked() {
		idx := util.Load[int64](slot)
		if !reg._strValid[idx] ||
			(isMin && val.Str < reg._strings[idx]) ||
			(!isMin && val.Str > reg._strings[idx]) {
			reg._strings[idx] = val.Str
			reg._strValid[idx] = true
		}
		return
	}
	switch fn._childTyp.Id {
	case common.LTID_INTEGER:
		cur := util.Load[int32](slot)
		v := int32(val.I64)
		if (isMin && v < cur) || (!isMin && v > cur) {
			util.Store[int32](v, slot)
		}
	case common.LTID_BIGINT:
		cur := util.Load[int64](slot)
		if (isMin && val.I64 < cur) || (!isMin && val.I64 > cur) {
			util.Store[int64](val.I64, slot)
		}
	case common.LTID_DOUBLE:
		cur := util.Load[float64](slot)
		if (isMin && val.F64 < cur) || (!isMin && val.F64 > cur) {
			util.Store[float64](val.F64, slot)
		}
	case common.LTID_DECIMAL:
		cur := common.NewDecimal(util.Load[int64](slot), int(util.Load2[int32](slot, 8)))
		if (isMin && val.Dec.Less(&cur)) || (!isMin && val.Dec.Greater(&cur)) {
			coef := int64(val.Dec.Coef())
			if val.Dec.IsNeg() {
				coef = -coef
			}
			util.Store[int64](coef, slot)
			util.Store2[int32](int32(val.Dec.Scale()), slot, 8)
		}
	}
	layout.SetRowNull(ptr, col, false)
}

// Merge folds a decoded serialized intermediate (src) into the
// accumulator at ptr. src uses the serialized layout's column order,
// which matches the intermediate layout's.
func (fn *AggFn) Merge(layout *RowLayout, ptr unsafe.Pointer, src common.Row, reg *AggStateRegistry) {
	col := fn._stateCol
	switch fn._desc.Op {
	case AggOpCount, AggOpCountStar:
		off := layout.Offset(col)
		util.Store2[int64](util.Load2[int64](ptr, off)+src[col].I64, ptr, off)
	case AggOpSum:
		if src[col].IsNull {
			return
		}
		fn.updateSum(layout, ptr, &src[col])
	case AggOpAvg:
		sumOff := layout.Offset(col)
		cntOff := layout.Offset(col + 1)
		util.Store2[float64](util.Load2[float64](ptr, sumOff)+src[col].F64, ptr, sumOff)
		util.Store2[int64](util.Load2[int64](ptr, cntOff)+src[col+1].I64, ptr, cntOff)
	case AggOpMin, AggOpMax:
		if src[col].IsNull {
			return
		}
		if fn.regBacked() {
			fn.updateExtreme(layout, ptr, &src[col], reg)
			return
		}
		val := src[col]
		fn.updateExtreme(layout, ptr, &val, reg)
	case AggOpNdv:
		if src[col].IsNull {
			return
		}
		other := hyperloglog.New14()
		if err := other.UnmarshalBinary([]byte(src[col].Str)); err != nil {
			panic(err)
		}
		idx := util.Load2[int64](ptr, layout.Offset(col))
		if err := reg.sketch(idx).Merge(other); err != nil {
			panic(err)
		}
	}
}

// Serialize renders the state at ptr into self-contained values in the
// serialized column order.
func (fn *AggFn) Serialize(layout *RowLayout, ptr unsafe.Pointer, reg *AggStateRegistry) []common.Value {
	col := fn._stateCol
	switch fn._desc.Op {
	case AggOpNdv:
		idx := util.Load2[int64](ptr, layout.Offset(col))
		data, err := reg.sketch(idx).MarshalBinary()
		if err != nil {
			panic(err)
		}
		return []common.Value{common.VarcharValue(string(data))}
	case AggOpMin, AggOpMax:
		if fn.regBacked() {
			idx := util.Load2[int64](ptr, layout.Offset(col))
			if !reg._strValid[idx] {
				return []common.Value{common.NullValue()}
			}
			return []common.Value{common.VarcharValue(reg._strings[idx])}
		}
		if layout.RowIsNull(ptr, col) {
			return []common.Value{common.NullValue()}
		}
		return []common.Value{layout.DecodeValue(ptr, col)}
	case AggOpAvg:
		return []common.Value{
			layout.DecodeValue(ptr, col),
			layout.DecodeValue(ptr, col+1),
		}
	default:
		return []common.Value{layout.DecodeValue(ptr, col)}
	}
}

// Finalize produces the aggregate's output value.
func (fn *AggFn) Finalize(layout *RowLayout, ptr unsafe.Pointer, reg *AggStateRegistry) common.Value {
	col := fn._stateCol
	switch fn._desc.Op {
	case AggOpCount, AggOpCountStar:
		return layout.DecodeValue(ptr, col)
	case AggOpSum:
		if layout.RowIsNull(ptr, col) {
			return common.NullValue()
		}
		return layout.DecodeValue(ptr, col)
	case AggOpAvg:
		cnt := util.Load2[int64](ptr, layout.Offset(col+1))
		if cnt == 0 {
			return common.NullValue()
		}
		sum := util.Load2[float64](ptr, layout.Offset(col))
		return common.DoubleValue(sum / float64(cnt))
	case AggOpMin, AggOpMax:
		if fn.regBacked() {
			idx := util.Load2[int64](ptr, layout.Offset(col))
			if !reg._strValid[idx] {
				return common.NullValue()
			}
			return common.VarcharValue(reg._strings[idx])
		}
		if layout.RowIsNull(ptr, col) {
			return common.NullValue()
		}
		return layout.DecodeValue(ptr, col)
	case AggOpNdv:
		idx := util.Load2[int64](ptr, layout.Offset(col))
		return common.BigintValue(int64(reg.sketch(idx).Estimate()))
	default:
		panic("unknown aggregate")
	}
}
