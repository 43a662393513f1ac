package compute

import (
	"unsafe"

	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/util"
)

// RowLayout maps a Row onto the byte image stored in tuple streams:
// one null byte per column, then the fixed slots, then the varlen area.
// Varchar slots hold (offset, length) relative to the image start so the
// image survives a trip through the spill file.
type RowLayout struct {
	_types      []common.LType
	_offsets    []int
	_fixedWidth int
}

func NewRowLayout(types []common.LType) *RowLayout {
	layout := &RowLayout{
		_types:   common.CopyLTypes(types...),
		_offsets: make([]int, len(types)),
	}
	off := len(types)
	for i, typ := range types {
		layout._offsets[i] = off
		off += typ.SlotSize()
	}
	layout._fixedWidth = util.AlignValue8(off)
	return layout
}

func (layout *RowLayout) Types() []common.LType {
	return layout._types
}

func (layout *RowLayout) ColumnCount() int {
	return len(layout._types)
}

func (layout *RowLayout) FixedWidth() int {
	return layout._fixedWidth
}

func (layout *RowLayout) Offset(col int) int {
	return layout._offsets[col]
}

// VarlenSize is the number of out-of-line bytes row needs.
func (layout *RowLayout) VarlenSize(row common.Row) int {
	sz := 0
	for i, typ := range layout._types {
		if typ.IsVarlen() && !row[i].IsNull {
			sz += len(row[i].Str)
		}
	}
	return sz
}

func (layout *RowLayout) RowIsNull(ptr unsafe.Pointer, col int) bool {
	return util.Load2[byte](ptr, col) != 0
}

func (layout *RowLayout) SetRowNull(ptr unsafe.Pointer, col int, isNull bool) {
	val := byte(0)
	if isNull {
		val = 1
	}
	util.Store2[byte](val, ptr, col)
}

// EncodeRow writes row at ptr. The caller must have allocated
// FixedWidth()+VarlenSize(row) bytes.
func (layout *RowLayout) EncodeRow(ptr unsafe.Pointer, row common.Row) {
	varOff := layout._fixedWidth
	for i, typ := range layout._types {
		val := &row[i]
		layout.SetRowNull(ptr, i, val.IsNull)
		slot := util.PointerAdd(ptr, layout._offsets[i])
		switch typ.Id {
		case common.LTID_BOOLEAN:
			b := byte(0)
			if !val.IsNull && val.Bool {
				b = 1
			}
			util.Store[byte](b, slot)
		case common.LTID_INTEGER:
			v := int32(0)
			if !val.IsNull {
				v = int32(val.I64)
			}
			util.Store[int32](v, slot)
		case common.LTID_BIGINT:
			v := int64(0)
			if !val.IsNull {
				v = val.I64
			}
			util.Store[int64](v, slot)
		case common.LTID_DOUBLE:
			v := float64(0)
			if !val.IsNull {
				v = val.F64
			}
			util.Store[float64](v, slot)
		case common.LTID_VARCHAR:
			if val.IsNull {
				util.Store[uint32](0, slot)
				util.Store2[uint32](0, slot, 4)
			} else {
				data := val.Str
				util.Store[uint32](uint32(varOff), slot)
				util.Store2[uint32](uint32(len(data)), slot, 4)
				dst := util.PointerToSlice[byte](util.PointerAdd(ptr, varOff), len(data))
				copy(dst, data)
				varOff += len(data)
			}
		case common.LTID_DECIMAL:
			coef := int64(0)
			scale := int32(0)
			if !val.IsNull {
				coef = int64(val.Dec.Coef())
				if val.Dec.IsNeg() {
					coef = -coef
				}
				scale = int32(val.Dec.Scale())
			}
			util.Store[int64](coef, slot)
			util.Store2[int32](scale, slot, 8)
		default:
			panic("cannot encode type")
		}
	}
}

// DecodeValue reads one column of the image at ptr.
func (layout *RowLayout) DecodeValue(ptr unsafe.Pointer, col int) common.Value {
	if layout.RowIsNull(ptr, col) {
		return common.NullValue()
	}
	slot := util.PointerAdd(ptr, layout._offsets[col])
	switch layout._types[col].Id {
	case common.LTID_BOOLEAN:
		return common.BoolValue(util.Load[byte](slot) != 0)
	case common.LTID_INTEGER:
		return common.IntValue(util.Load[int32](slot))
	case common.LTID_BIGINT:
		return common.BigintValue(util.Load[int64](slot))
	case common.LTID_DOUBLE:
		return common.DoubleValue(util.Load[float64](slot))
	case common.LTID_VARCHAR:
		off := util.Load[uint32](slot)
		length := util.Load2[uint32](slot, 4)
		data := util.PointerToSlice[byte](util.PointerAdd(ptr, int(off)), int(length))
		return common.VarcharValue(string(data))
	case common.LTID_DECIMAL:
		coef := util.Load[int64](slot)
		scale := util.Load2[int32](slot, 8)
		return common.DecimalValue(common.NewDecimal(coef, int(scale)))
	default:
		panic("cannot decode type")
	}
}

func (layout *RowLayout) DecodeRow(ptr unsafe.Pointer) common.Row {
	row := make(common.Row, len(layout._types))
	for i := range layout._types {
		row[i] = layout.DecodeValue(ptr, i)
	}
	return row
}
