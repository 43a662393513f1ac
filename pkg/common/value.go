package common

import (
	"fmt"
	"strings"
)

// Value is the uniform {is_null, payload} layout produced by expression
// evaluation. The live payload field is determined by the declared type.
type Value struct {
	IsNull bool
	Bool   bool
	I64    int64
	F64    float64
	Str    string
	Dec    Decimal
}

func NullValue() Value {
	return Value{IsNull: true}
}

func BoolValue(b bool) Value {
	return Value{Bool: b}
}

func IntValue(i int32) Value {
	return Value{I64: int64(i)}
}

func BigintValue(i int64) Value {
	return Value{I64: i}
}

func DoubleValue(f float64) Value {
	return Value{F64: f}
}

func VarcharValue(s string) Value {
	return Value{Str: s}
}

func DecimalValue(d Decimal) Value {
	return Value{Dec: d}
}

func (val Value) String2(typ LType) string {
	if val.IsNull {
		return "NULL"
	}
	switch typ.Id {
	case LTID_BOOLEAN:
		return fmt.Sprintf("%v", val.Bool)
	case LTID_INTEGER, LTID_BIGINT:
		return fmt.Sprintf("%d", val.I64)
	case LTID_DOUBLE:
		return fmt.Sprintf("%g", val.F64)
	case LTID_VARCHAR:
		return val.Str
	case LTID_DECIMAL:
		return val.Dec.String()
	default:
		return "?"
	}
}

// Row is one tuple of values flowing through the operators.
type Row []Value

func (row Row) Copy() Row {
	ret := make(Row, len(row))
	copy(ret, row)
	return ret
}

func RowString(row Row, types []LType) string {
	sb := strings.Builder{}
	sb.WriteByte('(')
	for i, val := range row {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(val.String2(types[i]))
	}
	sb.WriteByte(')')
	return sb.String()
}
