package common

import (
	"fmt"
)

type TypeId int

const (
	LTID_INVALID TypeId = iota
	LTID_BOOLEAN
	LTID_INTEGER
	LTID_BIGINT
	LTID_DOUBLE
	LTID_VARCHAR
	LTID_DECIMAL
)

func (id TypeId) String() string {
	switch id {
	case LTID_BOOLEAN:
		return "BOOLEAN"
	case LTID_INTEGER:
		return "INTEGER"
	case LTID_BIGINT:
		return "BIGINT"
	case LTID_DOUBLE:
		return "DOUBLE"
	case LTID_VARCHAR:
		return "VARCHAR"
	case LTID_DECIMAL:
		return "DECIMAL"
	default:
		return "INVALID"
	}
}

type LType struct {
	Id    TypeId
	Width int
	Scale int
}

func BooleanType() LType {
	return LType{Id: LTID_BOOLEAN}
}

func IntegerType() LType {
	return LType{Id: LTID_INTEGER}
}

func BigintType() LType {
	return LType{Id: LTID_BIGINT}
}

func DoubleType() LType {
	return LType{Id: LTID_DOUBLE}
}

func VarcharType() LType {
	return LType{Id: LTID_VARCHAR}
}

func DecimalType(width, scale int) LType {
	return LType{Id: LTID_DECIMAL, Width: width, Scale: scale}
}

// SlotSize is the width of the fixed slot a value of this type occupies in
// a materialized row image. Varchar slots hold (offset, length) referencing
// out-of-line bytes.
func (typ LType) SlotSize() int {
	switch typ.Id {
	case LTID_BOOLEAN:
		return 1
	case LTID_INTEGER:
		return 4
	case LTID_BIGINT:
		return 8
	case LTID_DOUBLE:
		return 8
	case LTID_VARCHAR:
		return 8
	case LTID_DECIMAL:
		return 16
	default:
		panic(fmt.Sprintf("no slot size for type %d", typ.Id))
	}
}

func (typ LType) IsVarlen() bool {
	return typ.Id == LTID_VARCHAR
}

func (typ LType) Equal(o LType) bool {
	return typ.Id == o.Id && typ.Width == o.Width && typ.Scale == o.Scale
}

func (typ LType) String() string {
	if typ.Id == LTID_DECIMAL {
		return fmt.Sprintf("DECIMAL(%d,%d)", typ.Width, typ.Scale)
	}
	return typ.Id.String()
}

func CopyLTypes(types ...LType) []LType {
	ret := make([]LType, len(types))
	copy(ret, types)
	return ret
}
