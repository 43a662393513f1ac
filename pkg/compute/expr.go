package compute

import (
	"fmt"

	"github.com/huandu/go-clone"

	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/util"
)

type ExprKind int

const (
	ET_Column ExprKind = iota
	ET_Const
	ET_Func
)

const (
	FuncEqual        = "="
	FuncNotEqual     = "<>"
	FuncLess         = "<"
	FuncLessEqual    = "<="
	FuncGreater      = ">"
	FuncGreaterEqual = ">="
)

// Expr is an expression tree evaluated over a Row. Column references index
// the row directly; join other-conjuncts index the combined
// (probe columns, build columns) row.
type Expr struct {
	Kind     ExprKind
	DataTyp  common.LType
	ColIdx   int
	Const    common.Value
	Fun      string
	Children []*Expr
}

func ColRefExpr(idx int, typ common.LType) *Expr {
	return &Expr{Kind: ET_Column, DataTyp: typ, ColIdx: idx}
}

func ConstExpr(val common.Value, typ common.LType) *Expr {
	return &Expr{Kind: ET_Const, DataTyp: typ, Const: val}
}

func FuncExpr(fun string, children ...*Expr) *Expr {
	return &Expr{
		Kind:     ET_Func,
		DataTyp:  common.BooleanType(),
		Fun:      fun,
		Children: children,
	}
}

func copyExprs(exprs ...*Expr) []*Expr {
	ret := make([]*Expr, len(exprs))
	for i, e := range exprs {
		ret[i] = clone.Clone(e).(*Expr)
	}
	return ret
}

func (e *Expr) String() string {
	switch e.Kind {
	case ET_Column:
		return fmt.Sprintf("#%d", e.ColIdx)
	case ET_Const:
		return e.Const.String2(e.DataTyp)
	case ET_Func:
		if len(e.Children) == 2 {
			return fmt.Sprintf("%s %s %s", e.Children[0], e.Fun, e.Children[1])
		}
		return e.Fun
	default:
		return "?"
	}
}

// compareValues orders two non-null values of typ. Returns <0, 0, >0.
func compareValues(typ common.LType, lhs, rhs *common.Value) int {
	switch typ.Id {
	case common.LTID_BOOLEAN:
		l, r := 0, 0
		if lhs.Bool {
			l = 1
		}
		if rhs.Bool {
			r = 1
		}
		return l - r
	case common.LTID_INTEGER, common.LTID_BIGINT:
		switch {
		case lhs.I64 < rhs.I64:
			return -1
		case lhs.I64 > rhs.I64:
			return 1
		default:
			return 0
		}
	case common.LTID_DOUBLE:
		switch {
		case lhs.F64 < rhs.F64:
			return -1
		case lhs.F64 > rhs.F64:
			return 1
		default:
			return 0
		}
	case common.LTID_VARCHAR:
		switch {
		case lhs.Str < rhs.Str:
			return -1
		case lhs.Str > rhs.Str:
			return 1
		default:
			return 0
		}
	case common.LTID_DECIMAL:
		return lhs.Dec.Cmp(rhs.Dec.Decimal)
	default:
		panic(fmt.Sprintf("compare on type %s", typ))
	}
}

// ExprExec evaluates expression trees row at a time. Comparisons follow
// SQL three-valued logic: a NULL operand yields a NULL result.
type ExprExec struct{}

func (exec *ExprExec) EvalExpr(e *Expr, row common.Row) common.Value {
	switch e.Kind {
	case ET_Column:
		return row[e.ColIdx]
	case ET_Const:
		return e.Const
	case ET_Func:
		util.AssertFunc(len(e.Children) == 2)
		lhs := exec.EvalExpr(e.Children[0], row)
		rhs := exec.EvalExpr(e.Children[1], row)
		if lhs.IsNull || rhs.IsNull {
			return common.NullValue()
		}
		cmp := compareValues(e.Children[0].DataTyp, &lhs, &rhs)
		var res bool
		switch e.Fun {
		case FuncEqual:
			res = cmp == 0
		case FuncNotEqual:
			res = cmp != 0
		case FuncLess:
			res = cmp < 0
		case FuncLessEqual:
			res = cmp <= 0
		case FuncGreater:
			res = cmp > 0
		case FuncGreaterEqual:
			res = cmp >= 0
		default:
			panic(fmt.Sprintf("unknown function %s", e.Fun))
		}
		return common.BoolValue(res)
	default:
		panic("unknown expr kind")
	}
}

// EvalConjuncts reports whether every conjunct evaluates to TRUE
// (a NULL result fails the row).
func (exec *ExprExec) EvalConjuncts(conjs []*Expr, row common.Row) bool {
	for _, conj := range conjs {
		val := exec.EvalExpr(conj, row)
		if val.IsNull || !val.Bool {
			return false
		}
	}
	return true
}
