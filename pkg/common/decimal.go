package common

import (
	dec "github.com/govalues/decimal"
)

type Decimal struct {
	dec.Decimal
}

func NewDecimal(value int64, scale int) Decimal {
	d, err := dec.New(value, scale)
	if err != nil {
		panic(err)
	}
	return Decimal{d}
}

func (d *Decimal) Equal(o *Decimal) bool {
	return d.Decimal.Cmp(o.Decimal) == 0
}

func (d *Decimal) Less(o *Decimal) bool {
	return d.Decimal.Cmp(o.Decimal) < 0
}

func (d *Decimal) Greater(o *Decimal) bool {
	return d.Decimal.Cmp(o.Decimal) > 0
}

func (d *Decimal) String() string {
	return d.Decimal.String()
}

func AddDecimal(lhs, rhs Decimal) Decimal {
	res, err := lhs.Decimal.Add(rhs.Decimal)
	if err != nil {
		panic(err)
	}
	return Decimal{res}
}

type DecimalRoundOp int

const (
	RoundTruncate DecimalRoundOp = iota
	RoundCeil
	RoundFloor
	RoundHalfUp
)

func pow10(n int) int64 {
	ret := int64(1)
	for i := 0; i < n; i++ {
		ret *= 10
	}
	return ret
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// RoundDelta returns the +1/0/-1 correction to apply to a decimal's
// truncated coefficient when reducing its scale from srcScale to
// targetScale. value is the scaled integer representation. An exactly
// half-way trailing part rounds away from zero: only a trailing part
// strictly below base/2 truncates.
func RoundDelta(value int64, srcScale, targetScale int, op DecimalRoundOp) int64 {
	if op == RoundTruncate {
		return 0
	}

	// Adding digits; the new digits are just 0.
	if srcScale <= targetScale {
		return 0
	}

	if value > 0 && op == RoundFloor {
		return 0
	}
	if value < 0 && op == RoundCeil {
		return 0
	}

	deltaScale := srcScale - targetScale
	trailingBase := pow10(deltaScale)
	trailingDigits := value % trailingBase

	if trailingDigits == 0 {
		return 0
	}

	if op == RoundCeil {
		return 1
	}
	if op == RoundFloor {
		return -1
	}

	if absInt64(trailingDigits) < trailingBase/2 {
		return 0
	}
	if value < 0 {
		return -1
	}
	return 1
}

// RoundToScale reduces value (a scaled integer with srcScale fractional
// digits) to targetScale applying op, returning the rescaled integer.
func RoundToScale(value int64, srcScale, targetScale int, op DecimalRoundOp) int64 {
	if srcScale <= targetScale {
		return value * pow10(targetScale-srcScale)
	}
	d := RoundDelta(value, srcScale, targetScale, op)
	base := pow10(srcScale - targetScale)
	return value/base + d
}
