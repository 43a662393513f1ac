package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundDelta(t *testing.T) {
	kases := []struct {
		name        string
		value       int64
		srcScale    int
		targetScale int
		op          DecimalRoundOp
		want        int64
	}{
		{"truncate never rounds", 12345, 3, 1, RoundTruncate, 0},
		{"adding digits", 12345, 2, 4, RoundHalfUp, 0},
		{"floor positive", 12345, 3, 1, RoundFloor, 0},
		{"ceil negative", -12345, 3, 1, RoundCeil, 0},
		{"zero trailing", 12300, 4, 2, RoundHalfUp, 0},
		{"ceil rounds up", 12301, 4, 2, RoundCeil, 1},
		{"floor rounds down", -12301, 4, 2, RoundFloor, -1},
		{"below half truncates", 12349, 4, 2, RoundHalfUp, 0},
		{"above half rounds", 12351, 4, 2, RoundHalfUp, 1},
		{"negative above half", -12351, 4, 2, RoundHalfUp, -1},
		// exactly .50 is NOT strictly below half, so it rounds away
		{"exact half rounds away", 12350, 4, 2, RoundHalfUp, 1},
		{"negative exact half", -12350, 4, 2, RoundHalfUp, -1},
		// one below the half boundary stays truncated
		{"just below half", 12349, 4, 2, RoundHalfUp, 0},
	}
	for _, k := range kases {
		t.Run(k.name, func(t *testing.T) {
			assert.Equal(t, k.want, RoundDelta(k.value, k.srcScale, k.targetScale, k.op))
		})
	}
}

func TestRoundToScale(t *testing.T) {
	// 123.45 -> 123.5 under half-up
	assert.Equal(t, int64(1235), RoundToScale(12345, 2, 1, RoundHalfUp))
	// 123.44 -> 123.4
	assert.Equal(t, int64(1234), RoundToScale(12344, 2, 1, RoundHalfUp))
	// scale up pads zeros
	assert.Equal(t, int64(123450), RoundToScale(12345, 2, 3, RoundHalfUp))
	// -123.45 -> -123.5
	assert.Equal(t, int64(-1235), RoundToScale(-12345, 2, 1, RoundHalfUp))
	// floor of 123.41 at scale 1 -> 123.4
	assert.Equal(t, int64(1234), RoundToScale(12341, 2, 1, RoundFloor))
	// ceil of 123.41 -> 123.5
	assert.Equal(t, int64(1235), RoundToScale(12341, 2, 1, RoundCeil))
}

func TestDecimalHelpers(t *testing.T) {
	a := NewDecimal(12345, 2)
	b := NewDecimal(55, 2)
	sum := AddDecimal(a, b)
	assert.Equal(t, "124.00", sum.String())
	assert.True(t, b.Less(&a))
	assert.True(t, a.Greater(&b))
	c := NewDecimal(12345, 2)
	assert.True(t, a.Equal(&c))
}
