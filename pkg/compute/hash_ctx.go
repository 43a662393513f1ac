package compute

import (
	"encoding/binary"
	"math"

	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/util"
)

// Random primes to multiply the seed with. The first seed must be 1 so
// that level 0 stays shareable with peer operators in the fragment.
var seedPrimes = [...]uint32{
	1,
	1431655781,
	1183186591,
	622729787,
	472882027,
	338294347,
	275604541,
	41161739,
	29999999,
	27475109,
	611603,
	16313357,
	11380003,
	21261403,
	33393119,
	101,
	71043403,
}

const MaxPartitionLevels = len(seedPrimes) - 1

// nullSentinel is the constant written into a slot for a NULL value, so
// that (NULL, 1) does not hash like (0, 1). Equality still goes through
// the null flags; the sentinel only feeds the hash.
var nullSentinel = [16]byte{
	0x25, 0x23, 0x22, 0x84, 0xe4, 0x9c, 0xf2, 0xcb,
	0x25, 0x23, 0x22, 0x84, 0xe4, 0x9c, 0xf2, 0xcb,
}

const exprValuesCacheByteBudget = 256 * 1024

// ExprValuesCache holds, for each row of the current batch, the
// materialized equality key: a compact fixed-width byte image, one null
// flag per expression, and the row's hash. Varlen slots sit at the end of
// the image; their bytes live out of line and are hashed separately.
type ExprValuesCache struct {
	_numExprs    int
	_capacity    int
	_bytesPerRow int
	_offsets     []int
	_varBegin    int

	_values    []byte
	_nullBytes []byte
	_varValues []string
	_hashes    []uint32

	_curRow int
}

func newExprValuesCache(exprs []*Expr, batchSize int) *ExprValuesCache {
	evc := &ExprValuesCache{
		_numExprs: len(exprs),
		_offsets:  make([]int, len(exprs)),
		_varBegin: -1,
	}
	off := 0
	for i, e := range exprs {
		if !e.DataTyp.IsVarlen() {
			evc._offsets[i] = off
			off += e.DataTyp.SlotSize()
		}
	}
	fixedEnd := off
	for i, e := range exprs {
		if e.DataTyp.IsVarlen() {
			if evc._varBegin < 0 {
				evc._varBegin = off
			}
			evc._offsets[i] = off
			off += e.DataTyp.SlotSize()
		}
	}
	if evc._varBegin < 0 {
		evc._varBegin = fixedEnd
	}
	evc._bytesPerRow = off
	capacity := batchSize
	if evc._bytesPerRow > 0 {
		byCap := exprValuesCacheByteBudget / evc._bytesPerRow
		if byCap < capacity {
			capacity = byCap
		}
	}
	if capacity < 1 {
		capacity = 1
	}
	evc._capacity = capacity
	evc._values = make([]byte, capacity*evc._bytesPerRow)
	evc._nullBytes = make([]byte, capacity*len(exprs))
	evc._varValues = make([]string, capacity*len(exprs))
	evc._hashes = make([]uint32, capacity)
	return evc
}

func (evc *ExprValuesCache) Capacity() int {
	return evc._capacity
}

func (evc *ExprValuesCache) SetCurRow(r int) {
	util.AssertFunc(r >= 0 && r < evc._capacity)
	evc._curRow = r
}

func (evc *ExprValuesCache) CurRow() int {
	return evc._curRow
}

func (evc *ExprValuesCache) valuesRow(r int) []byte {
	return evc._values[r*evc._bytesPerRow : (r+1)*evc._bytesPerRow]
}

func (evc *ExprValuesCache) nullByte(r, i int) bool {
	return evc._nullBytes[r*evc._numExprs+i] != 0
}

func (evc *ExprValuesCache) setNullByte(r, i int, isNull bool) {
	v := byte(0)
	if isNull {
		v = 1
	}
	evc._nullBytes[r*evc._numExprs+i] = v
}

func (evc *ExprValuesCache) varValue(r, i int) string {
	return evc._varValues[r*evc._numExprs+i]
}

func (evc *ExprValuesCache) setVarValue(r, i int, s string) {
	evc._varValues[r*evc._numExprs+i] = s
}

// HashTableCtx materializes equality keys, hashes them with the level
// seed, and evaluates stored rows for equality.
type HashTableCtx struct {
	_buildExprs     []*Expr
	_probeExprs     []*Expr
	_exprExec       ExprExec
	_storesNulls    bool
	_findsNulls     []bool
	_findsSomeNulls bool
	_level          int
	_maxLevels      int
	_seeds          []uint32
	_evc            *ExprValuesCache
}

func NewHashTableCtx(
	buildExprs []*Expr,
	probeExprs []*Expr,
	storesNulls bool,
	findsNulls []bool,
	initialSeed uint32,
	maxLevels int,
	batchSize int,
) *HashTableCtx {
	util.AssertFunc(len(buildExprs) > 0)
	util.AssertFunc(len(buildExprs) == len(probeExprs))
	util.AssertFunc(len(buildExprs) == len(findsNulls))
	util.AssertFunc(maxLevels >= 0 && maxLevels <= MaxPartitionLevels)
	util.AssertFunc(initialSeed != 0)
	findsSomeNulls := false
	for _, f := range findsNulls {
		findsSomeNulls = findsSomeNulls || f
	}
	util.AssertFunc(storesNulls || !findsSomeNulls)

	ctx := &HashTableCtx{
		_buildExprs:     copyExprs(buildExprs...),
		_probeExprs:     copyExprs(probeExprs...),
		_storesNulls:    storesNulls,
		_findsNulls:     findsNulls,
		_findsSomeNulls: findsSomeNulls,
		_maxLevels:      maxLevels,
		_seeds:          make([]uint32, maxLevels+1),
	}
	ctx._seeds[0] = initialSeed
	for i := 1; i <= maxLevels; i++ {
		ctx._seeds[i] = ctx._seeds[i-1] * seedPrimes[i]
	}
	ctx._evc = newExprValuesCache(buildExprs, batchSize)
	return ctx
}

func (ctx *HashTableCtx) ValuesCache() *ExprValuesCache {
	return ctx._evc
}

func (ctx *HashTableCtx) Level() int {
	return ctx._level
}

func (ctx *HashTableCtx) SetLevel(l int) {
	util.AssertFunc(l >= 0 && l <= ctx._maxLevels)
	ctx._level = l
}

func (ctx *HashTableCtx) seed() uint32 {
	return ctx._seeds[ctx._level]
}

// EvalRow materializes the key of row at cache position r. Returns true
// when any expression evaluated to NULL; if the table does not store
// nulls the row image is left incomplete and the caller must skip it.
func (ctx *HashTableCtx) evalRow(r int, row common.Row, exprs []*Expr) bool {
	evc := ctx._evc
	hasNull := false
	image := evc.valuesRow(r)
	for i, e := range exprs {
		val := ctx._exprExec.EvalExpr(e, row)
		off := evc._offsets[i]
		slot := image[off : off+e.DataTyp.SlotSize()]
		if val.IsNull {
			if !ctx._storesNulls {
				return true
			}
			hasNull = true
			evc.setNullByte(r, i, true)
			copy(slot, nullSentinel[:len(slot)])
			if e.DataTyp.IsVarlen() {
				evc.setVarValue(r, i, "")
			}
			continue
		}
		evc.setNullByte(r, i, false)
		switch e.DataTyp.Id {
		case common.LTID_BOOLEAN:
			b := byte(0)
			if val.Bool {
				b = 1
			}
			slot[0] = b
		case common.LTID_INTEGER:
			binary.LittleEndian.PutUint32(slot, uint32(int32(val.I64)))
		case common.LTID_BIGINT:
			binary.LittleEndian.PutUint64(slot, uint64(val.I64))
		case common.LTID_DOUBLE:
			binary.LittleEndian.PutUint64(slot, doubleBits(val.F64))
		case common.LTID_VARCHAR:
			// The slot bytes only matter for NULL; the string is
			// hashed and compared out of line.
			clearSlot(slot)
			binary.LittleEndian.PutUint32(slot, uint32(len(val.Str)))
			evc.setVarValue(r, i, val.Str)
		case common.LTID_DECIMAL:
			coef := int64(val.Dec.Coef())
			if val.Dec.IsNeg() {
				coef = -coef
			}
			binary.LittleEndian.PutUint64(slot, uint64(coef))
			binary.LittleEndian.PutUint32(slot[8:], uint32(val.Dec.Scale()))
			clearSlot(slot[12:])
		default:
			panic("cannot materialize type")
		}
	}
	return hasNull
}

func clearSlot(slot []byte) {
	for i := range slot {
		slot[i] = 0
	}
}

func doubleBits(f float64) uint64 {
	return math.Float64bits(f)
}

func (ctx *HashTableCtx) EvalBuildRow(r int, row common.Row) bool {
	return ctx.evalRow(r, row, ctx._buildExprs)
}

func (ctx *HashTableCtx) EvalProbeRow(r int, row common.Row) bool {
	return ctx.evalRow(r, row, ctx._probeExprs)
}

func (ctx *HashTableCtx) hashBytes(data []byte, seed uint32) uint32 {
	if ctx._level == 0 {
		return util.HashCrc32(data, seed)
	}
	return util.HashMurmur3(data, seed)
}

// HashRow hashes the materialized key at cache position r: the fixed
// region first, then each varlen slot (string bytes, or the sentinel
// image for a stored NULL).
func (ctx *HashTableCtx) HashRow(r int) uint32 {
	evc := ctx._evc
	image := evc.valuesRow(r)
	h := ctx.hashBytes(image[:evc._varBegin], ctx.seed())
	if evc._varBegin < evc._bytesPerRow {
		for i, e := range ctx._buildExprs {
			if !e.DataTyp.IsVarlen() {
				continue
			}
			if evc.nullByte(r, i) {
				off := evc._offsets[i]
				h = ctx.hashBytes(image[off:off+e.DataTyp.SlotSize()], h)
			} else {
				h = ctx.hashBytes([]byte(evc.varValue(r, i)), h)
			}
		}
	}
	evc._hashes[r] = h
	return h
}

func (ctx *HashTableCtx) Hash(r int) uint32 {
	return ctx._evc._hashes[r]
}

// Equals compares the stored build row against the materialized key at
// cache position r. Null equality follows the per-column findsNulls
// policy unless forceNullEquality overrides it.
func (ctx *HashTableCtx) Equals(r int, buildRow common.Row, forceNullEquality bool) bool {
	evc := ctx._evc
	image := evc.valuesRow(r)
	for i, e := range ctx._buildExprs {
		val := ctx._exprExec.EvalExpr(e, buildRow)
		cachedNull := evc.nullByte(r, i)
		if val.IsNull || cachedNull {
			if val.IsNull != cachedNull {
				return false
			}
			if forceNullEquality || ctx._findsNulls[i] {
				continue
			}
			return false
		}
		off := evc._offsets[i]
		switch e.DataTyp.Id {
		case common.LTID_BOOLEAN:
			b := byte(0)
			if val.Bool {
				b = 1
			}
			if image[off] != b {
				return false
			}
		case common.LTID_INTEGER:
			if int32(binary.LittleEndian.Uint32(image[off:])) != int32(val.I64) {
				return false
			}
		case common.LTID_BIGINT:
			if int64(binary.LittleEndian.Uint64(image[off:])) != val.I64 {
				return false
			}
		case common.LTID_DOUBLE:
			if binary.LittleEndian.Uint64(image[off:]) != doubleBits(val.F64) {
				return false
			}
		case common.LTID_VARCHAR:
			if evc.varValue(r, i) != val.Str {
				return false
			}
		case common.LTID_DECIMAL:
			coef := int64(val.Dec.Coef())
			if val.Dec.IsNeg() {
				coef = -coef
			}
			if int64(binary.LittleEndian.Uint64(image[off:])) != coef {
				return false
			}
			if binary.LittleEndian.Uint32(image[off+8:]) != uint32(val.Dec.Scale()) {
				return false
			}
		default:
			panic("cannot compare type")
		}
	}
	return true
}
