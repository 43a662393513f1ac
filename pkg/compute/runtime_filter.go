package compute

import (
	"math"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"

	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/util"
)

const (
	runtimeFilterFpp = 0.01

	// a published filter whose projected false-positive rate is above
	// this is useless; mark it always-true instead
	maxFilterErrorRate = 0.75
)

// RuntimeFilter is a bloom filter over one build-side key expression,
// published after the level-0 build for an upstream scan to consume.
type RuntimeFilter struct {
	_desc       *RuntimeFilterDesc
	_bloom      *bloom.BloomFilter
	_exec       ExprExec
	_alwaysTrue bool
	_published  bool
}

func NewRuntimeFilter(desc *RuntimeFilterDesc, expectedCount int64) *RuntimeFilter {
	if expectedCount < 1024 {
		expectedCount = 1024
	}
	return &RuntimeFilter{
		_desc:  desc,
		_bloom: bloom.NewWithEstimates(uint(expectedCount), runtimeFilterFpp),
	}
}

func (rf *RuntimeFilter) Id() int {
	return rf._desc.Id
}

func (rf *RuntimeFilter) AlwaysTrue() bool {
	return rf._alwaysTrue
}

func (rf *RuntimeFilter) Insert(row common.Row) {
	val := rf._exec.EvalExpr(rf._desc.SrcExpr, row)
	if val.IsNull {
		return
	}
	rf._bloom.Add(ndvBytes(rf._desc.SrcExpr.DataTyp, &val))
}

// Test reports whether a probe value may have a build match. An
// unpublished or always-true filter never rejects.
func (rf *RuntimeFilter) Test(val *common.Value) bool {
	if !rf._published || rf._alwaysTrue || val.IsNull {
		return true
	}
	return rf._bloom.Test(ndvBytes(rf._desc.SrcExpr.DataTyp, val))
}

// Publish finalizes the filter after the build side is consumed. When
// the projected false-positive rate for the observed build cardinality
// is past the threshold the filter is downgraded to always-true.
func (rf *RuntimeFilter) Publish(totalBuildRows int64) {
	fpp := projectedFpp(uint64(rf._bloom.Cap()), uint64(rf._bloom.K()), uint64(totalBuildRows))
	if fpp > maxFilterErrorRate {
		rf._alwaysTrue = true
	}
	rf._published = true
	util.Debug("published runtime filter",
		zap.Int("filter", rf._desc.Id),
		zap.Int64("build_rows", totalBuildRows),
		zap.Float64("projected_fpp", fpp),
		zap.Bool("always_true", rf._alwaysTrue))
}

// projectedFpp is the analytic bloom false-positive rate
// (1 - e^(-kn/m))^k for m bits, k hashes, n insertions.
func projectedFpp(m, k, n uint64) float64 {
	if m == 0 {
		return 1
	}
	return math.Pow(1-math.Exp(-float64(k)*float64(n)/float64(m)), float64(k))
}
