package compute

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/storage"
	"github.com/daviszhen/exec/pkg/util"
)

type JoinOp int

const (
	JoinOpInner JoinOp = iota
	JoinOpLeftOuter
	JoinOpLeftSemi
	JoinOpLeftAnti
	JoinOpNullAwareLeftAnti
	JoinOpRightOuter
	JoinOpRightSemi
	JoinOpRightAnti
	JoinOpFullOuter
)

func (op JoinOp) String() string {
	switch op {
	case JoinOpInner:
		return "inner"
	case JoinOpLeftOuter:
		return "left outer"
	case JoinOpLeftSemi:
		return "left semi"
	case JoinOpLeftAnti:
		return "left anti"
	case JoinOpNullAwareLeftAnti:
		return "null aware left anti"
	case JoinOpRightOuter:
		return "right outer"
	case JoinOpRightSemi:
		return "right semi"
	case JoinOpRightAnti:
		return "right anti"
	case JoinOpFullOuter:
		return "full outer"
	default:
		return "unknown"
	}
}

// NeedsBuildMatchMarks reports whether the join sets matched marks on build
// rows (right outer, right semi, right anti and full outer).
func (op JoinOp) NeedsBuildMatchMarks() bool {
	switch op {
	case JoinOpRightOuter, JoinOpRightSemi, JoinOpRightAnti, JoinOpFullOuter:
		return true
	default:
		return false
	}
}

var (
	ErrMemLimitExceeded           = errors.New("memory limit exceeded")
	ErrRepartitionNoProgress      = errors.New("repartitioning did not reduce the largest partition")
	ErrDepthExceeded              = errors.New("partition depth limit exceeded")
	ErrNullAwareAntiJoinUnbounded = errors.New("too many NULLs for null aware anti join")
	ErrCancelled                  = errors.New("query cancelled")
)

func memLimitErr(op string, id, level int, detail string) error {
	return fmt.Errorf("%w: op=%s id=%d level=%d %s", ErrMemLimitExceeded, op, id, level, detail)
}

func repartitionErr(op string, id, level int, inputRows, largestChild int64) error {
	return fmt.Errorf("%w: %w: op=%s id=%d level=%d input_rows=%d largest_child=%d",
		ErrMemLimitExceeded, ErrRepartitionNoProgress, op, id, level, inputRows, largestChild)
}

func depthErr(op string, id, level int) error {
	return fmt.Errorf("%w: %w: op=%s id=%d level=%d", ErrMemLimitExceeded, ErrDepthExceeded, op, id, level)
}

func nullAwareErr(side string) error {
	return fmt.Errorf("%w on the %s side", ErrNullAwareAntiJoinUnbounded, side)
}

// ExecCtx carries the per-fragment runtime: configuration, the block
// manager, cancellation, and per-batch scratch reclamation.
type ExecCtx struct {
	Cfg *util.Config
	Mgr *storage.BlockMgr

	_cancelled     atomic.Bool
	_scratchFrees  []func()
	_maintInterval int
}

// NewExecCtx wraps a filled-in config (see Config.FillDefaults) and the
// fragment's block manager.
func NewExecCtx(cfg *util.Config, mgr *storage.BlockMgr) *ExecCtx {
	util.AssertFunc(cfg.Exec.BatchSize > 0 && cfg.Exec.PartitionFanoutBits > 0)
	return &ExecCtx{
		Cfg:            cfg,
		Mgr:            mgr,
		_maintInterval: int(util.NextPowerOfTwo(uint64(cfg.Exec.BatchSize))),
	}
}

func (ctx *ExecCtx) Cancel() {
	ctx._cancelled.Store(true)
}

func (ctx *ExecCtx) CheckCancelled() error {
	if ctx._cancelled.Load() {
		return ErrCancelled
	}
	return nil
}

// AddScratch registers a per-batch scratch releaser freed by the next
// QueryMaintenance call.
func (ctx *ExecCtx) AddScratch(free func()) {
	ctx._scratchFrees = append(ctx._scratchFrees, free)
}

// QueryMaintenance frees per-batch expression scratch. Long inner loops
// call it every MaintInterval iterations to bound cancellation latency.
func (ctx *ExecCtx) QueryMaintenance() error {
	for _, free := range ctx._scratchFrees {
		free()
	}
	ctx._scratchFrees = ctx._scratchFrees[:0]
	return ctx.CheckCancelled()
}

func (ctx *ExecCtx) MaintInterval() int {
	return ctx._maintInterval
}

// RowSource produces row batches; the operators pull from it.
type RowSource interface {
	Open() error
	Next(batch *RowBatch) (bool, error)
	Close()
}

type AggOp int

const (
	AggOpCount AggOp = iota
	AggOpCountStar
	AggOpSum
	AggOpMin
	AggOpMax
	AggOpAvg
	AggOpNdv
)

func (op AggOp) String() string {
	switch op {
	case AggOpCount:
		return "count"
	case AggOpCountStar:
		return "count(*)"
	case AggOpSum:
		return "sum"
	case AggOpMin:
		return "min"
	case AggOpMax:
		return "max"
	case AggOpAvg:
		return "avg"
	case AggOpNdv:
		return "ndv"
	default:
		return "unknown"
	}
}

// AggFnDesc describes one aggregate in the plan: the operation, its input
// expression (nil for count(*)), and the declared output type.
type AggFnDesc struct {
	Op      AggOp
	Child   *Expr
	RetType common.LType
}

// AggNode is the plan-node descriptor for the partitioned aggregator.
// A merge node consumes serialized intermediates produced by an upstream
// partial aggregation instead of raw rows.
type AggNode struct {
	Id            int
	GroupingExprs []*Expr
	AggFns        []*AggFnDesc
	NeedsFinalize bool
	IsMerge       bool
	InputTypes    []common.LType
	EstInputCard  int64
}

// JoinConjunct is one equi-join pair. Build is evaluated over build rows,
// Probe over probe rows. IsNotDistinctFrom makes NULL equal NULL.
type JoinConjunct struct {
	Build             *Expr
	Probe             *Expr
	IsNotDistinctFrom bool
}

// RuntimeFilterDesc describes one bloom filter the join publishes from
// its build side for an upstream scan.
type RuntimeFilterDesc struct {
	Id                     int
	SrcExpr                *Expr
	AppliedOnPartitionCols bool
}

// JoinNode is the plan-node descriptor for the partitioned hash join.
// OtherConjuncts are evaluated over the combined row
// (probe columns, then build columns).
type JoinNode struct {
	Id             int
	Op             JoinOp
	EquiConjuncts  []JoinConjunct
	OtherConjuncts []*Expr
	ProbeTypes     []common.LType
	BuildTypes     []common.LType
	EstBuildCard   int64
	FilterDescs    []RuntimeFilterDesc
}
