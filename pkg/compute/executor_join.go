package compute

import (
	"go.uber.org/zap"

	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/storage"
	"github.com/daviszhen/exec/pkg/util"
)

type joinState int

const (
	jsProbe joinState = iota
	jsOutputUnmatched
	jsNextPartition
	jsNullAwareProbeRows
	jsNullAwareNullProbe
	jsDone
)

// PartitionedHashJoin drives a spill-aware hash join: partition the build
// side by the top hash bits, build per-partition hash tables, stream the
// probe side, and recursively reprocess spilled partitions at deeper
// levels. All nine join modes share the machinery; the probe loop
// specializes per mode at Open.
type PartitionedHashJoin struct {
	_node     *JoinNode
	_ctx      *ExecCtx
	_buildSrc RowSource
	_probeSrc RowSource
	_client   *storage.BlockMgrClient

	_htCtx       *HashTableCtx
	_exec        ExprExec
	_buildLayout *RowLayout
	_probeLayout *RowLayout
	_fanoutBits  uint
	_maxDepth    int

	_state          joinState
	_partitions     []*JoinPartition
	_spilledParts   []*JoinPartition
	_outputBuild    []*JoinPartition
	_unmatchedIter  HtIter
	_unmatchedLive  bool
	_inputPartition *JoinPartition

	_probeRows   []common.Row
	_probePos    int
	_probeSrcEos bool

	// null-aware left anti state
	_nullAwareBuildStream *storage.TupleStream
	_naajProbeStream      *storage.TupleStream
	_nullProbeStream      *storage.TupleStream
	_matchedNullProbe     []bool
	_nullProbeRowsBuf     []common.Row
	_nullProbeLoaded      bool
	_nullsBuildRows       []common.Row
	_naajProbeRowsBuf     []common.Row
	_naajOutPos           int
	_nullProbeOutPos      int

	_filters []*RuntimeFilter

	_numSpilled      int64
	_numRepartitions int64
	_maxLevelSeen    int
	_cacheIdx        int
	_maintCounter    int
	_opened          bool
}

func NewPartitionedHashJoin(node *JoinNode, ctx *ExecCtx, buildSrc, probeSrc RowSource) *PartitionedHashJoin {
	join := &PartitionedHashJoin{
		_node:       node,
		_ctx:        ctx,
		_buildSrc:   buildSrc,
		_probeSrc:   probeSrc,
		_fanoutBits: uint(ctx.Cfg.Exec.PartitionFanoutBits),
		_maxDepth:   ctx.Cfg.Exec.MaxPartitionDepth,
	}
	if join._maxDepth > MaxPartitionLevels {
		join._maxDepth = MaxPartitionLevels
	}
	util.AssertFunc(node.Op != JoinOpNullAwareLeftAnti || len(node.EquiConjuncts) == 1)
	return join
}

func (join *PartitionedHashJoin) NumSpilledPartitions() int64 {
	return join._numSpilled
}

func (join *PartitionedHashJoin) NumRepartitions() int64 {
	return join._numRepartitions
}

func (join *PartitionedHashJoin) MaxPartitionLevel() int {
	return join._maxLevelSeen
}

func (join *PartitionedHashJoin) Filters() []*RuntimeFilter {
	return join._filters
}

// OutputTypes follows the mode: semi/anti joins project one side only.
func (join *PartitionedHashJoin) OutputTypes() []common.LType {
	switch join._node.Op {
	case JoinOpLeftSemi, JoinOpLeftAnti, JoinOpNullAwareLeftAnti:
		return join._node.ProbeTypes
	case JoinOpRightSemi, JoinOpRightAnti:
		return join._node.BuildTypes
	default:
		ret := common.CopyLTypes(join._node.ProbeTypes...)
		return append(ret, join._node.BuildTypes...)
	}
}

func (join *PartitionedHashJoin) storesNulls() bool {
	if join._node.Op.NeedsBuildMatchMarks() {
		return true
	}
	for _, conj := range join._node.EquiConjuncts {
		if conj.IsNotDistinctFrom {
			return true
		}
	}
	return false
}

func (join *PartitionedHashJoin) Open() error {
	util.AssertFunc(!join._opened)
	join._opened = true
	if err := join._buildSrc.Open(); err != nil {
		return err
	}
	if err := join._probeSrc.Open(); err != nil {
		return err
	}
	join._client = join._ctx.Mgr.RegisterClient("hash-join", 2)
	join._buildLayout = NewRowLayout(join._node.BuildTypes)
	join._probeLayout = NewRowLayout(join._node.ProbeTypes)

	buildExprs := make([]*Expr, len(join._node.EquiConjuncts))
	probeExprs := make([]*Expr, len(join._node.EquiConjuncts))
	findsNulls := make([]bool, len(join._node.EquiConjuncts))
	for i, conj := range join._node.EquiConjuncts {
		buildExprs[i] = conj.Build
		probeExprs[i] = conj.Probe
		findsNulls[i] = conj.IsNotDistinctFrom
	}
	join._htCtx = NewHashTableCtx(
		buildExprs,
		probeExprs,
		join.storesNulls(),
		findsNulls,
		1,
		join._maxDepth,
		join._ctx.Cfg.Exec.BatchSize,
	)

	if join._node.Op == JoinOpNullAwareLeftAnti {
		join._nullAwareBuildStream = storage.NewTupleStream(join._ctx.Mgr, join._client, "null-build-rows")
		join._nullAwareBuildStream.Init(false)
		join._naajProbeStream = storage.NewTupleStream(join._ctx.Mgr, join._client, "null-aware-probe-rows")
		join._naajProbeStream.Init(false)
		join._nullProbeStream = storage.NewTupleStream(join._ctx.Mgr, join._client, "null-probe-rows")
		join._nullProbeStream.Init(false)
	}
	join.initRuntimeFilters()

	if err := join.createJoinPartitions(0); err != nil {
		return err
	}
	if err := join.consumeBuildSide(); err != nil {
		return err
	}
	if err := join.buildHashTables(); err != nil {
		return err
	}
	join.publishRuntimeFilters()
	join._state = jsProbe
	return nil
}

func (join *PartitionedHashJoin) initRuntimeFilters() {
	mode := join._ctx.Cfg.Exec.RuntimeFilterMode
	if mode == util.RuntimeFilterOff || join._node.Op == JoinOpNullAwareLeftAnti {
		return
	}
	for i := range join._node.FilterDescs {
		desc := &join._node.FilterDescs[i]
		if join._ctx.Cfg.Exec.DisableRowRuntimeFiltering && !desc.AppliedOnPartitionCols {
			continue
		}
		join._filters = append(join._filters, NewRuntimeFilter(desc, join._node.EstBuildCard))
	}
}

func (join *PartitionedHashJoin) publishRuntimeFilters() {
	if len(join._filters) == 0 {
		return
	}
	total := int64(0)
	for _, part := range join._partitions {
		total += part._buildStream.NumRows()
	}
	total += join.nullAwareBuildRowCount()
	for _, rf := range join._filters {
		rf.Publish(total)
	}
}

func (join *PartitionedHashJoin) createJoinPartitions(level int) error {
	if level > join._maxDepth {
		return depthErr("hash join", join._node.Id, level)
	}
	if level > join._maxLevelSeen {
		join._maxLevelSeen = level
	}
	join._htCtx.SetLevel(level)
	fanout := 1 << join._fanoutBits
	join._partitions = make([]*JoinPartition, fanout)
	for i := 0; i < fanout; i++ {
		join._partitions[i] = newJoinPartition(join, i, level)
	}
	return nil
}

func (join *PartitionedHashJoin) consumeBuildSide() error {
	batch := NewRowBatch(join._ctx.Cfg.Exec.BatchSize)
	for {
		batch.Reset()
		eos, err := join._buildSrc.Next(batch)
		if err != nil {
			return err
		}
		for _, row := range batch.Rows() {
			if err = join.processBuildRow(row, true); err != nil {
				return err
			}
			if err = join.maintenanceTick(); err != nil {
				return err
			}
		}
		if eos {
			return nil
		}
	}
}

func (join *PartitionedHashJoin) maintenanceTick() error {
	join._maintCounter++
	if join._maintCounter >= join._ctx.MaintInterval() {
		join._maintCounter = 0
		return join._ctx.QueryMaintenance()
	}
	return nil
}

func (join *PartitionedHashJoin) nextCacheIdx() int {
	r := join._cacheIdx
	join._cacheIdx++
	if join._cacheIdx >= join._htCtx.ValuesCache().Capacity() {
		join._cacheIdx = 0
	}
	return r
}

func (join *PartitionedHashJoin) buildKeyIsNull(row common.Row) bool {
	val := join._exec.EvalExpr(join._node.EquiConjuncts[0].Build, row)
	return val.IsNull
}

func (join *PartitionedHashJoin) processBuildRow(row common.Row, level0 bool) error {
	if level0 && join._node.Op == JoinOpNullAwareLeftAnti && join.buildKeyIsNull(row) {
		return join.appendWithSpill(join._nullAwareBuildStream, join._buildLayout, row)
	}
	r := join.nextCacheIdx()
	hasNull := join._htCtx.EvalBuildRow(r, row)
	if hasNull && !join.storesNulls() {
		// dropped from the table entirely; such a key can never match
		return nil
	}
	hash := join._htCtx.HashRow(r)
	part := join._partitions[hash>>(32-join._fanoutBits)]
	if err := join.appendWithSpill(part._buildStream, join._buildLayout, row); err != nil {
		return err
	}
	if level0 {
		for _, rf := range join._filters {
			rf.Insert(row)
		}
	}
	return nil
}

// appendWithSpill appends a row, spilling the largest spillable partition
// and retrying when the memory limit is hit.
func (join *PartitionedHashJoin) appendWithSpill(ts *storage.TupleStream, layout *RowLayout, row common.Row) error {
	for {
		ok, err := appendRow(ts, layout, row)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if _, err = join.spillOnePartition(); err != nil {
			return err
		}
	}
}

// spillOnePartition picks the largest spillable partition. Partitions
// whose hash table already produced matches hold outer/anti state and
// are never eligible.
func (join *PartitionedHashJoin) spillOnePartition() (*JoinPartition, error) {
	var victim *JoinPartition
	var victimSize int64
	for _, part := range join._partitions {
		if part._isClosed || part._isSpilled {
			continue
		}
		if part._ht != nil && part._ht.HasMatches() {
			continue
		}
		sz := part.InMemSize()
		if victim == nil || sz > victimSize {
			victim = part
			victimSize = sz
		}
	}
	if victim == nil {
		return nil, memLimitErr("hash join", join._node.Id, join._htCtx.Level(),
			"no spillable partition remains")
	}
	if err := victim.Spill(); err != nil {
		return nil, err
	}
	return victim, nil
}

// buildHashTables converts every partition to its steady state: a hash
// table in memory, or spilled with an IO-sized probe-stream buffer so
// buffered probe rows cannot die for lack of memory.
func (join *PartitionedHashJoin) buildHashTables() error {
	for _, part := range join._partitions {
		if part._buildStream.NumRows() == 0 && part._probeStream.NumRows() == 0 {
			part.Close(nil)
			continue
		}
		if part._isSpilled {
			continue
		}
		built, err := part.BuildHashTable()
		if err != nil {
			return err
		}
		if !built {
			if err = part.Spill(); err != nil {
				return err
			}
		}
	}

	var pending []*JoinPartition
	for _, part := range join._partitions {
		if part._isClosed || !part._isSpilled {
			continue
		}
		if !part._probeStream.UsingIoBuffers() {
			pending = append(pending, part)
		}
	}
	for len(pending) > 0 {
		part := pending[len(pending)-1]
		pending = util.Pop(pending)
		for {
			got, err := part._probeStream.SwitchToIoBufs()
			if err != nil {
				return err
			}
			if got {
				break
			}
			victim, err := join.spillOnePartition()
			if err != nil {
				return err
			}
			if !victim._probeStream.UsingIoBuffers() {
				pending = append(pending, victim)
			}
		}
	}
	return nil
}

func (join *PartitionedHashJoin) GetNext(out *RowBatch) (bool, error) {
	if err := join._ctx.CheckCancelled(); err != nil {
		return false, err
	}
	for !out.AtCapacity() {
		switch join._state {
		case jsProbe:
			if err := join.continueProbe(out); err != nil {
				return false, err
			}
		case jsOutputUnmatched:
			join.outputUnmatchedBuild(out)
		case jsNextPartition:
			if err := join.prepareNextPartition(); err != nil {
				return false, err
			}
		case jsNullAwareProbeRows:
			if err := join.outputNullAwareProbeRows(out); err != nil {
				return false, err
			}
		case jsNullAwareNullProbe:
			if err := join.outputNullAwareNullProbe(out); err != nil {
				return false, err
			}
		case jsDone:
			return true, nil
		}
	}
	return false, nil
}

// continueProbe streams probe rows from the current input (the probe
// child at level 0, a spilled partition's probe stream afterward) until
// the output batch fills or the input drains.
func (join *PartitionedHashJoin) continueProbe(out *RowBatch) error {
	for !out.AtCapacity() {
		if join._probePos >= len(join._probeRows) {
			eos, err := join.refillProbeRows()
			if err != nil {
				return err
			}
			if eos {
				return join.cleanupPartitions(out)
			}
			continue
		}
		row := join._probeRows[join._probePos]
		join._probePos++
		if err := join.processProbeRow(row, out); err != nil {
			return err
		}
		if err := join.maintenanceTick(); err != nil {
			return err
		}
	}
	return nil
}

func (join *PartitionedHashJoin) refillProbeRows() (bool, error) {
	join._probeRows = join._probeRows[:0]
	join._probePos = 0
	if join._inputPartition == nil {
		if join._probeSrcEos {
			return true, nil
		}
		batch := NewRowBatch(join._ctx.Cfg.Exec.BatchSize)
		eos, err := join._probeSrc.Next(batch)
		if err != nil {
			return false, err
		}
		join._probeSrcEos = eos
		join._probeRows = append(join._probeRows, batch.Rows()...)
		return len(join._probeRows) == 0 && eos, nil
	}
	ts := join._inputPartition._probeStream
	for len(join._probeRows) < join._ctx.Cfg.Exec.BatchSize {
		ptr, _, eos, err := ts.GetNextPtr()
		if err != nil {
			return false, err
		}
		if eos {
			break
		}
		join._probeRows = append(join._probeRows, join._probeLayout.DecodeRow(ptr))
	}
	return len(join._probeRows) == 0, nil
}

func (join *PartitionedHashJoin) dispatchPartition(hash uint32) *JoinPartition {
	if len(join._partitions) == 1 {
		return join._partitions[0]
	}
	return join._partitions[hash>>(32-join._fanoutBits)]
}

func (join *PartitionedHashJoin) processProbeRow(row common.Row, out *RowBatch) error {
	op := join._node.Op
	r := join.nextCacheIdx()
	hasNull := join._htCtx.EvalProbeRow(r, row)
	if hasNull {
		if op == JoinOpNullAwareLeftAnti {
			join._matchedNullProbe = append(join._matchedNullProbe, false)
			return join.appendWithSpill(join._nullProbeStream, join._probeLayout, row)
		}
		if !join.findsSomeNulls() {
			return join.probeNoMatch(row, out)
		}
	}
	hash := join._htCtx.HashRow(r)
	part := join.dispatchPartition(hash)
	if part._isClosed {
		// empty build partition; the row cannot match anything
		return join.probeNoMatch(row, out)
	}
	if part._ht == nil {
		return join.appendWithSpill(part._probeStream, join._probeLayout, row)
	}
	return join.probeAndEmit(part, r, hash, row, out)
}

func (join *PartitionedHashJoin) findsSomeNulls() bool {
	for _, conj := range join._node.EquiConjuncts {
		if conj.IsNotDistinctFrom {
			return true
		}
	}
	return false
}

func (join *PartitionedHashJoin) evalOther(combined common.Row) bool {
	return join._exec.EvalConjuncts(join._node.OtherConjuncts, combined)
}

func combineRows(probe, build common.Row, probeWidth, buildWidth int) common.Row {
	ret := make(common.Row, 0, probeWidth+buildWidth)
	if probe == nil {
		for i := 0; i < probeWidth; i++ {
			ret = append(ret, common.NullValue())
		}
	} else {
		ret = append(ret, probe...)
	}
	if build == nil {
		for i := 0; i < buildWidth; i++ {
			ret = append(ret, common.NullValue())
		}
	} else {
		ret = append(ret, build...)
	}
	return ret
}

func (join *PartitionedHashJoin) combined(probe, build common.Row) common.Row {
	return combineRows(probe, build, len(join._node.ProbeTypes), len(join._node.BuildTypes))
}

// probeNoMatch handles a probe row with no build match per the mode.
func (join *PartitionedHashJoin) probeNoMatch(row common.Row, out *RowBatch) error {
	switch join._node.Op {
	case JoinOpLeftOuter, JoinOpFullOuter:
		out.AddRow(join.combined(row, nil))
	case JoinOpLeftAnti:
		out.AddRow(row.Copy())
	case JoinOpNullAwareLeftAnti:
		// a miss is only final when no NULL-keyed build rows could
		// still match through the remaining predicates
		if join.nullAwareBuildRowCount() > 0 && len(join._node.OtherConjuncts) > 0 {
			return join.appendWithSpill(join._naajProbeStream, join._probeLayout, row)
		}
		out.AddRow(row.Copy())
	}
	return nil
}

func (join *PartitionedHashJoin) nullAwareBuildRowCount() int64 {
	if join._nullAwareBuildStream == nil {
		return 0
	}
	return join._nullAwareBuildStream.NumRows()
}

// probeAndEmit is the per-mode probe loop over the key's stored rows.
func (join *PartitionedHashJoin) probeAndEmit(part *JoinPartition, r int, hash uint32, row common.Row, out *RowBatch) error {
	op := join._node.Op
	iter, _ := part._ht.FindProbeRow(join._htCtx, r, hash, false)
	matched := false
	switch op {
	case JoinOpInner:
		for ; !iter.AtEnd(); iter.NextDuplicate() {
			combined := join.combined(row, iter.GetRow())
			if !join.evalOther(combined) {
				continue
			}
			out.AddRow(combined)
		}
	case JoinOpLeftOuter, JoinOpFullOuter:
		for ; !iter.AtEnd(); iter.NextDuplicate() {
			combined := join.combined(row, iter.GetRow())
			if !join.evalOther(combined) {
				continue
			}
			matched = true
			if op == JoinOpFullOuter {
				iter.SetMatched()
			}
			out.AddRow(combined)
		}
		if !matched {
			out.AddRow(join.combined(row, nil))
		}
	case JoinOpRightOuter:
		for ; !iter.AtEnd(); iter.NextDuplicate() {
			combined := join.combined(row, iter.GetRow())
			if !join.evalOther(combined) {
				continue
			}
			iter.SetMatched()
			out.AddRow(combined)
		}
	case JoinOpLeftSemi:
		for ; !iter.AtEnd(); iter.NextDuplicate() {
			if join.evalOther(join.combined(row, iter.GetRow())) {
				out.AddRow(row.Copy())
				break
			}
		}
	case JoinOpLeftAnti, JoinOpNullAwareLeftAnti:
		for ; !iter.AtEnd(); iter.NextDuplicate() {
			if join.evalOther(join.combined(row, iter.GetRow())) {
				matched = true
				break
			}
		}
		if !matched {
			return join.probeNoMatch(row, out)
		}
	case JoinOpRightSemi:
		for ; !iter.AtEnd(); iter.NextDuplicate() {
			buildRow := iter.GetRow()
			if !join.evalOther(join.combined(row, buildRow)) {
				continue
			}
			if !iter.IsMatched() {
				iter.SetMatched()
				out.AddRow(buildRow)
			}
		}
	case JoinOpRightAnti:
		for ; !iter.AtEnd(); iter.NextDuplicate() {
			if join.evalOther(join.combined(row, iter.GetRow())) {
				iter.SetMatched()
			}
		}
	}
	return nil
}

// cleanupPartitions runs when the current probe input drains: queue
// unmatched-build output, push spilled partitions onto the work list,
// close the rest with their streams attached to the batch.
func (join *PartitionedHashJoin) cleanupPartitions(out *RowBatch) error {
	if join._node.Op == JoinOpNullAwareLeftAnti {
		for _, part := range join._partitions {
			if part._isClosed || part._ht == nil {
				continue
			}
			if err := join.evaluateNullProbe(part._buildStream); err != nil {
				return err
			}
		}
	}
	needsDrain := join._node.Op == JoinOpRightOuter ||
		join._node.Op == JoinOpRightAnti ||
		join._node.Op == JoinOpFullOuter
	inputIsCurrent := false
	for _, part := range join._partitions {
		if part == join._inputPartition {
			inputIsCurrent = true
		}
		if part._isClosed {
			continue
		}
		if part._isSpilled {
			join._spilledParts = append(join._spilledParts, part)
			continue
		}
		if needsDrain {
			join._outputBuild = append(join._outputBuild, part)
			continue
		}
		part.Close(out)
	}
	join._partitions = nil
	if join._inputPartition != nil {
		if !inputIsCurrent {
			join._inputPartition.Close(out)
		}
		join._inputPartition = nil
	}
	join._unmatchedLive = false
	if len(join._outputBuild) > 0 {
		join._state = jsOutputUnmatched
	} else {
		join._state = jsNextPartition
	}
	return nil
}

// outputUnmatchedBuild drains build rows whose matched bit stayed clear.
func (join *PartitionedHashJoin) outputUnmatchedBuild(out *RowBatch) {
	op := join._node.Op
	for len(join._outputBuild) > 0 {
		part := join._outputBuild[len(join._outputBuild)-1]
		if !join._unmatchedLive {
			join._unmatchedIter = part._ht.FirstUnmatched()
			join._unmatchedLive = true
		}
		for !join._unmatchedIter.AtEnd() && !out.AtCapacity() {
			buildRow := join._unmatchedIter.GetRow()
			if op == JoinOpRightAnti {
				out.AddRow(buildRow)
			} else {
				out.AddRow(join.combined(nil, buildRow))
			}
			join._unmatchedIter.NextUnmatched()
		}
		if !join._unmatchedIter.AtEnd() {
			return
		}
		part.Close(out)
		join._outputBuild = util.Pop(join._outputBuild)
		join._unmatchedLive = false
	}
	join._state = jsNextPartition
}

// prepareNextPartition pops a spilled partition and either rebuilds its
// hash table at the same level (when it plausibly fits) or repartitions
// it one level deeper.
func (join *PartitionedHashJoin) prepareNextPartition() error {
	if len(join._spilledParts) == 0 {
		if join._node.Op == JoinOpNullAwareLeftAnti {
			join._state = jsNullAwareProbeRows
		} else {
			join._state = jsDone
		}
		return nil
	}
	part := join._spilledParts[len(join._spilledParts)-1]
	join._spilledParts = util.Pop(join._spilledParts)

	if part.EstimatedInMemSize() <= join._ctx.Mgr.MemAvailable() {
		built, err := part.BuildHashTable()
		if err != nil {
			return err
		}
		if built {
			join._partitions = []*JoinPartition{part}
			join._inputPartition = part
			return join.startProbeSpilled(part)
		}
	}
	return join.repartition(part)
}

func (join *PartitionedHashJoin) startProbeSpilled(part *JoinPartition) error {
	got, err := part._probeStream.PrepareForRead(false)
	if err != nil {
		return err
	}
	if !got {
		return memLimitErr("hash join", join._node.Id, part._level,
			"cannot prepare spilled probe stream for reading")
	}
	join._probeRows = join._probeRows[:0]
	join._probePos = 0
	join._state = jsProbe
	return nil
}

// repartition replays a spilled partition's build rows into a fresh set
// of partitions at the next level, then replays its probe rows.
func (join *PartitionedHashJoin) repartition(part *JoinPartition) error {
	level := part._level + 1
	join._numRepartitions++
	util.Info("repartitioning join partition",
		zap.Int("node", join._node.Id),
		zap.Int("level", level),
		zap.Int64("build_rows", part._buildStream.NumRows()))
	if err := join.createJoinPartitions(level); err != nil {
		return err
	}

	inputRows := part._buildStream.NumRows()
	got, err := part._buildStream.PrepareForRead(false)
	if err != nil {
		return err
	}
	if !got {
		return memLimitErr("hash join", join._node.Id, level,
			"cannot prepare spilled build stream for reading")
	}
	for {
		ptr, _, eos, err2 := part._buildStream.GetNextPtr()
		if err2 != nil {
			return err2
		}
		if eos {
			break
		}
		row := join._buildLayout.DecodeRow(ptr)
		if err2 = join.processBuildRow(row, false); err2 != nil {
			return err2
		}
		if err2 = join.maintenanceTick(); err2 != nil {
			return err2
		}
	}

	largest := int64(0)
	for _, child := range join._partitions {
		if n := child._buildStream.NumRows(); n > largest {
			largest = n
		}
	}
	if largest >= inputRows && largest > 0 {
		return repartitionErr("hash join", join._node.Id, level, inputRows, largest)
	}
	if err = join.buildHashTables(); err != nil {
		return err
	}
	join._inputPartition = part
	return join.startProbeSpilled(part)
}

// ensureNullProbeRows pins the null-keyed probe rows into memory once.
func (join *PartitionedHashJoin) ensureNullProbeRows() error {
	if join._nullProbeLoaded {
		return nil
	}
	join._nullProbeLoaded = true
	if join._nullProbeStream.NumRows() == 0 {
		return nil
	}
	got, err := join._nullProbeStream.PrepareForRead(true)
	if err != nil {
		return err
	}
	if !got {
		return nullAwareErr("probe")
	}
	for {
		ptr, _, eos, err2 := join._nullProbeStream.GetNextPtr()
		if err2 != nil {
			return err2
		}
		if eos {
			return nil
		}
		join._nullProbeRowsBuf = append(join._nullProbeRowsBuf, join._probeLayout.DecodeRow(ptr))
	}
}

// evaluateNullProbe checks the null-keyed probe rows against one build
// stream: any build row satisfying the non-equi predicates suppresses
// the probe row under anti-join semantics.
func (join *PartitionedHashJoin) evaluateNullProbe(build *storage.TupleStream) error {
	if join._nullProbeStream == nil || join._nullProbeStream.NumRows() == 0 {
		return nil
	}
	if err := join.ensureNullProbeRows(); err != nil {
		return err
	}
	buildRows, err := join.readWholeStream(build, join._buildLayout, "build")
	if err != nil {
		return err
	}
	for i, probeRow := range join._nullProbeRowsBuf {
		if join._matchedNullProbe[i] {
			continue
		}
		for _, buildRow := range buildRows {
			if join.evalOther(join.combined(probeRow, buildRow)) {
				join._matchedNullProbe[i] = true
				break
			}
		}
	}
	return nil
}

// readWholeStream pins a stream and decodes every row; failing to pin
// means the null set cannot be processed in bounded memory.
func (join *PartitionedHashJoin) readWholeStream(ts *storage.TupleStream, layout *RowLayout, side string) ([]common.Row, error) {
	if ts.NumRows() == 0 {
		return nil, nil
	}
	got, err := ts.PrepareForRead(true)
	if err != nil {
		return nil, err
	}
	if !got {
		return nil, nullAwareErr(side)
	}
	ret := make([]common.Row, 0, ts.NumRows())
	for {
		ptr, _, eos, err2 := ts.GetNextPtr()
		if err2 != nil {
			return nil, err2
		}
		if eos {
			return ret, nil
		}
		ret = append(ret, layout.DecodeRow(ptr))
	}
}

// outputNullAwareProbeRows resolves the staged probe misses against the
// NULL-keyed build rows through the non-equi predicates.
func (join *PartitionedHashJoin) outputNullAwareProbeRows(out *RowBatch) error {
	if join._naajProbeRowsBuf == nil {
		var err error
		join._nullsBuildRows, err = join.readWholeStream(join._nullAwareBuildStream, join._buildLayout, "build")
		if err != nil {
			return err
		}
		join._naajProbeRowsBuf, err = join.readWholeStream(join._naajProbeStream, join._probeLayout, "probe")
		if err != nil {
			return err
		}
		if join._naajProbeRowsBuf == nil {
			join._naajProbeRowsBuf = []common.Row{}
		}
	}
	for join._naajOutPos < len(join._naajProbeRowsBuf) && !out.AtCapacity() {
		probeRow := join._naajProbeRowsBuf[join._naajOutPos]
		join._naajOutPos++
		matched := false
		for _, buildRow := range join._nullsBuildRows {
			if join.evalOther(join.combined(probeRow, buildRow)) {
				matched = true
				break
			}
		}
		if !matched {
			out.AddRow(probeRow)
		}
	}
	if join._naajOutPos >= len(join._naajProbeRowsBuf) {
		if err := join.evaluateNullProbe(join._nullAwareBuildStream); err != nil {
			return err
		}
		join._state = jsNullAwareNullProbe
	}
	return nil
}

// outputNullAwareNullProbe emits the null-keyed probe rows that matched
// no build row anywhere.
func (join *PartitionedHashJoin) outputNullAwareNullProbe(out *RowBatch) error {
	if err := join.ensureNullProbeRows(); err != nil {
		return err
	}
	for join._nullProbeOutPos < len(join._nullProbeRowsBuf) && !out.AtCapacity() {
		i := join._nullProbeOutPos
		join._nullProbeOutPos++
		if !join._matchedNullProbe[i] {
			out.AddRow(join._nullProbeRowsBuf[i])
		}
	}
	if join._nullProbeOutPos >= len(join._nullProbeRowsBuf) {
		join._state = jsDone
	}
	return nil
}

func (join *PartitionedHashJoin) Close() {
	for _, part := range join._partitions {
		part.Close(nil)
	}
	for _, part := range join._spilledParts {
		part.Close(nil)
	}
	for _, part := range join._outputBuild {
		part.Close(nil)
	}
	if join._inputPartition != nil {
		join._inputPartition.Close(nil)
		join._inputPartition = nil
	}
	for _, ts := range []*storage.TupleStream{
		join._nullAwareBuildStream, join._naajProbeStream, join._nullProbeStream,
	} {
		if ts != nil {
			ts.Close()
		}
	}
	join._partitions = nil
	join._spilledParts = nil
	join._outputBuild = nil
	join._buildSrc.Close()
	join._probeSrc.Close()
}
