package compute

import (
	"github.com/daviszhen/exec/pkg/common"
)

// AggSpec precomputes the layouts a grouping aggregation runs on: the
// in-memory intermediate tuple (group key slots then inline state slots),
// its self-contained serialized form, and the operator output schema.
type AggSpec struct {
	_node       *AggNode
	_groupTypes []common.LType
	_aggFns     []*AggFn

	_interLayout *RowLayout
	_serLayout   *RowLayout
	_inputLayout *RowLayout

	_outputTypes []common.LType

	// true when any state is registry backed and spilling must
	// serialize through the serialize stream
	_needsSerialize bool
}

func NewAggSpec(node *AggNode) *AggSpec {
	spec := &AggSpec{_node: node}
	for _, e := range node.GroupingExprs {
		spec._groupTypes = append(spec._groupTypes, e.DataTyp)
	}

	interTypes := common.CopyLTypes(spec._groupTypes...)
	serTypes := common.CopyLTypes(spec._groupTypes...)
	outTypes := common.CopyLTypes(spec._groupTypes...)
	stateCol := len(spec._groupTypes)
	for _, desc := range node.AggFns {
		fn := &AggFn{_desc: desc, _stateCol: stateCol}
		if desc.Child != nil {
			fn._childTyp = desc.Child.DataTyp
		}
		spec._aggFns = append(spec._aggFns, fn)
		st := fn.stateTypes()
		interTypes = append(interTypes, st...)
		serTypes = append(serTypes, fn.serializedTypes()...)
		outTypes = append(outTypes, fn.retType())
		stateCol += len(st)
		if fn.regBacked() {
			spec._needsSerialize = true
		}
	}
	spec._interLayout = NewRowLayout(interTypes)
	spec._serLayout = NewRowLayout(serTypes)
	spec._inputLayout = NewRowLayout(node.InputTypes)
	spec._outputTypes = outTypes
	return spec
}

func (spec *AggSpec) GroupCount() int {
	return len(spec._groupTypes)
}

func (spec *AggSpec) OutputTypes() []common.LType {
	return spec._outputTypes
}

// groupingBuildExprs are column refs into the decoded group-key prefix of
// a stored intermediate tuple; the hash context evaluates them when it
// compares a candidate against a resident group.
func (spec *AggSpec) groupingBuildExprs() []*Expr {
	ret := make([]*Expr, len(spec._groupTypes))
	for i, typ := range spec._groupTypes {
		ret[i] = ColRefExpr(i, typ)
	}
	return ret
}
