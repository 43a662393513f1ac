package compute

import (
	"fmt"

	"github.com/xlab/treeprint"
)

// Explain renders the operator pipeline for the driver's plan output.
func Explain(op interface{}) string {
	tree := treeprint.New()
	explainInto(tree, op)
	return tree.String()
}

func explainInto(tree treeprint.Tree, op interface{}) {
	switch o := op.(type) {
	case *PartitionedAggregator:
		label := "PartitionedAggregator"
		if o._streaming {
			label = "StreamingPreaggregator"
		}
		branch := tree.AddBranch(fmt.Sprintf("%s: groups=%d aggrs=%d",
			label, o._spec.GroupCount(), len(o._spec._aggFns)))
		explainInto(branch, o._child)
	case *PartitionedHashJoin:
		branch := tree.AddBranch(fmt.Sprintf("PartitionedHashJoin: %s conjuncts=%d",
			o._node.Op, len(o._node.EquiConjuncts)))
		explainInto(branch.AddBranch("build"), o._buildSrc)
		explainInto(branch.AddBranch("probe"), o._probeSrc)
	case *MemSource:
		tree.AddNode(fmt.Sprintf("MemSource: rows=%d", len(o._rows)))
	case *ParquetSource:
		tree.AddNode(fmt.Sprintf("ParquetSource: %s", o._path))
	default:
		tree.AddNode(fmt.Sprintf("%T", op))
	}
}
