package compute

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/storage"
	"github.com/daviszhen/exec/pkg/util"
)

func newTestCtx(t *testing.T, memLimit, blockSize int64) *ExecCtx {
	t.Helper()
	cfg := &util.Config{}
	cfg.Mem.MemLimit = memLimit
	cfg.Mem.BlockSize = blockSize
	cfg.Mem.SpillDir = t.TempDir()
	cfg.FillDefaults()
	mgr := storage.NewBlockMgr(&cfg.Mem)
	t.Cleanup(mgr.Close)
	return NewExecCtx(cfg, mgr)
}

func bigintRow(vals ...int64) common.Row {
	row := make(common.Row, len(vals))
	for i, v := range vals {
		row[i] = common.BigintValue(v)
	}
	return row
}

func nullAt(row common.Row, idx int) common.Row {
	ret := row.Copy()
	ret[idx] = common.NullValue()
	return ret
}

// multiset renders rows order-independently for comparison.
func multiset(rows []common.Row, types []common.LType) []string {
	ret := make([]string, 0, len(rows))
	for _, row := range rows {
		ret = append(ret, common.RowString(row, types))
	}
	sort.Strings(ret)
	return ret
}

func drainOperator(t *testing.T, op interface {
	GetNext(*RowBatch) (bool, error)
}, batchSize int) []common.Row {
	t.Helper()
	var rows []common.Row
	out := NewRowBatch(batchSize)
	for {
		out.Reset()
		eos, err := op.GetNext(out)
		require.NoError(t, err)
		rows = append(rows, copyRows(out.Rows())...)
		if eos {
			return rows
		}
	}
}

func copyRows(rows []common.Row) []common.Row {
	ret := make([]common.Row, len(rows))
	for i, row := range rows {
		ret[i] = row.Copy()
	}
	return ret
}
