package compute

import (
	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/storage"
)

// RowBatch is a bounded vector of rows flowing between operators. Tuple
// streams can be attached for lazy reclaim: their blocks stay alive until
// the consumer resets the batch.
type RowBatch struct {
	_rows     []common.Row
	_capacity int
	_attached []*storage.TupleStream
}

func NewRowBatch(capacity int) *RowBatch {
	return &RowBatch{
		_rows:     make([]common.Row, 0, capacity),
		_capacity: capacity,
	}
}

func (batch *RowBatch) Capacity() int {
	return batch._capacity
}

func (batch *RowBatch) Card() int {
	return len(batch._rows)
}

func (batch *RowBatch) AtCapacity() bool {
	return len(batch._rows) >= batch._capacity
}

func (batch *RowBatch) AddRow(row common.Row) {
	batch._rows = append(batch._rows, row)
}

func (batch *RowBatch) Row(i int) common.Row {
	return batch._rows[i]
}

func (batch *RowBatch) Rows() []common.Row {
	return batch._rows
}

// AttachStream hands a stream's lifetime to this batch.
func (batch *RowBatch) AttachStream(ts *storage.TupleStream) {
	batch._attached = append(batch._attached, ts)
}

func (batch *RowBatch) Reset() {
	batch._rows = batch._rows[:0]
	for _, ts := range batch._attached {
		ts.Close()
	}
	batch._attached = nil
}
