package compute

import (
	"fmt"

	pqLocal "github.com/xitongsys/parquet-go-source/local"
	pqReader "github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"

	"github.com/daviszhen/exec/pkg/common"
)

// MemSource serves rows from memory; the demo driver and tests feed the
// operators with it.
type MemSource struct {
	_rows  []common.Row
	_types []common.LType
	_pos   int
	_batch int
}

func NewMemSource(types []common.LType, rows []common.Row, batchSize int) *MemSource {
	return &MemSource{
		_rows:  rows,
		_types: types,
		_batch: batchSize,
	}
}

func (src *MemSource) Open() error {
	src._pos = 0
	return nil
}

func (src *MemSource) Next(batch *RowBatch) (bool, error) {
	for src._pos < len(src._rows) && !batch.AtCapacity() {
		batch.AddRow(src._rows[src._pos])
		src._pos++
	}
	return src._pos >= len(src._rows), nil
}

func (src *MemSource) Close() {}

// ParquetSource reads a parquet file column-wise into row batches.
type ParquetSource struct {
	_path   string
	_types  []common.LType
	_file   source.ParquetFile
	_reader *pqReader.ParquetReader
	_rowPos int64
	_total  int64
	_batch  int
}

func NewParquetSource(path string, types []common.LType, batchSize int) *ParquetSource {
	return &ParquetSource{
		_path:  path,
		_types: types,
		_batch: batchSize,
	}
}

func (src *ParquetSource) Open() error {
	var err error
	src._file, err = pqLocal.NewLocalFileReader(src._path)
	if err != nil {
		return err
	}
	src._reader, err = pqReader.NewParquetColumnReader(src._file, 1)
	if err != nil {
		return err
	}
	src._total = src._reader.GetNumRows()
	src._rowPos = 0
	return nil
}

func (src *ParquetSource) Next(batch *RowBatch) (bool, error) {
	remain := src._total - src._rowPos
	if remain <= 0 {
		return true, nil
	}
	count := int64(src._batch)
	if count > remain {
		count = remain
	}
	cols := make([][]interface{}, len(src._types))
	for i := range src._types {
		vals, _, _, err := src._reader.ReadColumnByIndex(int64(i), count)
		if err != nil {
			return false, err
		}
		cols[i] = vals
	}
	for r := int64(0); r < count; r++ {
		row := make(common.Row, len(src._types))
		for i, typ := range src._types {
			val, err := parquetFieldToValue(cols[i][r], typ)
			if err != nil {
				return false, err
			}
			row[i] = val
		}
		batch.AddRow(row)
	}
	src._rowPos += count
	return src._rowPos >= src._total, nil
}

func (src *ParquetSource) Close() {
	if src._reader != nil {
		src._reader.ReadStop()
	}
	if src._file != nil {
		_ = src._file.Close()
	}
}

func parquetFieldToValue(field interface{}, typ common.LType) (common.Value, error) {
	if field == nil {
		return common.NullValue(), nil
	}
	switch typ.Id {
	case common.LTID_INTEGER, common.LTID_BIGINT:
		switch v := field.(type) {
		case int32:
			return common.BigintValue(int64(v)), nil
		case int64:
			return common.BigintValue(v), nil
		}
	case common.LTID_DOUBLE:
		switch v := field.(type) {
		case float32:
			return common.DoubleValue(float64(v)), nil
		case float64:
			return common.DoubleValue(v), nil
		}
	case common.LTID_VARCHAR:
		if v, ok := field.(string); ok {
			return common.VarcharValue(v), nil
		}
	case common.LTID_DECIMAL:
		switch v := field.(type) {
		case int32:
			return common.DecimalValue(common.NewDecimal(int64(v), typ.Scale)), nil
		case int64:
			return common.DecimalValue(common.NewDecimal(v, typ.Scale)), nil
		}
	}
	return common.Value{}, fmt.Errorf("cannot convert parquet field %T to %s", field, typ)
}
