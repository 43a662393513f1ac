package compute

import (
	"fmt"
	"unsafe"

	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/storage"
	"github.com/daviszhen/exec/pkg/util"
)

const (
	MaxFillFactor = 0.75

	BucketNotFound = int64(-1)

	// accounting sizes; buckets and nodes are Go structs but their
	// growth is still charged against the block manager's limit
	bucketByteSize  = 48
	dupNodeByteSize = 40
)

// The first duplicate-node pages are small so tiny tables stay cheap;
// later pages are IO sized.
var initialDataPageSizes = []int64{64 * 1024, 512 * 1024}

// HtData is a bucket payload: a row id into the backing tuple stream, or
// a direct tuple pointer when the table stores tuples.
type HtData struct {
	_idx   storage.RowIdx
	_tuple unsafe.Pointer
}

type DuplicateNode struct {
	_matched bool
	_next    *DuplicateNode
	_htdata  HtData
}

type hashBucket struct {
	_filled        bool
	_matched       bool
	_hasDuplicates bool
	_hash          uint32
	_htdata        HtData
	_duplicates    *DuplicateNode
}

// RowOfFunc decodes a payload into the row the HashTableCtx evaluates
// build expressions over.
type RowOfFunc func(data HtData) common.Row

// HashTable is an open-addressed table over a tuple stream (or direct
// tuples). The stored hash filters most mismatched comparisons and makes
// resize cheap: buckets move wholesale without touching their chains.
type HashTable struct {
	_quadraticProbing bool
	_storesDuplicates bool
	_storesTuples     bool
	_stream           *storage.TupleStream
	_rowOf            RowOfFunc
	_client           *storage.BlockMgrClient

	_numBuckets               int64
	_maxNumBuckets            int64
	_numFilledBuckets         int64
	_numBucketsWithDuplicates int64
	_numRows                  int64
	_buckets                  []hashBucket

	_dupNodePages [][]DuplicateNode
	_nodeRemain   int
	_ioPageSize   int64

	_hasMatches bool

	_numProbes         int64
	_numFailedProbes   int64
	_travelLength      int64
	_numHashCollisions int64
	_numResizes        int64
}

func NewHashTable(
	quadraticProbing bool,
	storesDuplicates bool,
	storesTuples bool,
	stream *storage.TupleStream,
	rowOf RowOfFunc,
	client *storage.BlockMgrClient,
	initialNumBuckets int64,
	maxNumBuckets int64,
	ioPageSize int64,
) (*HashTable, bool) {
	ht := &HashTable{
		_quadraticProbing: quadraticProbing,
		_storesDuplicates: storesDuplicates,
		_storesTuples:     storesTuples,
		_stream:           stream,
		_rowOf:            rowOf,
		_client:           client,
		_maxNumBuckets:    maxNumBuckets,
		_ioPageSize:       ioPageSize,
	}
	util.AssertFunc(storesTuples == (stream == nil))
	numBuckets := int64(util.NextPowerOfTwo(uint64(max64(initialNumBuckets, 4))))
	if !client.ConsumeMemory(numBuckets * bucketByteSize) {
		return nil, false
	}
	ht._numBuckets = numBuckets
	ht._buckets = make([]hashBucket, numBuckets)
	return ht, true
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// EstimateNumBuckets sizes a table for numRows under the fill factor.
func EstimateNumBuckets(numRows int64) int64 {
	return int64(util.NextPowerOfTwo(uint64(max64(numRows*4/3, 4))))
}

func EstimateSize(numRows int64) int64 {
	return EstimateNumBuckets(numRows) * bucketByteSize
}

func (ht *HashTable) NumBuckets() int64 {
	return ht._numBuckets
}

func (ht *HashTable) NumFilledBuckets() int64 {
	return ht._numFilledBuckets
}

func (ht *HashTable) Size() int64 {
	return ht._numRows
}

func (ht *HashTable) MemUsage() int64 {
	ret := ht._numBuckets * bucketByteSize
	for _, page := range ht._dupNodePages {
		ret += int64(len(page)) * dupNodeByteSize
	}
	return ret
}

func (ht *HashTable) HasMatches() bool {
	return ht._hasMatches
}

func (ht *HashTable) NumResizes() int64 {
	return ht._numResizes
}

func (ht *HashTable) StatsString() string {
	return fmt.Sprintf("probes=%d failed=%d travel=%d collisions=%d resizes=%d",
		ht._numProbes, ht._numFailedProbes, ht._travelLength,
		ht._numHashCollisions, ht._numResizes)
}

func (ht *HashTable) Close() {
	if ht._buckets != nil {
		ht._client.ReleaseMemory(ht._numBuckets * bucketByteSize)
		ht._buckets = nil
	}
	for _, page := range ht._dupNodePages {
		ht._client.ReleaseMemory(int64(len(page)) * dupNodeByteSize)
	}
	ht._dupNodePages = nil
}

// probeBuckets walks the probe sequence for hash. With a ctx, buckets with
// a matching stored hash are checked for key equality; without one only an
// empty slot terminates. Returns the matching or
// first empty bucket, or BucketNotFound when the sequence exhausts.
func (ht *HashTable) probeBuckets(
	ctx *HashTableCtx,
	r int,
	hash uint32,
	forceNullEq bool,
) (int64, bool) {
	mask := ht._numBuckets - 1
	bucketIdx := int64(hash) & mask
	step := int64(0)
	ht._numProbes++
	for {
		bucket := &ht._buckets[bucketIdx]
		if !bucket._filled {
			return bucketIdx, false
		}
		if ctx != nil && bucket._hash == hash {
			if ctx.Equals(r, ht.rowOfBucket(bucket), forceNullEq) {
				return bucketIdx, true
			}
			ht._numHashCollisions++
		}
		step++
		ht._travelLength++
		if ht._quadraticProbing {
			bucketIdx = (bucketIdx + step) & mask
		} else {
			bucketIdx = (bucketIdx + 1) & mask
		}
		if step >= ht._numBuckets {
			return BucketNotFound, false
		}
	}
}

func (ht *HashTable) rowOfBucket(bucket *hashBucket) common.Row {
	if bucket._hasDuplicates {
		return ht._rowOf(bucket._duplicates._htdata)
	}
	return ht._rowOf(bucket._htdata)
}

// FindProbeRow positions an iterator on the first stored row equal to the
// key at cache position r.
func (ht *HashTable) FindProbeRow(
	ctx *HashTableCtx,
	r int,
	hash uint32,
	forceNullEq bool,
) (HtIter, bool) {
	bucketIdx, found := ht.probeBuckets(ctx, r, hash, forceNullEq)
	if !found {
		ht._numFailedProbes++
		return ht.end(), false
	}
	it := HtIter{_ht: ht, _bucketIdx: bucketIdx}
	bucket := &ht._buckets[bucketIdx]
	if bucket._hasDuplicates {
		it._node = bucket._duplicates
	}
	return it, true
}

// FindBuildRowBucket returns the bucket the key at cache position r
// belongs in, and whether it is already occupied by an equal key.
func (ht *HashTable) FindBuildRowBucket(
	ctx *HashTableCtx,
	r int,
	hash uint32,
) (int64, bool) {
	return ht.probeBuckets(ctx, r, hash, false)
}

// Insert adds the payload under the key at cache position r. Returns
// false when the table is full or a duplicate-node page cannot be
// allocated; the caller resizes or spills.
func (ht *HashTable) Insert(ctx *HashTableCtx, r int, hash uint32, data HtData) bool {
	bucketIdx, found := ht.probeBuckets(ctx, r, hash, false)
	if bucketIdx == BucketNotFound {
		return false
	}
	if found {
		if !ht._storesDuplicates {
			return false
		}
		return ht.insertDuplicate(bucketIdx, data)
	}
	ht.fillBucket(bucketIdx, hash, data)
	return true
}

// BucketData returns the payload resident in a filled bucket without
// duplicates (the aggregation path; its tables never chain).
func (ht *HashTable) BucketData(bucketIdx int64) HtData {
	bucket := &ht._buckets[bucketIdx]
	util.AssertFunc(bucket._filled && !bucket._hasDuplicates)
	return bucket._htdata
}

// InsertAt fills the empty bucket FindBuildRowBucket returned.
func (ht *HashTable) InsertAt(bucketIdx int64, hash uint32, data HtData) {
	util.AssertFunc(!ht._buckets[bucketIdx]._filled)
	ht.fillBucket(bucketIdx, hash, data)
}

func (ht *HashTable) fillBucket(bucketIdx int64, hash uint32, data HtData) {
	util.AssertFunc(float64(ht._numFilledBuckets+1) <= float64(ht._numBuckets)*MaxFillFactor)
	bucket := &ht._buckets[bucketIdx]
	bucket._filled = true
	bucket._hash = hash
	bucket._htdata = data
	ht._numFilledBuckets++
	ht._numRows++
}

func (ht *HashTable) allocDupNode() *DuplicateNode {
	if ht._nodeRemain == 0 {
		var pageBytes int64
		if len(ht._dupNodePages) < len(initialDataPageSizes) {
			pageBytes = initialDataPageSizes[len(ht._dupNodePages)]
		} else {
			pageBytes = ht._ioPageSize
		}
		count := int(pageBytes / dupNodeByteSize)
		if !ht._client.ConsumeMemory(int64(count) * dupNodeByteSize) {
			return nil
		}
		ht._dupNodePages = append(ht._dupNodePages, make([]DuplicateNode, count))
		ht._nodeRemain = count
	}
	page := ht._dupNodePages[len(ht._dupNodePages)-1]
	node := &page[len(page)-ht._nodeRemain]
	ht._nodeRemain--
	return node
}

func (ht *HashTable) insertDuplicate(bucketIdx int64, data HtData) bool {
	bucket := &ht._buckets[bucketIdx]
	if !bucket._hasDuplicates {
		// move the resident row into the chain head first
		head := ht.allocDupNode()
		if head == nil {
			return false
		}
		head._htdata = bucket._htdata
		head._matched = bucket._matched
		head._next = nil
		bucket._duplicates = head
		bucket._hasDuplicates = true
		bucket._matched = false
		ht._numBucketsWithDuplicates++
	}
	node := ht.allocDupNode()
	if node == nil {
		return false
	}
	node._htdata = data
	node._matched = false
	node._next = bucket._duplicates
	bucket._duplicates = node
	ht._numRows++
	return true
}

// CheckAndResize doubles the bucket count until n more rows fit under the
// fill factor. Returns false when the resize cannot happen; the table
// stays usable at its current size.
func (ht *HashTable) CheckAndResize(n int64, ctx *HashTableCtx) bool {
	target := ht._numBuckets
	for float64(ht._numFilledBuckets+n) > float64(target)*MaxFillFactor {
		target *= 2
	}
	if target == ht._numBuckets {
		return true
	}
	return ht.ResizeBuckets(target, ctx)
}

// ResizeBuckets rebuilds the bucket array at newCount. Buckets move
// wholesale using their stored hash; duplicate chains are untouched. On
// allocation failure the old array stays intact.
func (ht *HashTable) ResizeBuckets(newCount int64, ctx *HashTableCtx) bool {
	util.AssertFunc(util.IsPowerOfTwo(uint64(newCount)))
	util.AssertFunc(float64(ht._numFilledBuckets) <= float64(newCount)*MaxFillFactor)
	if ht._maxNumBuckets > 0 && newCount > ht._maxNumBuckets {
		return false
	}
	if !ht._client.ConsumeMemory(newCount * bucketByteSize) {
		return false
	}
	newBuckets := make([]hashBucket, newCount)
	mask := newCount - 1
	for i := range ht._buckets {
		src := &ht._buckets[i]
		if !src._filled {
			continue
		}
		bucketIdx := int64(src._hash) & mask
		step := int64(0)
		for newBuckets[bucketIdx]._filled {
			step++
			if ht._quadraticProbing {
				bucketIdx = (bucketIdx + step) & mask
			} else {
				bucketIdx = (bucketIdx + 1) & mask
			}
		}
		newBuckets[bucketIdx] = *src
	}
	ht._client.ReleaseMemory(ht._numBuckets * bucketByteSize)
	ht._buckets = newBuckets
	ht._numBuckets = newCount
	ht._numResizes++
	return true
}

func (ht *HashTable) end() HtIter {
	return HtIter{_ht: ht, _bucketIdx: ht._numBuckets}
}

// Begin iterates every stored row: each filled bucket, then its chain.
func (ht *HashTable) Begin() HtIter {
	it := HtIter{_ht: ht, _bucketIdx: -1}
	it.nextFilledBucket()
	return it
}

// FirstUnmatched iterates the rows whose matched bit is clear.
func (ht *HashTable) FirstUnmatched() HtIter {
	it := ht.Begin()
	if !it.AtEnd() && it.IsMatched() {
		it.NextUnmatched()
	}
	return it
}

type HtIter struct {
	_ht        *HashTable
	_bucketIdx int64
	_node      *DuplicateNode
}

func (it *HtIter) AtEnd() bool {
	return it._bucketIdx >= it._ht._numBuckets
}

func (it *HtIter) GetData() HtData {
	if it._node != nil {
		return it._node._htdata
	}
	return it._ht._buckets[it._bucketIdx]._htdata
}

func (it *HtIter) GetRow() common.Row {
	return it._ht._rowOf(it.GetData())
}

func (it *HtIter) SetMatched() {
	if it._node != nil {
		it._node._matched = true
	} else {
		it._ht._buckets[it._bucketIdx]._matched = true
	}
	it._ht._hasMatches = true
}

func (it *HtIter) IsMatched() bool {
	if it._node != nil {
		return it._node._matched
	}
	return it._ht._buckets[it._bucketIdx]._matched
}

// NextDuplicate advances within the current bucket's chain; past the last
// node the iterator is at end.
func (it *HtIter) NextDuplicate() {
	if it._node != nil && it._node._next != nil {
		it._node = it._node._next
	} else {
		it._node = nil
		it._bucketIdx = it._ht._numBuckets
	}
}

func (it *HtIter) nextFilledBucket() {
	it._node = nil
	for {
		it._bucketIdx++
		if it.AtEnd() {
			return
		}
		bucket := &it._ht._buckets[it._bucketIdx]
		if bucket._filled {
			if bucket._hasDuplicates {
				it._node = bucket._duplicates
			}
			return
		}
	}
}

// Next advances a full-table scan.
func (it *HtIter) Next() {
	if it._node != nil && it._node._next != nil {
		it._node = it._node._next
		return
	}
	it.nextFilledBucket()
}

// NextUnmatched advances to the next row whose matched bit is clear.
func (it *HtIter) NextUnmatched() {
	for {
		it.Next()
		if it.AtEnd() || !it.IsMatched() {
			return
		}
	}
}
