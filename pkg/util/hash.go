// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package util

import (
	"hash/crc32"

	"github.com/spaolacci/murmur3"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// HashCrc32 folds the seed into a Castagnoli CRC over data. CRC is cheap
// and good enough at level 0; it does not re-randomize well under
// differing seeds, so deeper levels use murmur instead.
func HashCrc32(data []byte, seed uint32) uint32 {
	h := crc32.Update(seed, crcTable, data)
	// Mix the bits so that the high bits used for partitioning are
	// as good as the low bits used for bucketing.
	return (h >> 16) | (h << 16)
}

func HashMurmur3(data []byte, seed uint32) uint32 {
	return murmur3.Sum32WithSeed(data, seed)
}

func ChecksumU64(x uint64) uint64 {
	return x * 0xbf58476d1ce4e5b9
}
