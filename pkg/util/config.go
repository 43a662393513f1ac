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

const (
	RuntimeFilterOff    = "off"
	RuntimeFilterLocal  = "local"
	RuntimeFilterGlobal = "global"

	PrefetchNone     = "none"
	PrefetchHtBucket = "ht_bucket"
)

type ExecOptions struct {
	BatchSize                  int    `toml:"batchSize"`
	EnableQuadraticProbing     bool   `toml:"enableQuadraticProbing"`
	RuntimeFilterMode          string `toml:"runtimeFilterMode"`
	DisableRowRuntimeFiltering bool   `toml:"disableRowRuntimeFiltering"`
	PrefetchMode               string `toml:"prefetchMode"`
	StreamingPreaggregation    bool   `toml:"streamingPreaggregation"`
	MaxPartitionDepth          int    `toml:"maxPartitionDepth"`
	PartitionFanoutBits        int    `toml:"partitionFanoutBits"`
}

type MemOptions struct {
	BlockSize int64  `toml:"blockSize"`
	MemLimit  int64  `toml:"memLimit"`
	SpillDir  string `toml:"spillDir"`
}

type DebugOptions struct {
	PrintPlan         bool `toml:"printPlan"`
	PrintResult       bool `toml:"printResult"`
	MaxOutputRowCount int  `toml:"maxOutputRowCount"`
}

type Config struct {
	Exec  ExecOptions  `toml:"exec"`
	Mem   MemOptions   `toml:"mem"`
	Debug DebugOptions `toml:"debug"`
}

func (cfg *Config) FillDefaults() {
	if cfg.Exec.BatchSize <= 0 {
		cfg.Exec.BatchSize = 1024
	}
	if cfg.Exec.RuntimeFilterMode == "" {
		cfg.Exec.RuntimeFilterMode = RuntimeFilterLocal
	}
	if cfg.Exec.PrefetchMode == "" {
		cfg.Exec.PrefetchMode = PrefetchHtBucket
	}
	if cfg.Exec.MaxPartitionDepth <= 0 {
		cfg.Exec.MaxPartitionDepth = 16
	}
	if cfg.Exec.PartitionFanoutBits <= 0 {
		cfg.Exec.PartitionFanoutBits = 4
	}
	if cfg.Mem.BlockSize <= 0 {
		cfg.Mem.BlockSize = 8 << 20
	}
	if cfg.Mem.MemLimit <= 0 {
		cfg.Mem.MemLimit = 1 << 30
	}
}
