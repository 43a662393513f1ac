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

package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daviszhen/exec/pkg/common"
	"github.com/daviszhen/exec/pkg/compute"
	"github.com/daviszhen/exec/pkg/storage"
	"github.com/daviszhen/exec/pkg/util"
)

var (
	cfgFile   string
	fragments int
	buildRows int
	probeRows int
	keySpace  int
)

var rootCmd = &cobra.Command{
	Use:   "exec",
	Short: "drive the partitioned aggregation and hash join operators",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runDemo(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (TOML)")
	rootCmd.Flags().IntVar(&fragments, "fragments", 2, "concurrent fragment instances")
	rootCmd.Flags().IntVar(&buildRows, "build-rows", 1<<16, "build side rows")
	rootCmd.Flags().IntVar(&probeRows, "probe-rows", 1<<18, "probe side rows")
	rootCmd.Flags().IntVar(&keySpace, "key-space", 1<<12, "distinct join/group keys")
}

func loadConfig() (*util.Config, error) {
	cfg := &util.Config{}
	path := cfgFile
	if path == "" {
		viper.SetConfigName("exec")
		viper.SetConfigType("toml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("etc")
		if err := viper.ReadInConfig(); err == nil {
			path = viper.ConfigFileUsed()
		}
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, err
		}
		util.Info("loaded config", zap.String("path", path))
	}
	cfg.FillDefaults()
	return cfg, nil
}

func genRows(n int, rng *rand.Rand) []common.Row {
	rows := make([]common.Row, n)
	for i := 0; i < n; i++ {
		rows[i] = common.Row{
			common.BigintValue(int64(rng.Intn(keySpace))),
			common.BigintValue(int64(i)),
		}
	}
	return rows
}

func runFragment(id int, cfg *util.Config) error {
	mgr := storage.NewBlockMgr(&cfg.Mem)
	defer mgr.Close()
	ctx := compute.NewExecCtx(cfg, mgr)
	rng := rand.New(rand.NewSource(int64(id) + 1))

	types := []common.LType{common.BigintType(), common.BigintType()}
	buildSrc := compute.NewMemSource(types, genRows(buildRows, rng), cfg.Exec.BatchSize)
	probeSrc := compute.NewMemSource(types, genRows(probeRows, rng), cfg.Exec.BatchSize)

	joinNode := &compute.JoinNode{
		Id: 1,
		Op: compute.JoinOpInner,
		EquiConjuncts: []compute.JoinConjunct{{
			Build: compute.ColRefExpr(0, common.BigintType()),
			Probe: compute.ColRefExpr(0, common.BigintType()),
		}},
		ProbeTypes:   types,
		BuildTypes:   types,
		EstBuildCard: int64(buildRows),
		FilterDescs: []compute.RuntimeFilterDesc{{
			Id:                     1,
			SrcExpr:                compute.ColRefExpr(0, common.BigintType()),
			AppliedOnPartitionCols: true,
		}},
	}
	join := compute.NewPartitionedHashJoin(joinNode, ctx, buildSrc, probeSrc)

	aggNode := &compute.AggNode{
		Id:            2,
		GroupingExprs: []*compute.Expr{compute.ColRefExpr(0, common.BigintType())},
		AggFns: []*compute.AggFnDesc{
			{Op: compute.AggOpCountStar, RetType: common.BigintType()},
			{Op: compute.AggOpSum, Child: compute.ColRefExpr(3, common.BigintType()), RetType: common.BigintType()},
			{Op: compute.AggOpNdv, Child: compute.ColRefExpr(1, common.BigintType()), RetType: common.BigintType()},
		},
		NeedsFinalize: true,
		InputTypes:    append(common.CopyLTypes(types...), types...),
		EstInputCard:  int64(probeRows),
	}
	agg := compute.NewPartitionedAggregator(aggNode, ctx, &joinSource{join: join, batch: cfg.Exec.BatchSize})

	if cfg.Debug.PrintPlan && id == 0 {
		fmt.Print(compute.Explain(agg))
	}

	if err := agg.Open(); err != nil {
		return err
	}
	defer agg.Close()

	out := compute.NewRowBatch(cfg.Exec.BatchSize)
	total := int64(0)
	for {
		out.Reset()
		eos, err := agg.GetNext(out)
		if err != nil {
			return err
		}
		total += int64(out.Card())
		if cfg.Debug.PrintResult {
			for _, row := range out.Rows() {
				fmt.Println(common.RowString(row, agg.OutputTypes()))
			}
		}
		if eos {
			break
		}
	}
	util.Info("fragment finished",
		zap.Int("fragment", id),
		zap.Int64("groups", total),
		zap.Int64("join_spilled_partitions", join.NumSpilledPartitions()),
		zap.Int64("join_repartitions", join.NumRepartitions()),
		zap.Int64("agg_spilled_partitions", agg.NumSpilledPartitions()),
		zap.Int64("peak_mem", mgr.PeakMem()))
	return nil
}

// joinSource adapts the join operator to the RowSource the aggregator
// pulls from.
type joinSource struct {
	join  *compute.PartitionedHashJoin
	batch int
}

func (src *joinSource) Open() error {
	return src.join.Open()
}

func (src *joinSource) Next(batch *compute.RowBatch) (bool, error) {
	return src.join.GetNext(batch)
}

func (src *joinSource) Close() {
	src.join.Close()
}

func runDemo(cfg *util.Config) error {
	var group errgroup.Group
	for i := 0; i < fragments; i++ {
		id := i
		group.Go(func() error {
			return runFragment(id, cfg)
		})
	}
	return group.Wait()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		util.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}
