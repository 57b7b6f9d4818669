// shardsim simulates a group of participants, each in its own goroutine, that create a ShardedTensor and
// reshard it along a sequence of axes, checking after every round that gathering it reproduces the
// original values.
//
// Example:
//
//	shardsim -ranks=4 -shape=8,4 -dims=0,1,-1 -remote -save=~/tmp/shards
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gomlx/sharding/pkg/core/collective"
	"github.com/gomlx/sharding/pkg/core/dtypes"
	"github.com/gomlx/sharding/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

var (
	flagRanks = flag.Int("ranks", 4, "Number of participants to simulate.")
	flagShape = xslices.Flag("shape", []int{8, 4}, "Comma-separated global shape of the tensor.", strconv.Atoi)
	flagDims  = xslices.Flag("dims", []int{0, 1}, "Comma-separated chunk axes: the tensor is created "+
		"chunked along the first one, and resharded along each of the following ones.", strconv.Atoi)
	flagDType   = flag.String("dtype", "float32", "DType of the tensor elements.")
	flagSeed    = flag.Int64("seed", 0, "Seed of the random values of the tensor.")
	flagRemote  = flag.Bool("remote", false, "Enable remote shards, and fetch every remote shard after each round.")
	flagSave    = flag.String("save", "", "If set, directory where each participant saves its state at the end, to be loaded back.")
	flagTimeout = flag.Duration("timeout", time.Minute, "Maximum duration of the simulation.")
	flagMetrics = flag.Bool("metrics", false, "Report the collected metrics.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %v. See 'shardsim -help'.", flag.Args())
		os.Exit(1)
	}
	if len(*flagDims) == 0 {
		klog.Errorf("At least one chunk axis must be given with -dims.")
		os.Exit(1)
	}
	dtype := must.M1(dtypes.Parse(*flagDType))

	ctx, cancel := context.WithTimeout(context.Background(), *flagTimeout)
	defer cancel()

	registry := prometheus.NewRegistry()
	sim := newSimulation(*flagRanks, *flagShape, dtype)
	must.M(sim.metrics.Register(registry))
	if err := sim.run(ctx); err != nil {
		klog.Errorf("Simulation failed: %+v", err)
		os.Exit(1)
	}

	fmt.Println(titleStyle.Render("Summary"))
	fmt.Println(sim.summaryTable().Render())
	fmt.Println(titleStyle.Render("Layout"))
	fmt.Println(sim.layoutTable().Render())
	if *flagMetrics {
		fmt.Println(titleStyle.Render("Metrics"))
		fmt.Println(must.M1(metricsTable(registry)).Render())
	}
}

// check fails with a message naming the participant.
func check(g collective.Group, ok bool, format string, args ...any) error {
	if ok {
		return nil
	}
	return errors.Errorf("rank %d: %s", g.Rank(), fmt.Sprintf(format, args...))
}
