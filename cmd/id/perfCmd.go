package id

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/dClaim/cmd/util"
	"github.com/ValentinKolb/dClaim/lib/idauthority"
	"github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
)

var (
	perfCmd = &cobra.Command{
		Use:   "perf",
		Short: "Run concurrent allocators and verify that their blocks are disjoint",
		Long: `Start --workers allocators, each with its own random rid, against one store manager.
Every worker allocates --blocks blocks in the same partition and namespace. The tool
fails if two blocks overlap and prints latency percentiles of GetIDBlock.`,
		RunE: runPerf,
	}
	perfWorkers   int
	perfBlocks    int
	perfPartition uint32
	perfNamespace uint32
	perfMetrics   bool
)

func init() {
	perfCmd.Flags().IntVar(&perfWorkers, "workers", 4, util.WrapString("Number of concurrent allocators"))
	perfCmd.Flags().IntVar(&perfBlocks, "blocks", 25, util.WrapString("Blocks per allocator"))
	perfCmd.Flags().Uint32Var(&perfPartition, "partition", 0, util.WrapString("Partition to allocate in"))
	perfCmd.Flags().Uint32Var(&perfNamespace, "namespace", 0, util.WrapString("Namespace to allocate in"))
	perfCmd.Flags().BoolVar(&perfMetrics, "metrics", false, util.WrapString("Dump the dClaim counters in Prometheus format at the end"))
}

type perfBlock struct {
	worker int
	block  *idauthority.IDBlock
}

func runPerf(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	fmt.Println("Performance testing tool for the id block authority")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(backend.Config.String())
	fmt.Printf("Workers: %d, Blocks per worker: %d\n", perfWorkers, perfBlocks)
	fmt.Println()

	registry := gometrics.NewRegistry()
	timer := gometrics.GetOrRegisterTimer("id.block", registry)
	failures := gometrics.GetOrRegisterCounter("id.failures", registry)

	// one authority per worker, each with its own writer identity
	authorities := make([]*idauthority.Authority, perfWorkers)
	for i := range authorities {
		rid, err := util.RandomRID()
		if err != nil {
			return err
		}
		if authorities[i], err = backend.NewAuthority(rid); err != nil {
			return err
		}
		defer authorities[i].Close()
	}

	var (
		mu     sync.Mutex
		blocks []perfBlock
		wg     sync.WaitGroup
	)

	started := time.Now()
	for w := 0; w < perfWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < perfBlocks; i++ {
				start := time.Now()
				block, err := authorities[worker].GetIDBlock(ctx, perfPartition, perfNamespace, backend.Config.ID.Timeout)
				if err != nil {
					failures.Inc(1)
					util.Logger.Warningf("(worker %d) - error allocating block: %v", worker, err)
					if ctx.Err() != nil {
						return
					}
					continue
				}
				timer.UpdateSince(start)

				mu.Lock()
				blocks = append(blocks, perfBlock{worker: worker, block: block})
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(started)

	printTimer(timer, failures.Count(), elapsed)

	if perfMetrics {
		fmt.Println()
		metrics.WritePrometheus(os.Stdout, false)
	}

	if err := checkDisjoint(blocks); err != nil {
		return err
	}
	fmt.Printf("\n%d blocks verified disjoint\n", len(blocks))
	return nil
}

// checkDisjoint fails if two blocks with the same tag overlap
func checkDisjoint(blocks []perfBlock) error {
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].block.Tag() != blocks[j].block.Tag() {
			return blocks[i].block.Tag() < blocks[j].block.Tag()
		}
		return blocks[i].block.Start() < blocks[j].block.Start()
	})
	for i := 1; i < len(blocks); i++ {
		prev, cur := blocks[i-1], blocks[i]
		if prev.block.Tag() != cur.block.Tag() {
			continue
		}
		if cur.block.Start() < prev.block.Start()+prev.block.Size() {
			return fmt.Errorf("overlapping blocks: %s (worker %d) and %s (worker %d)",
				prev.block, prev.worker, cur.block, cur.worker)
		}
	}
	return nil
}

// printTimer prints count, rate and latency percentiles of timer
func printTimer(timer gometrics.Timer, failed int64, elapsed time.Duration) {
	snap := timer.Snapshot()
	ps := snap.Percentiles([]float64{0.5, 0.9, 0.99})

	fmt.Printf("%-12s%d ok, %d failed in %s (%.1f blocks/sec)\n", "blocks", snap.Count(), failed,
		util.FormatDuration(elapsed), float64(snap.Count())/elapsed.Seconds())
	if snap.Count() == 0 {
		return
	}
	fmt.Printf("%-12smin=%s mean=%s max=%s\n", "latency",
		util.FormatDuration(time.Duration(snap.Min())),
		util.FormatDuration(time.Duration(snap.Mean())),
		util.FormatDuration(time.Duration(snap.Max())))
	fmt.Printf("%-12sp50=%s p90=%s p99=%s\n", "percentile",
		util.FormatDuration(time.Duration(ps[0])),
		util.FormatDuration(time.Duration(ps[1])),
		util.FormatDuration(time.Duration(ps[2])))
}
