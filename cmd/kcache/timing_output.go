package main

import (
	"fmt"
	"io"
	"time"

	"kcache/internal/buildpipeline"
)

// printStageTimings prints per-stage totals across results. Kernels compiled
// in parallel overlap, so the sums can exceed the wall-clock build phase.
func printStageTimings(out io.Writer, results []buildpipeline.Result) {
	for _, stage := range []buildpipeline.Stage{buildpipeline.StageLower, buildpipeline.StageAssemble} {
		var total time.Duration
		counts := map[buildpipeline.Source]int{}
		for _, res := range results {
			if !res.Timings.Has(stage) {
				continue
			}
			total += res.Timings.Duration(stage)
			counts[res.Sources[stage]]++
		}
		fmt.Fprintf(out, "  %-24s %9.2f ms  // %d compiled, %d disk, %d memory\n",
			string(stage)+" (sum)", toMillis(total),
			counts[buildpipeline.SourceCompiled], counts[buildpipeline.SourceDisk], counts[buildpipeline.SourceMemory])
	}
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
