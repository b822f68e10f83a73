// report.go prints the 'stmbench run' report.
package main

import (
	"fmt"

	"github.com/OneOfOne/xxhash"
	"github.com/docker/go-units"
	"github.com/montanaflynn/stats"
	"github.com/pingcap/errors"

	"github.com/kolkov/tl2stm/stm"
)

// printReport summarizes a finished run: throughput, abort rate, latency
// percentiles, and a checksum of the region's final bytes so two runs of the
// same deterministic workload can be compared.
func printReport(r *stm.Region, cfg Config, regionBytes int, result Result) error {
	committed := cfg.Workers * cfg.Ops
	throughput := float64(committed) / result.Elapsed.Seconds()
	attempts := int64(committed) + result.Aborts
	abortRate := float64(result.Aborts) / float64(attempts) * 100

	mean, err := stats.Mean(result.Latencies)
	if err != nil {
		return errors.Annotate(err, "latency mean")
	}
	p50, err := stats.Percentile(result.Latencies, 50)
	if err != nil {
		return errors.Annotate(err, "latency p50")
	}
	p99, err := stats.Percentile(result.Latencies, 99)
	if err != nil {
		return errors.Annotate(err, "latency p99")
	}
	max, err := stats.Max(result.Latencies)
	if err != nil {
		return errors.Annotate(err, "latency max")
	}

	sum, err := regionChecksum(r, regionBytes)
	if err != nil {
		return err
	}

	fmt.Printf("Workload:    %s\n", cfg.Workload)
	fmt.Printf("Region:      %s, align %d\n",
		units.BytesSize(float64(regionBytes)), cfg.Align)
	fmt.Printf("Workers:     %d x %d ops\n", cfg.Workers, cfg.Ops)
	fmt.Printf("Elapsed:     %v\n", result.Elapsed)
	fmt.Printf("Throughput:  %.0f commits/s\n", throughput)
	fmt.Printf("Aborts:      %d (%.2f%% of %d attempts)\n",
		result.Aborts, abortRate, attempts)
	fmt.Printf("Latency:     mean %.0fns  p50 %.0fns  p99 %.0fns  max %.0fns\n",
		mean, p50, p99, max)
	fmt.Printf("Checksum:    %016x\n", sum)
	return nil
}

// regionChecksum hashes the first segment's bytes through one read-only
// transaction. The run is quiescent, so the scan cannot abort.
func regionChecksum(r *stm.Region, regionBytes int) (uint64, error) {
	buf := make([]byte, regionBytes)
	tx := r.Begin(true)
	if !r.Read(tx, r.Start(), buf) {
		return 0, errors.New("checksum scan aborted on a quiescent region")
	}
	if !r.End(tx) {
		return 0, errors.New("read-only commit failed")
	}
	return xxhash.Checksum64(buf), nil
}
