// Package main implements the stmbench CLI tool.
//
// The stmbench tool drives synthetic workloads against the TL2 software
// transactional memory runtime and reports throughput, abort rates, and
// latency percentiles. It works by:
//
//  1. Loading a workload configuration (defaults, TOML file, or flags)
//  2. Creating a shared memory region sized for the workload
//  3. Running the workload from a pool of worker goroutines
//  4. Verifying the workload's consistency invariant on the final state
//  5. Printing a latency and throughput report
//
// Usage:
//
//	stmbench run                      # Run the default transfer workload
//	stmbench run -config bench.toml   # Run a configured workload
//	stmbench run -workload counter    # Pick a workload on the command line
//
// This is the CLI entry point for the standalone benchmark tool.
package main

import (
	"fmt"
	"os"

	"github.com/kolkov/tl2stm/stm"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "run":
		runCommand(os.Args[2:])
	case "version", "--version", "-v":
		info := stm.GetInfo()
		fmt.Printf("stmbench version %s (%s)\n", info.Version, info.Protocol)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`stmbench - TL2 STM Benchmark Tool

USAGE:
    stmbench <command> [arguments]

COMMANDS:
    run        Run a workload and print a report
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Run the default transfer workload
    stmbench run

    # Run from a TOML configuration file
    stmbench run -config bench.toml

    # Override the workload and concurrency on the command line
    stmbench run -workload counter -workers 16 -ops 100000

    # Size the region with a human-readable unit
    stmbench run -region-size 4KiB

WORKLOADS:
    transfer   Move units between accounts; the account total must be
               conserved, which exercises read-set validation under
               write/write and read/write conflicts.
    counter    All workers increment one shared counter; the final value
               must equal the number of committed increments, which
               exercises the commit path under maximum lock contention.

ABOUT:
    stmbench measures the TL2 protocol implemented by this repository:
    per-word versioned locks, a global version clock, speculative reads,
    and buffered writes with commit-time validation. Aborted transactions
    are retried, so the reported abort rate is the price of optimistic
    concurrency, not lost work.
`)
}
