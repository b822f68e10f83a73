// workload.go implements the 'stmbench run' command and its workloads.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"github.com/sirupsen/logrus"

	"github.com/kolkov/tl2stm/stm"
)

// initialBalance is the starting balance of every transfer account.
const initialBalance = 1000

// Result is what a workload run produces: per-commit latencies and the
// abort count. Aborted transactions are retried until they commit, so every
// configured operation contributes exactly one latency sample.
type Result struct {
	Latencies []float64
	Aborts    int64
	Elapsed   time.Duration
}

// runCommand implements the 'stmbench run' command.
//
// Flow:
//  1. Resolve configuration (defaults, optional TOML file, flag overrides)
//  2. Create the region and seed the workload's initial state
//  3. Run the workload from a pool of workers, collecting latencies
//  4. Verify the workload invariant on the quiescent final state
//  5. Print the report
func runCommand(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "TOML configuration file")
	workload := fs.String("workload", "", "workload: transfer or counter")
	workers := fs.Int("workers", 0, "number of worker goroutines")
	ops := fs.Int("ops", 0, "committed operations per worker")
	accounts := fs.Int("accounts", 0, "accounts in the transfer workload")
	regionSize := fs.String("region-size", "", "region size, e.g. 4KiB")
	align := fs.Int("align", 0, "access alignment in bytes, a power of two")
	roRatio := fs.Float64("read-only-ratio", -1, "fraction of read-only scans in the transfer workload")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *workload != "" {
		cfg.Workload = *workload
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *ops > 0 {
		cfg.Ops = *ops
	}
	if *accounts > 0 {
		cfg.Accounts = *accounts
	}
	if *regionSize != "" {
		cfg.RegionSize = *regionSize
	}
	if *align > 0 {
		cfg.Align = *align
	}
	if *roRatio >= 0 {
		cfg.ReadOnlyRatio = *roRatio
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	regionBytes, err := cfg.Validate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logrus.SetLevel(level)

	log := logrus.WithFields(logrus.Fields{
		"workload": cfg.Workload,
		"workers":  cfg.Workers,
		"ops":      cfg.Ops,
	})
	log.Info("starting benchmark")

	r, err := stm.Create(regionBytes, cfg.Align)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating region: %v\n", err)
		os.Exit(1)
	}
	defer r.Destroy()

	var result Result
	switch cfg.Workload {
	case "transfer":
		result, err = runTransfer(r, cfg)
	case "counter":
		result, err = runCounter(r, cfg)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Workload failed: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(logrus.Fields{
		"aborts":  result.Aborts,
		"elapsed": result.Elapsed,
	}).Info("benchmark finished")

	// The region is quiescent now; anything still held or committing is a
	// protocol bug worth failing the run over.
	diag := r.Diagnostics()
	log.WithFields(logrus.Fields{
		"locks-held": diag.LocksHeld,
		"segments":   diag.Segments,
		"committers": diag.ActiveCommitters,
	}).Debug("region diagnostics")
	if diag.LocksHeld != 0 || diag.ActiveCommitters != 0 {
		fmt.Fprintf(os.Stderr, "Error: region not quiescent after run: %d locks held, %d committers\n",
			diag.LocksHeld, diag.ActiveCommitters)
		os.Exit(1)
	}

	if err := printReport(r, cfg, regionBytes, result); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commitRetrying runs body inside a transaction, retrying until it commits.
// It returns the commit latency and the number of aborts along the way.
func commitRetrying(r *stm.Region, body func(tx *stm.Tx) bool) (time.Duration, int64) {
	var aborts int64
	start := time.Now()
	for {
		tx := r.Begin(false)
		if !body(tx) {
			aborts++
			continue
		}
		if r.End(tx) {
			return time.Since(start), aborts
		}
		aborts++
	}
}

func readU64(r *stm.Region, tx *stm.Tx, addr stm.Addr) (uint64, bool) {
	var buf [8]byte
	if !r.Read(tx, addr, buf[:]) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[:]), true
}

func writeU64(r *stm.Region, tx *stm.Tx, addr stm.Addr, v uint64) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return r.Write(tx, buf[:], addr)
}

// runTransfer moves one unit between two random accounts per operation and
// verifies the total is conserved afterwards.
func runTransfer(r *stm.Region, cfg Config) (Result, error) {
	start := r.Start()

	for i := 0; i < cfg.Accounts; i++ {
		addr := start + stm.Addr(i*8)
		if _, aborts := commitRetrying(r, func(tx *stm.Tx) bool {
			return writeU64(r, tx, addr, initialBalance)
		}); aborts > 0 {
			return Result{}, errors.New("seeding aborted with no concurrency")
		}
	}

	result := runWorkers(cfg, func(rng *rand.Rand) (time.Duration, int64) {
		if cfg.ReadOnlyRatio > 0 && rng.Float64() < cfg.ReadOnlyRatio {
			return scanAccounts(r, start, cfg.Accounts)
		}
		from := rng.Intn(cfg.Accounts)
		to := rng.Intn(cfg.Accounts - 1)
		if to >= from {
			to++
		}
		fromAddr := start + stm.Addr(from*8)
		toAddr := start + stm.Addr(to*8)

		return commitRetrying(r, func(tx *stm.Tx) bool {
			a, ok := readU64(r, tx, fromAddr)
			if !ok {
				return false
			}
			b, ok := readU64(r, tx, toAddr)
			if !ok {
				return false
			}
			if a == 0 {
				// Nothing to move; an empty commit keeps the invariant.
				return true
			}
			return writeU64(r, tx, fromAddr, a-1) && writeU64(r, tx, toAddr, b+1)
		})
	})

	total, err := sumAccounts(r, start, cfg.Accounts)
	if err != nil {
		return Result{}, err
	}
	want := uint64(cfg.Accounts) * initialBalance
	if total != want {
		return Result{}, errors.Errorf(
			"conservation violated: account total %d, want %d", total, want)
	}
	logrus.WithField("total", total).Debug("transfer invariant holds")
	return result, nil
}

// runCounter increments one shared word from every worker and verifies the
// final value equals the number of committed increments.
func runCounter(r *stm.Region, cfg Config) (Result, error) {
	addr := r.Start()

	result := runWorkers(cfg, func(*rand.Rand) (time.Duration, int64) {
		return commitRetrying(r, func(tx *stm.Tx) bool {
			v, ok := readU64(r, tx, addr)
			if !ok {
				return false
			}
			return writeU64(r, tx, addr, v+1)
		})
	})

	tx := r.Begin(true)
	v, ok := readU64(r, tx, addr)
	if !ok || !r.End(tx) {
		return Result{}, errors.New("quiescent read-only scan aborted")
	}
	want := uint64(cfg.Workers * cfg.Ops)
	if v != want {
		return Result{}, errors.Errorf("lost increments: counter %d, want %d", v, want)
	}
	return result, nil
}

// runWorkers fans one operation out to cfg.Workers goroutines, cfg.Ops times
// each, and merges their latency samples.
func runWorkers(cfg Config, op func(*rand.Rand) (time.Duration, int64)) Result {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		samples = make([]float64, 0, cfg.Workers*cfg.Ops)
		aborts  int64
	)

	begin := time.Now()
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			local := make([]float64, 0, cfg.Ops)
			var localAborts int64
			for i := 0; i < cfg.Ops; i++ {
				lat, ab := op(rng)
				local = append(local, float64(lat.Nanoseconds()))
				localAborts += ab
			}
			mu.Lock()
			samples = append(samples, local...)
			aborts += localAborts
			mu.Unlock()
		}(int64(w) + 1)
	}
	wg.Wait()

	return Result{Latencies: samples, Aborts: aborts, Elapsed: time.Since(begin)}
}

// scanAccounts is the read-only operation mixed into the transfer workload:
// one snapshot scan over all accounts, retried until the reads are
// consistent.
func scanAccounts(r *stm.Region, start stm.Addr, accounts int) (time.Duration, int64) {
	var aborts int64
	began := time.Now()
	for {
		tx := r.Begin(true)
		ok := true
		for i := 0; i < accounts; i++ {
			if _, okRead := readU64(r, tx, start+stm.Addr(i*8)); !okRead {
				ok = false
				break
			}
		}
		if ok && r.End(tx) {
			return time.Since(began), aborts
		}
		aborts++
	}
}

// sumAccounts reads every account in one read-only transaction.
func sumAccounts(r *stm.Region, start stm.Addr, accounts int) (uint64, error) {
	tx := r.Begin(true)
	var total uint64
	for i := 0; i < accounts; i++ {
		v, ok := readU64(r, tx, start+stm.Addr(i*8))
		if !ok {
			return 0, errors.New("quiescent read-only scan aborted")
		}
		total += v
	}
	if !r.End(tx) {
		return 0, errors.New("read-only commit failed")
	}
	return total, nil
}
