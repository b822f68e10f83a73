// config.go implements workload configuration for the 'stmbench run' command.
package main

import (
	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
)

// Config describes one benchmark run. Fields map one-to-one onto the TOML
// file keys and the command-line flags; flags win over the file, the file
// wins over the defaults.
type Config struct {
	// Workload selects the workload: "transfer" or "counter".
	Workload string `toml:"workload"`

	// Workers is the number of concurrent worker goroutines.
	Workers int `toml:"workers"`

	// Ops is the number of committed operations each worker performs.
	Ops int `toml:"ops"`

	// Accounts is the number of accounts in the transfer workload.
	Accounts int `toml:"accounts"`

	// RegionSize is the size of the region's first segment, in a
	// human-readable unit ("4KiB", "1MB"). It must be large enough for the
	// workload's data and a multiple of Align.
	RegionSize string `toml:"region-size"`

	// Align is the access alignment of the region in bytes.
	Align int `toml:"align"`

	// ReadOnlyRatio is the fraction of transfer operations replaced by a
	// read-only scan of all accounts, in [0, 1). The counter workload
	// ignores it.
	ReadOnlyRatio float64 `toml:"read-only-ratio"`

	// LogLevel is a logrus level name ("debug", "info", "warn", "error").
	LogLevel string `toml:"log-level"`
}

// DefaultConfig returns the configuration used when no file and no flags are
// given: a small transfer workload that finishes in a few seconds.
func DefaultConfig() Config {
	return Config{
		Workload:   "transfer",
		Workers:    8,
		Ops:        10000,
		Accounts:   64,
		RegionSize:    "4KiB",
		Align:         8,
		ReadOnlyRatio: 0,
		LogLevel:      "info",
	}
}

// LoadConfig reads a TOML file over the defaults. Unknown keys are an error:
// a typo in a benchmark config silently measuring the wrong thing is worse
// than a failed run.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Annotatef(err, "config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	return cfg, nil
}

// Validate checks the configuration and resolves RegionSize to bytes.
func (c *Config) Validate() (regionBytes int, err error) {
	switch c.Workload {
	case "transfer", "counter":
	default:
		return 0, errors.Errorf("unknown workload %q", c.Workload)
	}
	if c.Workers <= 0 {
		return 0, errors.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Ops <= 0 {
		return 0, errors.Errorf("ops must be positive, got %d", c.Ops)
	}
	if c.Accounts <= 0 {
		return 0, errors.Errorf("accounts must be positive, got %d", c.Accounts)
	}
	if c.Align <= 0 || c.Align&(c.Align-1) != 0 {
		return 0, errors.Errorf("align must be a positive power of two, got %d", c.Align)
	}
	if c.ReadOnlyRatio < 0 || c.ReadOnlyRatio >= 1 {
		return 0, errors.Errorf("read-only-ratio must be in [0, 1), got %g", c.ReadOnlyRatio)
	}

	size, err := units.RAMInBytes(c.RegionSize)
	if err != nil {
		return 0, errors.Annotatef(err, "region-size %q", c.RegionSize)
	}
	if size <= 0 || size%int64(c.Align) != 0 {
		return 0, errors.Errorf("region-size %q is not a positive multiple of align %d",
			c.RegionSize, c.Align)
	}
	if c.Workload == "transfer" && size < int64(c.Accounts*8) {
		return 0, errors.Errorf("region-size %q too small for %d accounts (need %s)",
			c.RegionSize, c.Accounts, units.BytesSize(float64(c.Accounts*8)))
	}
	return int(size), nil
}
