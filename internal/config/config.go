// Package config assembles the daemon's typed configuration from CLI
// flags, grounded on Warren's cmd/warren/main.go root command (a Cobra
// tree building a config struct, then handing it to the package that
// actually uses it) generalized to Haggle's CLI surface (spec §6).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/haggle-project/haggled/internal/manager/benchmark"
	"github.com/haggle-project/haggled/internal/manager/security"
)

// Config is the daemon's fully-resolved startup configuration, built
// from spec §6's CLI flags.
type Config struct {
	// NonInteractive is set by -I: suppress anything resembling an
	// interactive console.
	NonInteractive bool
	// Daemonize is set by -d: detach and run in the background. The
	// daemon process model itself (fork/exec) is left to the OS service
	// manager that invokes this binary; here it only gates whether
	// stdout logging is replaced by the log file.
	Daemonize bool
	// RecreateDataStore is set by -dd: wipe and recreate the on-disk
	// store instead of loading whatever is already there.
	RecreateDataStore bool
	// TraceFile is set by -f: when non-empty, a trace manager writes a
	// structured line per kernel event to this path.
	TraceFile string
	// AdvanceCreateTimeOnFilterUpdate is set by -c: re-stamp a data
	// object's creation time whenever its containing Bloom filter is
	// updated, rather than only at insertion (spec §9 aging note).
	AdvanceCreateTimeOnFilterUpdate bool
	// Benchmark holds the parsed -b parameters; nil means benchmark mode
	// is off.
	Benchmark *benchmark.Params
	// SecurityLevel is set by -s {0,1,2}, mapped to security.Level.
	SecurityLevel security.Level
	// DataDir is where the bbolt-backed store and repository entries
	// live.
	DataDir string
	// PIDFile is the path guarding against a second concurrent
	// instance (spec §6 "PID file at a platform-specific path").
	PIDFile string
}

// Default returns spec §6's defaults: interactive, foreground, existing
// store kept, no trace file, medium security, and a data directory and
// PID file under the user's runtime state directory.
func Default() Config {
	stateDir := defaultStateDir()
	return Config{
		SecurityLevel: security.DefaultLevel,
		DataDir:       filepath.Join(stateDir, "store"),
		PIDFile:       filepath.Join(stateDir, "haggled.pid"),
	}
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "haggle")
	}
	return filepath.Join(os.TempDir(), "haggle")
}

// Flags are the raw pflag-backed destinations that need post-parse
// translation into Config's typed fields (a plain int for -s, a plain
// string for -b), kept separate from Config so Config itself never
// carries flag-parsing plumbing.
type Flags struct {
	SecurityLevel int
	Benchmark     string
}

// BindFlags registers spec §6's flags on fs (typically a Cobra command's
// Flags()), writing straight into cfg for the flags with matching Go
// types and into flags for -s/-b, which need Resolve after fs.Parse.
func BindFlags(fs *pflag.FlagSet, cfg *Config, flags *Flags) {
	fs.BoolVarP(&cfg.NonInteractive, "non-interactive", "I", cfg.NonInteractive, "suppress interactive console")
	fs.BoolVarP(&cfg.Daemonize, "daemonize", "d", cfg.Daemonize, "run as a background daemon")
	fs.BoolVarP(&cfg.RecreateDataStore, "recreate-store", "D", cfg.RecreateDataStore, "wipe and recreate the data store")
	fs.StringVarP(&cfg.TraceFile, "trace-file", "f", cfg.TraceFile, "write a structured event trace to this file")
	fs.BoolVarP(&cfg.AdvanceCreateTimeOnFilterUpdate, "advance-create-time", "c", cfg.AdvanceCreateTimeOnFilterUpdate, "advance create time on bloomfilter updates")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data store directory")
	fs.StringVar(&cfg.PIDFile, "pid-file", cfg.PIDFile, "PID file path")

	flags.SecurityLevel = int(cfg.SecurityLevel)
	fs.IntVarP(&flags.SecurityLevel, "security-level", "s", flags.SecurityLevel, "security level: 0=low 1=medium 2=high")
	fs.StringVarP(&flags.Benchmark, "benchmark", "b", flags.Benchmark, "benchmark parameters: nodes,attrsPerNode,dataobjects,attrsPerObject,intervalMS")
}

// Resolve must be called after fs.Parse has run: it translates flags's
// raw -s/-b values into cfg's typed fields, validating -s's range and
// parsing -b's benchmark parameter string.
func Resolve(cfg *Config, flags Flags) error {
	switch flags.SecurityLevel {
	case 0:
		cfg.SecurityLevel = security.LevelLow
	case 1:
		cfg.SecurityLevel = security.LevelMedium
	case 2:
		cfg.SecurityLevel = security.LevelHigh
	default:
		return fmt.Errorf("config: security level must be 0, 1, or 2, got %d", flags.SecurityLevel)
	}

	if flags.Benchmark != "" {
		params, err := ParseBenchmarkParams(flags.Benchmark)
		if err != nil {
			return fmt.Errorf("config: parsing -b: %w", err)
		}
		cfg.Benchmark = &params
	}
	return nil
}
