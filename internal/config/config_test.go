package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/haggle-project/haggled/internal/manager/security"
)

func TestBindAndResolveDefaults(t *testing.T) {
	cfg := Default()
	flags := Flags{}
	fs := pflag.NewFlagSet("haggled", pflag.ContinueOnError)
	BindFlags(fs, &cfg, &flags)

	require.NoError(t, fs.Parse(nil))
	require.NoError(t, Resolve(&cfg, flags))

	require.Equal(t, security.DefaultLevel, cfg.SecurityLevel)
	require.Nil(t, cfg.Benchmark)
}

func TestResolveRejectsOutOfRangeSecurityLevel(t *testing.T) {
	cfg := Default()
	err := Resolve(&cfg, Flags{SecurityLevel: 3})
	require.Error(t, err)
}

func TestResolveParsesBenchmarkFlag(t *testing.T) {
	cfg := Default()
	err := Resolve(&cfg, Flags{SecurityLevel: 1, Benchmark: "5,1,20,1,10"})
	require.NoError(t, err)
	require.NotNil(t, cfg.Benchmark)
	require.Equal(t, 5, cfg.Benchmark.Nodes)
	require.Equal(t, 20, cfg.Benchmark.DataObjects)
	require.Equal(t, 10*time.Millisecond, cfg.Benchmark.Interval)
}

func TestBindFlagsParsesShorthand(t *testing.T) {
	cfg := Default()
	flags := Flags{}
	fs := pflag.NewFlagSet("haggled", pflag.ContinueOnError)
	BindFlags(fs, &cfg, &flags)

	require.NoError(t, fs.Parse([]string{"-I", "-s", "2", "-f", "/tmp/trace.log"}))
	require.True(t, cfg.NonInteractive)
	require.Equal(t, "/tmp/trace.log", cfg.TraceFile)
	require.Equal(t, 2, flags.SecurityLevel)

	require.NoError(t, Resolve(&cfg, flags))
	require.Equal(t, security.LevelHigh, cfg.SecurityLevel)
}
