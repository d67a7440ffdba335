package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquirePIDFileWritesOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "haggled.pid")
	release, err := acquirePIDFile(path)
	require.NoError(t, err)
	defer release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data[:len(data)-1]))
}

func TestAcquirePIDFileRefusesLivePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "haggled.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))

	_, err := acquirePIDFile(path)
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestAcquirePIDFileOverwritesStalePID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "haggled.pid")
	// PID 999999 is exceedingly unlikely to be live.
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))

	release, err := acquirePIDFile(path)
	require.NoError(t, err)
	defer release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data[:len(data)-1]))
}

func TestReleaseRemovesPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "haggled.pid")
	release, err := acquirePIDFile(path)
	require.NoError(t, err)

	release()
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
