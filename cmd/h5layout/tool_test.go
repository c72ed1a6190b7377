package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// run executes the tool with args and returns what it printed.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	tl := newTool()
	tl.root.SetOut(&out)
	tl.root.SetErr(&errOut)
	tl.root.SetArgs(append([]string{"--log-level", "warn"}, args...))
	err := tl.root.Execute()
	return out.String(), err
}

func TestCreateWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.h5l")

	out, err := run(t, "create", path, "grid", "--dims", "4,4", "--chunks", "2,2", "--filters", "shuffle,deflate=1,fletcher32")
	require.NoError(t, err)
	require.Contains(t, out, "created grid: chunked [4 4]")

	out, err = run(t, "write", path, "grid", "--value", "ab", "--start", "1,1", "--count", "2,2")
	require.NoError(t, err)
	require.Contains(t, out, "wrote 4 B")

	out, err = run(t, "read", path, "grid", "--start", "1,1", "--count", "2,2")
	require.NoError(t, err)
	require.Contains(t, out, "ab ab ab ab")

	out, err = run(t, "read", path, "grid", "--start", "0,0", "--count", "1,4")
	require.NoError(t, err)
	require.Contains(t, out, "00 00 00 00")

	out, err = run(t, "index", path, "grid")
	require.NoError(t, err)
	// The 2x2 box at (1,1) touches all four chunks.
	require.Equal(t, 4, strings.Count(out, "["))
}

func TestExtendAndInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.h5l")

	_, err := run(t, "create", path, "log", "--dims", "0", "--max-dims", "unlimited", "--chunks", "8", "--fill", "ff")
	require.NoError(t, err)
	_, err = run(t, "create", path, "small", "--dims", "3", "--layout", "compact", "--elem-size", "2")
	require.NoError(t, err)

	out, err := run(t, "extend", path, "log", "--dims", "10")
	require.NoError(t, err)
	require.Contains(t, out, "log: [10]")

	out, err = run(t, "read", path, "log", "--start", "8")
	require.NoError(t, err)
	require.Contains(t, out, "ff ff")

	out, err = run(t, "info", path)
	require.NoError(t, err)
	require.Contains(t, out, "log")
	require.Contains(t, out, "unlimited")
	require.Contains(t, out, "small")
	require.Contains(t, out, "compact")
}

func TestExternalLayout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.h5l")

	_, err := run(t, "create", path, "ext", "--dims", "8", "--external", "a.bin:0:4,b.bin:16:4")
	require.NoError(t, err)
	_, err = run(t, "write", path, "ext", "--value", "0102")
	require.NoError(t, err)

	a, err := os.ReadFile(filepath.Join(dir, "a.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 1, 2}, a)
	b, err := os.ReadFile(filepath.Join(dir, "b.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 1, 2}, b[16:])
}

func TestCommandErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.h5l")

	_, err := run(t, "create", path, "d", "--dims", "4", "--layout", "ring")
	require.ErrorContains(t, err, "unknown layout")
	_, err = run(t, "create", path, "d", "--dims", "4", "--chunks", "2", "--filters", "bzip2")
	require.ErrorContains(t, err, "unknown filter")
	_, err = run(t, "create", path, "d", "--dims", "x")
	require.ErrorContains(t, err, "dimension")

	_, err = run(t, "create", path, "d", "--dims", "4")
	require.NoError(t, err)
	_, err = run(t, "create", path, "d", "--dims", "4")
	require.Error(t, err)
	_, err = run(t, "read", path, "missing")
	require.Error(t, err)
	_, err = run(t, "write", path, "d", "--value", "zz")
	require.ErrorContains(t, err, "--value")
	_, err = run(t, "read", path, "d", "--start", "1,1")
	require.ErrorContains(t, err, "start and count")
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "h5layout.yaml")

	_, err := run(t, "config", "init", cfgPath)
	require.NoError(t, err)
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "min_entries: 32")

	// A config file with the cache disabled still reads back written data.
	require.NoError(t, os.WriteFile(cfgPath, []byte("cache:\n  enabled: false\nio:\n  collective: true\n  workers: 2\n"), 0o644))
	path := filepath.Join(dir, "t.h5l")
	_, err = run(t, "--config", cfgPath, "create", path, "d", "--dims", "6", "--chunks", "2")
	require.NoError(t, err)
	_, err = run(t, "--config", cfgPath, "write", path, "d", "--value", "07")
	require.NoError(t, err)
	out, err := run(t, "--config", cfgPath, "read", path, "d")
	require.NoError(t, err)
	require.Contains(t, out, "07 07 07 07 07 07")
}
