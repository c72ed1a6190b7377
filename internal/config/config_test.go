package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/robert-malhotra/go-h5layout/internal/layout"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), c)
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h5layout.yaml")
	want := Default()
	want.Cache.Bytes = 4 << 20
	want.IO.Collective = true
	want.Fill.Time = "alloc"
	require.NoError(t, Write(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)

	ft, err := got.FillTime()
	require.NoError(t, err)
	require.Equal(t, layout.FillAlloc, ft)
}

func TestEnvironmentOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "h5layout.yaml")
	require.NoError(t, os.WriteFile(path, []byte("io:\n  workers: 2\n"), 0o644))
	t.Setenv("H5LAYOUT_IO_WORKERS", "8")
	t.Setenv("H5LAYOUT_ALLOC_TIME", "early")

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, c.IO.Workers)
	at, err := c.AllocTime()
	require.NoError(t, err)
	require.Equal(t, layout.AllocEarly, at)
}

func TestLoadRejectsInvalid(t *testing.T) {
	for name, body := range map[string]string{
		"fill time":   "fill:\n  time: sometimes\n",
		"min entries": "btree:\n  min_entries: 1\n",
		"workers":     "io:\n  workers: 0\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
