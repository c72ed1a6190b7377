package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/robert-malhotra/go-h5layout/hdf5"
	"github.com/robert-malhotra/go-h5layout/internal/config"
	"github.com/robert-malhotra/go-h5layout/internal/logging"
)

// tool holds the command tree and the state shared by its commands.
type tool struct {
	root *cobra.Command

	configFile string
	logLevel   string
	logFormat  string

	cfg *config.Config
	log zerolog.Logger
}

func newTool() *tool {
	t := &tool{log: zerolog.Nop()}
	t.root = &cobra.Command{
		Use:               "h5layout",
		Short:             "create, inspect and edit h5layout files",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: t.setup,
	}
	pf := t.root.PersistentFlags()
	pf.StringVar(&t.configFile, "config", "", "configuration file (YAML, TOML or JSON)")
	pf.StringVar(&t.logLevel, "log-level", "", "log level (overrides log.level)")
	pf.StringVar(&t.logFormat, "log-format", "", "log format: console or json (overrides log.format)")

	t.root.AddCommand(
		t.createCmd(),
		t.writeCmd(),
		t.readCmd(),
		t.extendCmd(),
		t.indexCmd(),
		t.infoCmd(),
		t.configCmd(),
	)
	return t
}

// setup loads the configuration and builds the logger before any
// command runs.
func (t *tool) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(t.configFile)
	if err != nil {
		return err
	}
	if t.logLevel != "" {
		cfg.Log.Level = t.logLevel
	}
	if t.logFormat != "" {
		cfg.Log.Format = t.logFormat
	}
	t.cfg = cfg
	t.log, err = logging.NewWith(cmd.ErrOrStderr(), cfg.Log.Format, cfg.Log.Level)
	return err
}

func (t *tool) fileOptions() []hdf5.FileOption {
	return []hdf5.FileOption{hdf5.WithLogger(t.log)}
}

// openFile opens path, creating it first when create is set and the file
// does not exist.
func (t *tool) openFile(path string, create bool) (*hdf5.File, error) {
	if create {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return hdf5.Create(path, t.fileOptions()...)
		}
	}
	return hdf5.Open(path, t.fileOptions()...)
}

// accessOptions applies the cache settings when opening a dataset.
func (t *tool) accessOptions() []hdf5.DatasetOption {
	opts := []hdf5.DatasetOption{hdf5.WithCacheBytes(t.cfg.Cache.Bytes)}
	if !t.cfg.Cache.Enabled {
		opts = append(opts, hdf5.WithCacheDisabled())
	}
	return opts
}

func (t *tool) transferOptions() []hdf5.TransferOption {
	opts := []hdf5.TransferOption{hdf5.WithBatchElements(t.cfg.IO.BatchElements)}
	if t.cfg.IO.Collective {
		opts = append(opts, hdf5.WithCollective(t.cfg.IO.Workers))
	}
	if t.cfg.IO.SkipEDC {
		opts = append(opts, hdf5.WithSkipEDC())
	}
	return opts
}

// withDataset opens FILE and dataset NAME, runs fn, and closes both.
func (t *tool) withDataset(path, name string, fn func(*hdf5.Dataset) error) error {
	f, err := t.openFile(path, false)
	if err != nil {
		return err
	}
	d, err := f.OpenDataset(name, t.accessOptions()...)
	if err != nil {
		return errors.CombineErrors(err, f.Close())
	}
	err = fn(d)
	err = errors.CombineErrors(err, d.Close())
	return errors.CombineErrors(err, f.Close())
}

// parseDims parses dimension sizes; "unlimited" (or "u") is allowed when
// unlimited is set.
func parseDims(vals []string, unlimited bool) ([]uint64, error) {
	out := make([]uint64, len(vals))
	for i, v := range vals {
		v = strings.TrimSpace(v)
		if unlimited && (strings.EqualFold(v, "unlimited") || strings.EqualFold(v, "u")) {
			out[i] = hdf5.Unlimited
			continue
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "dimension %q", v)
		}
		out[i] = n
	}
	return out, nil
}

// selection builds the file and memory spaces for --start/--count. With
// neither flag set the whole dataset is selected.
func selection(d *hdf5.Dataset, start, count []string) (mem, file *hdf5.Space, err error) {
	file = d.Space()
	if len(start) == 0 && len(count) == 0 {
		mem, err = hdf5.NewSpace([]uint64{d.NumElements()}, nil)
		return mem, file, err
	}
	dims := d.Dims()
	st := make([]uint64, len(dims))
	if len(start) > 0 {
		if st, err = parseDims(start, false); err != nil {
			return nil, nil, err
		}
	}
	cnt := make([]uint64, len(dims))
	if len(count) > 0 {
		if cnt, err = parseDims(count, false); err != nil {
			return nil, nil, err
		}
	} else {
		for i := range dims {
			if st[i] <= dims[i] {
				cnt[i] = dims[i] - st[i]
			}
		}
	}
	if len(st) != len(dims) || len(cnt) != len(dims) {
		return nil, nil, errors.Newf("start and count need %d values", len(dims))
	}
	if err := file.SelectBox(st, cnt); err != nil {
		return nil, nil, err
	}
	mem, err = hdf5.NewSpace([]uint64{file.NumElements()}, nil)
	return mem, file, err
}
