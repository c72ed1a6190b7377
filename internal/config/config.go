// Package config loads tool configuration from a file and the
// environment.
//
// Keys are dotted paths (cache.bytes, io.workers, ...). Every key can be
// overridden by an environment variable with the H5LAYOUT_ prefix and
// dots replaced by underscores, e.g. H5LAYOUT_CACHE_BYTES.
package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/robert-malhotra/go-h5layout/internal/chunkcache"
	"github.com/robert-malhotra/go-h5layout/internal/layout"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "H5LAYOUT"

type Config struct {
	Cache Cache `mapstructure:"cache" yaml:"cache"`
	BTree BTree `mapstructure:"btree" yaml:"btree"`
	Fill  Fill  `mapstructure:"fill" yaml:"fill"`
	Alloc Alloc `mapstructure:"alloc" yaml:"alloc"`
	IO    IO    `mapstructure:"io" yaml:"io"`
	Log   Log   `mapstructure:"log" yaml:"log"`
}

type Cache struct {
	Bytes   uint64 `mapstructure:"bytes" yaml:"bytes"`
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
}

type BTree struct {
	MinEntries int `mapstructure:"min_entries" yaml:"min_entries"`
}

type Fill struct {
	Time string `mapstructure:"time" yaml:"time"`
}

type Alloc struct {
	Time string `mapstructure:"time" yaml:"time"`
}

type IO struct {
	Collective    bool   `mapstructure:"collective" yaml:"collective"`
	Workers       int    `mapstructure:"workers" yaml:"workers"`
	BatchElements uint64 `mapstructure:"batch_elements" yaml:"batch_elements"`
	SkipEDC       bool   `mapstructure:"skip_edc" yaml:"skip_edc"`
}

type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Cache: Cache{Bytes: chunkcache.DefaultBudget, Enabled: true},
		BTree: BTree{MinEntries: 32},
		Fill:  Fill{Time: layout.FillIfSet.String()},
		Alloc: Alloc{Time: layout.AllocIncremental.String()},
		IO:    IO{Workers: 4, BatchElements: 1 << 16},
		Log:   Log{Level: "info", Format: "console"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("cache.bytes", d.Cache.Bytes)
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("btree.min_entries", d.BTree.MinEntries)
	v.SetDefault("fill.time", d.Fill.Time)
	v.SetDefault("alloc.time", d.Alloc.Time)
	v.SetDefault("io.collective", d.IO.Collective)
	v.SetDefault("io.workers", d.IO.Workers)
	v.SetDefault("io.batch_elements", d.IO.BatchElements)
	v.SetDefault("io.skip_edc", d.IO.SkipEDC)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads the configuration at file, or only defaults and environment
// overrides when file is empty.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading %s", file)
		}
	}

	c := new(Config)
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "unmarshal")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks enumerated values and ranges.
func (c *Config) Validate() error {
	if _, err := c.FillTime(); err != nil {
		return err
	}
	if _, err := c.AllocTime(); err != nil {
		return err
	}
	if c.BTree.MinEntries < 2 {
		return errors.Newf("btree.min_entries must be at least 2, got %d", c.BTree.MinEntries)
	}
	if c.IO.Workers < 1 {
		return errors.Newf("io.workers must be positive, got %d", c.IO.Workers)
	}
	return nil
}

func (c *Config) FillTime() (layout.FillTime, error) {
	return layout.ParseFillTime(c.Fill.Time)
}

func (c *Config) AllocTime() (layout.AllocTime, error) {
	return layout.ParseAllocTime(c.Alloc.Time)
}

// Write stores c as YAML at path.
func Write(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}
