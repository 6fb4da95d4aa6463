package graphstore

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alexhholmes/graphstore/logger"
)

// Config is the YAML form of Options. Zero fields keep their defaults.
type Config struct {
	PageSize  int    `yaml:"page-size"`
	CacheSize int    `yaml:"cache-size"`
	SyncMode  string `yaml:"sync-mode"`

	GroupCommit struct {
		MaxCommits int           `yaml:"max-commits"`
		MaxFrames  int           `yaml:"max-frames"`
		MaxWait    time.Duration `yaml:"max-wait"`
	} `yaml:"group-commit"`

	Checkpoint struct {
		Bytes    int64          `yaml:"bytes"`
		Interval *time.Duration `yaml:"interval"`
	} `yaml:"checkpoint"`

	Vacuum struct {
		Interval    *time.Duration `yaml:"interval"`
		MaxPages    int            `yaml:"max-pages"`
		MaxDuration time.Duration  `yaml:"max-duration"`
		Retention   time.Duration  `yaml:"retention"`
	} `yaml:"vacuum"`

	ReaderStallThreshold time.Duration `yaml:"reader-stall-threshold"`
	MaxReaders           int           `yaml:"max-readers"`

	Log *logger.FileConfig `yaml:"log"`
}

// LoadConfig reads a YAML config file. Environment variables in the file
// are expanded.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	c, err := ParseConfig([]byte(os.ExpandEnv(string(data))))
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// ParseConfig decodes YAML config. Unknown fields are rejected.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // strict checking
	if err := dec.Decode(&c); err != nil {
		return Config{}, err
	}
	if _, err := ParseSyncMode(c.SyncMode); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Options converts c to options applied over the defaults.
func (c Config) Options() []Option {
	var opts []Option
	if c.PageSize != 0 {
		opts = append(opts, WithPageSize(c.PageSize))
	}
	if c.CacheSize != 0 {
		opts = append(opts, WithCacheSize(c.CacheSize))
	}
	if c.SyncMode != "" {
		mode, _ := ParseSyncMode(c.SyncMode)
		opts = append(opts, WithSyncMode(mode))
	}
	opts = append(opts, func(o *Options) {
		g := c.GroupCommit
		if g.MaxCommits != 0 {
			o.MaxBatchCommits = g.MaxCommits
		}
		if g.MaxFrames != 0 {
			o.MaxBatchFrames = g.MaxFrames
		}
		if g.MaxWait != 0 {
			o.MaxBatchWait = g.MaxWait
		}
		if c.Checkpoint.Bytes != 0 {
			o.CheckpointBytes = c.Checkpoint.Bytes
		}
		if c.Checkpoint.Interval != nil {
			o.CheckpointInterval = *c.Checkpoint.Interval
		}
		if c.Vacuum.Interval != nil {
			o.VacuumInterval = *c.Vacuum.Interval
		}
		if c.Vacuum.MaxPages != 0 {
			o.VacuumBudget.MaxPages = c.Vacuum.MaxPages
		}
		if c.Vacuum.MaxDuration != 0 {
			o.VacuumBudget.MaxDuration = c.Vacuum.MaxDuration
		}
		if c.Vacuum.Retention != 0 {
			o.Retention = c.Vacuum.Retention
		}
		if c.ReaderStallThreshold != 0 {
			o.ReaderStallThreshold = c.ReaderStallThreshold
		}
		if c.MaxReaders != 0 {
			o.MaxReaders = c.MaxReaders
		}
	})
	if c.Log != nil && c.Log.Path != "" {
		opts = append(opts, WithLogger(logger.NewFile(*c.Log)))
	}
	return opts
}
