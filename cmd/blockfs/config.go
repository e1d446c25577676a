package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/tchajed/go-blockfs"
	"github.com/tchajed/go-blockfs/common"
	"github.com/tchajed/go-blockfs/rawdisk"
)

const envVarPrefix = "BLOCKFS"

type Config struct {
	Disk       string `envconfig:"DISK"        yaml:"disk"`
	Blocks     uint64 `envconfig:"BLOCKS"      yaml:"blocks"`
	CacheSlots int    `envconfig:"CACHE_SLOTS" yaml:"cacheSlots"`
	Inodes     int    `envconfig:"INODES"      yaml:"inodes"`
	Journal    bool   `envconfig:"JOURNAL"     yaml:"journal"`
	Debug      uint64 `envconfig:"DEBUG"       yaml:"debug"`
}

func DefaultConfig() Config {
	return Config{
		Disk:       "blockfs.img",
		Blocks:     1024,
		CacheSlots: blockfs.DefaultCacheSlots,
		Inodes:     blockfs.DefaultInodes,
	}
}

// LoadConfig layers the config file at path (if any) and then BLOCKFS_*
// environment variables over the defaults. An empty path falls back to
// $BLOCKFS_CONFIG_FILE; a missing file is only an error if it was named
// explicitly.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = os.Getenv(envVarPrefix + "_CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.UnmarshalStrict(data, &c); err != nil {
				return nil, fmt.Errorf("unmarshaling config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := envconfig.Process(envVarPrefix, &c); err != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", err)
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Disk == "" {
		return fmt.Errorf("missing required configuration: disk / %s_DISK", envVarPrefix)
	}
	if c.Blocks < 8 || c.Blocks > common.MaxBlocks {
		return fmt.Errorf("blocks must be between 8 and %d, got %d", common.MaxBlocks, c.Blocks)
	}
	if c.CacheSlots <= 0 {
		return fmt.Errorf("cacheSlots must be positive, got %d", c.CacheSlots)
	}
	if c.Inodes <= 0 {
		return fmt.Errorf("inodes must be positive, got %d", c.Inodes)
	}
	return nil
}

func (c *Config) Options() blockfs.Options {
	return blockfs.Options{CacheSlots: c.CacheSlots, Inodes: c.Inodes}
}

// OpenDisk opens the disk image, creating it if needed.
func (c *Config) OpenDisk() (rawdisk.Disk, func(), error) {
	if c.Journal {
		d, err := rawdisk.NewLogFileDisk(c.Disk, c.Blocks)
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	}
	d, err := rawdisk.NewFileDisk(c.Disk, c.Blocks)
	if err != nil {
		return nil, nil, err
	}
	return d, d.Close, nil
}
