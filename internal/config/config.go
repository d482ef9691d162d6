// Package config parses the engine's single YAML configuration file into
// the cluster configuration plus the storage and node settings every
// binary needs at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaydb/engine/internal/cluster"
)

// File is the on-disk shape of config.yaml.
type File struct {
	DBName              string `yaml:"dbname"`
	Groups              int    `yaml:"groups"`
	GroupSize           int    `yaml:"group_size"`
	Reads               int    `yaml:"reads"`
	Writes              int    `yaml:"writes"`
	IDKey               string `yaml:"id_key"`
	FailoverIDKeyPrefix string `yaml:"failover_id_key_prefix"`

	Storage StorageFile `yaml:"storage"`
}

// StorageFile is the storage-engine-specific block of config.yaml.
type StorageFile struct {
	Directory             string `yaml:"directory"`
	CompactionThresholdKB int    `yaml:"compaction_threshold_kb"`
	ReadCacheEntries      int    `yaml:"read_cache_entries"`
}

// Config is the parsed, ready-to-use configuration.
type Config struct {
	Cluster               *cluster.Config
	StorageDir            string
	CompactionThresholdKB int
	ReadCacheEntries      int
}

// Load reads and parses path, a config.yaml-shaped file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses config.yaml-shaped bytes directly.
func Parse(data []byte) (*Config, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	clusterCfg, err := cluster.ParseConfig(data)
	if err != nil {
		return nil, err
	}

	dir := f.Storage.Directory
	if dir == "" {
		dir = "./data"
	}
	threshold := f.Storage.CompactionThresholdKB
	if threshold <= 0 {
		threshold = 2 // 2KiB, matching the storage engine's own default
	}
	cacheEntries := f.Storage.ReadCacheEntries
	if cacheEntries <= 0 {
		cacheEntries = 1024
	}

	return &Config{
		Cluster:               clusterCfg,
		StorageDir:            dir,
		CompactionThresholdKB: threshold,
		ReadCacheEntries:      cacheEntries,
	}, nil
}

// CompactionThresholdBytes converts the configured KB threshold to bytes
// for storage.WithCompactionThreshold.
func (c *Config) CompactionThresholdBytes() int64 {
	return int64(c.CompactionThresholdKB) * 1024
}

// DefaultRefreshInterval is a lease refresh interval for callers that want
// a default. Nothing in this module reads it: cmd/relaydb takes
// REFRESH_INTERVAL from the environment through cluster.BootstrapFromEnv,
// which fails when it is unset.
const DefaultRefreshInterval = 5 * time.Second
