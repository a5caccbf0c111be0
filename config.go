package thinpool

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk description of a pool, the file-based
// equivalent of the table line
//
//	<metadata dev> <data dev> <block size> <low water> [<features>]
type Config struct {
	Data struct {
		// Driver picks the device implementation: mem or file.
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		// Size accepts human-readable sizes, e.g. "256MiB".
		Size string `yaml:"size"`
	} `yaml:"data"`

	Metadata struct {
		Path string `yaml:"path"`
	} `yaml:"metadata"`

	BlockSizeSectors uint32 `yaml:"block_size_sectors"`
	LowWaterBlocks   uint64 `yaml:"low_water_blocks"`

	// Features mirrors the table-line feature arguments:
	// skip_block_zeroing, ignore_discard, no_discard_passdown,
	// read_only.
	Features []string `yaml:"features"`
}

// LoadConfig reads a pool config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyFeatures applies the config's feature flags to params.
func (c *Config) ApplyFeatures(params *PoolParams) error {
	for _, feature := range c.Features {
		switch feature {
		case "skip_block_zeroing":
			params.SkipBlockZeroing = true
		case "ignore_discard":
			params.IgnoreDiscard = true
		case "no_discard_passdown":
			params.NoDiscardPassdown = true
		case "read_only":
			params.ReadOnly = true
		default:
			return NewError("pool_config", ErrCodeInvalidParameters,
				fmt.Sprintf("unrecognised pool feature requested: %s", feature))
		}
	}
	return nil
}
