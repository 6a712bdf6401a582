// Package config loads the settings a producer or consumer driver
// needs to run the prestate proof pipeline: the RPC endpoint to fetch
// block data and proofs from, the block range to process, and the
// logging level. It is a library-style YAML loader, not a CLI flag
// parser -- flag/subcommand handling is left to whatever driver
// program imports this package.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/blockwitness/prestate/log"
)

// Config is the top-level settings document.
type Config struct {
	RPC     RPCConfig     `yaml:"rpc"`
	Range   RangeConfig   `yaml:"range"`
	Logging LoggingConfig `yaml:"logging"`
}

// RPCConfig names the JSON-RPC endpoint rpcsource.DialContext connects
// to, and how long to wait before giving up on a single call.
type RPCConfig struct {
	Endpoint string `yaml:"endpoint"`
	Timeout  string `yaml:"timeout"`
}

// RangeConfig bounds the block numbers a producer run processes. End
// of zero means "the endpoint's current head at startup."
type RangeConfig struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

// LoggingConfig controls the level of the default logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads and parses a YAML config file, applies environment
// variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if endpoint := os.Getenv("PRESTATE_RPC_ENDPOINT"); endpoint != "" {
		cfg.RPC.Endpoint = endpoint
	}
	if level := os.Getenv("PRESTATE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks that the settings a run cannot proceed without are
// present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPC.Endpoint) == "" {
		return fmt.Errorf("rpc.endpoint is required")
	}
	if c.Range.End != 0 && c.Range.End < c.Range.Start {
		return fmt.Errorf("range.end (%d) is before range.start (%d)", c.Range.End, c.Range.Start)
	}
	return nil
}

// LogLevel parses the configured logging level, defaulting to INFO
// for an empty or unrecognised value.
func (c *Config) LogLevel() log.LogLevel {
	return log.LevelFromString(c.Logging.Level)
}
