package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/cpcall/wire"
	"github.com/rs/zerolog"
)

// config is the effective configuration of the tool.
type config struct {
	Addr          string
	LogLevel      zerolog.Level
	CompressAbove int
	Commands      []string // enabled builtin commands for serve
}

// fileConfig maps the keys of a config.toml file.
type fileConfig struct {
	Addr              string   `toml:"addr"`
	LogLevel          string   `toml:"log_level"`
	CompressThreshold int      `toml:"compress_threshold"`
	Commands          []string `toml:"commands"`
}

func defaultConfig() config {
	return config{
		Addr:          "localhost:7070",
		LogLevel:      zerolog.InfoLevel,
		CompressAbove: wire.DefaultCompressAbove,
		Commands:      builtinNames(),
	}
}

// loadConfig reads a TOML config file from path and overlays the keys it
// defines onto the defaults. An empty path yields the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}
	if undec := meta.Undecoded(); len(undec) != 0 {
		return config{}, fmt.Errorf("load config: unknown key %q", undec[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("log_level") {
		lvl, err := zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return config{}, fmt.Errorf("load config: log_level: %w", err)
		}
		cfg.LogLevel = lvl
	}
	if meta.IsDefined("compress_threshold") {
		cfg.CompressAbove = raw.CompressThreshold
	}
	if meta.IsDefined("commands") {
		cfg.Commands = raw.Commands
	}
	if err := cfg.validate(); err != nil {
		return config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// overlay applies the values of flags explicitly set on the command line.
func (c *config) overlay(f *flagValues) error {
	if f.Addr != "" {
		c.Addr = f.Addr
	}
	if f.LogLevel != "" {
		lvl, err := zerolog.ParseLevel(f.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		c.LogLevel = lvl
	}
	if f.Compress >= 0 {
		c.CompressAbove = f.Compress
	}
	return c.validate()
}

func (c config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("empty address")
	}
	if c.CompressAbove < 0 {
		return fmt.Errorf("invalid compress_threshold %d", c.CompressAbove)
	}
	known := builtinNames()
	for _, name := range c.Commands {
		if !slices.Contains(known, name) {
			return fmt.Errorf("unknown command %q", name)
		}
	}
	return nil
}

func (c config) codec() wire.Codec { return wire.Codec{CompressAbove: c.CompressAbove} }
