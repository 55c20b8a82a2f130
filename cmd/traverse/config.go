package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig is the optional toml configuration file.
//
// Example:
//
//	mediator = "198.51.100.10:3478"
//	registry = "ws://198.51.100.10:8080/registry"
//
//	[timeouts]
//	deadline  = "30s"
//	dial      = "10s"
//	connect   = "2s"
//	handshake = "3s"
type fileConfig struct {
	Mediator string       `toml:"mediator"`
	Registry string       `toml:"registry"`
	Timeouts timeoutsConf `toml:"timeouts"`
}

type timeoutsConf struct {
	Deadline  duration `toml:"deadline"`
	Dial      duration `toml:"dial"`
	Connect   duration `toml:"connect"`
	Handshake duration `toml:"handshake"`
}

// duration unmarshals "30s"-style toml strings.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func loadConfigFile(path string) (*fileConfig, error) {
	if path == "" {
		return &fileConfig{}, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	var cfg fileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &cfg, nil
}
