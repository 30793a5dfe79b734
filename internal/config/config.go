// Package config loads the daemon's own bootstrap configuration: the
// "how do I start up" surface (listen addresses, multicast groups,
// preset table path, log level, metrics address), distinct from the
// ingest driver's dictionary.Section keys described in §6. Grounded in the
// teacher's config.go: struct-of-structs with yaml tags, loaded with
// gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ka9q/radiod-core/internal/dictionary"
)

// Config is the top-level bootstrap document.
type Config struct {
	StatusGroup    string            `yaml:"status_group"`
	ControlGroup   string            `yaml:"control_group"`
	Interface      string            `yaml:"interface"`
	MetricsListen  string            `yaml:"metrics_listen"`
	PresetFile     string            `yaml:"preset_file"`
	StatusInterval int               `yaml:"status_interval"`
	ChannelLimit   int               `yaml:"channel_limit"`
	RingCapacity   int               `yaml:"ring_capacity"`
	Verbose        int               `yaml:"verbose"`
	Ingest         dictionary.Section `yaml:"ingest"`
}

// Defaults returns a Config with the daemon's documented defaults
// applied, matching the original's compiled-in fallbacks for anything
// the config file omits.
func Defaults() Config {
	return Config{
		StatusGroup:    "radiod-status.local:5006",
		ControlGroup:   "radiod-status.local:5006",
		MetricsListen:  ":9090",
		StatusInterval: 5,
		ChannelLimit:   256,
		RingCapacity:   1 << 20,
	}
}

// Load reads and parses a YAML config file at path; any field the file
// omits keeps its value from Defaults, while a field the file sets
// explicitly to zero stays zero.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
