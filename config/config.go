// Package config loads the stsmap TOML configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"
)

const configver = "1.0.0"

// Config type
type Config struct {
	Version         string
	Bind            string
	API             string
	LogLevel        string
	AccessList      []string
	ClientRateLimit int
	MaxFrameSize    int

	Cache       CacheConfig           `toml:"cache"`
	DefaultZone ZoneConfig            `toml:"default_zone"`
	Zones       map[string]ZoneConfig `toml:"zones"`
	Proactive   ProactiveConfig       `toml:"proactive"`

	sVersion string
}

// CacheConfig selects the policy cache backend. Only the internal in-memory
// backend exists today.
type CacheConfig struct {
	Type      string
	CacheSize int `toml:"cache_size"`
}

// ZoneConfig is the per-zone resolution settings.
type ZoneConfig struct {
	Timeout       Duration
	StrictTesting bool `toml:"strict_testing"`
}

// ProactiveConfig controls the background policy refresh loop.
type ProactiveConfig struct {
	Enabled   bool
	Interval  Duration
	Grace     Duration
	RateLimit int `toml:"rate_limit"`
}

// ServerVersion return current server version
func (c *Config) ServerVersion() string {
	return c.sVersion
}

// Duration type
type Duration struct {
	time.Duration
}

// UnmarshalText for duration type
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

var defaultConfig = `
# Config version, config and build versions can be different.
version = "%s"

# Address to bind to for the socketmap server
bind = "127.0.0.1:8461"

# Address to bind to for the metrics/health http server, left blank for disabled
api = "127.0.0.1:8462"

# What kind of information should be logged, Log verbosity level [crit,error,warn,info,debug]
loglevel = "info"

# Which clients allowed to make queries
accesslist = [
"0.0.0.0/0",
"::0/0"
]

# Client ip address based query ratelimit per second, 0 for disabled
clientratelimit = 0

# Maximum accepted request frame size in bytes
maxframesize = 4096

[cache]
# Policy cache backend, only "internal" exists
type = "internal"

# Cache size (total policies in cache)
cache_size = 10000

[default_zone]
# Overall deadline for one policy resolution (dns + https)
timeout = "4s"

# Treat testing policies as if they were enforcing
strict_testing = false

# Additional zones selected by the socketmap table name, unknown names fall
# back to the default zone.
# [zones.strict]
# timeout = "6s"
# strict_testing = true

[proactive]
# Refresh cached policies shortly before they expire
enabled = false

# How often the cache is scanned for refresh candidates
interval = "10m"

# Refresh entries that expire within this window
grace = "30m"

# Maximum refreshes per second, 0 for unlimited
rate_limit = 5
`

// Load loads the given config file, generating a default one when the file
// does not exist yet.
func Load(cfgfile, version string) (*Config, error) {
	config := new(Config)

	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("Loading config file", "path", cfgfile)

	if _, err := toml.DecodeFile(cfgfile, config); err != nil {
		return nil, fmt.Errorf("could not load config: %s", err)
	}

	if config.Version != configver {
		zlog.Warn("Config file is out of version, you can generate new one and check the changes.")
	}

	config.sVersion = version
	config.defaults()

	return config, nil
}

func (c *Config) defaults() {
	if c.Bind == "" {
		c.Bind = "127.0.0.1:8461"
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.MaxFrameSize < 1 {
		c.MaxFrameSize = 4096
	}

	if c.Cache.Type == "" {
		c.Cache.Type = "internal"
	}

	if c.Cache.CacheSize < 1 {
		c.Cache.CacheSize = 10000
	}

	if c.DefaultZone.Timeout.Duration <= 0 {
		c.DefaultZone.Timeout.Duration = 4 * time.Second
	}

	for name, zc := range c.Zones {
		if zc.Timeout.Duration <= 0 {
			zc.Timeout = c.DefaultZone.Timeout
			c.Zones[name] = zc
		}
	}

	if c.Proactive.Interval.Duration <= 0 {
		c.Proactive.Interval.Duration = 10 * time.Minute
	}

	if c.Proactive.Grace.Duration <= 0 {
		c.Proactive.Grace.Duration = 30 * time.Minute
	}
}

// Validate checks settings no component can repair on its own.
func (c *Config) Validate() error {
	if c.Cache.Type != "internal" {
		return fmt.Errorf("unknown cache type %q", c.Cache.Type)
	}

	return nil
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %s", err)
	}

	defer func() {
		err := output.Close()
		if err != nil {
			zlog.Warn("Config generation failed while file closing", "error", err.Error())
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultConfig, configver))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not copy default config: %s", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("Default config file generated", "config", abs)
	}

	return nil
}
