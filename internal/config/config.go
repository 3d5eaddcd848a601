// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the agent configuration file.
package config

import (
	"os"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"

	"github.com/juju/mongoriver/core/river"
	"github.com/juju/mongoriver/internal/worker/pipeline"
	"github.com/juju/mongoriver/internal/worker/reconciler"
)

// Checkpoint store backends.
const (
	BackendMongo  = "mongo"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

const (
	DefaultControlServers       = "localhost:27017"
	DefaultControlDatabase      = "mongoriver"
	DefaultCheckpointCollection = "checkpoints"
	DefaultElasticAddress       = "http://localhost:9200"
	DefaultListenAddress        = "localhost:9280"
	DefaultLoggingConfig        = "<root>=INFO"
	DefaultDialTimeout          = 30 * time.Second
)

// Config is the agent configuration.
type Config struct {
	// Control is the mongo deployment holding the control store and,
	// with the mongo backend, the checkpoints.
	Control MongoConfig `yaml:"control"`

	Checkpoints CheckpointConfig `yaml:"checkpoints"`
	Elastic     ElasticConfig    `yaml:"elasticsearch"`

	// Source holds the credentials used to tail every river's source.
	Source Credentials `yaml:"source"`

	PollInterval  time.Duration `yaml:"poll-interval"`
	StopGrace     time.Duration `yaml:"stop-grace"`
	Listen        string        `yaml:"listen"`
	LoggingConfig string        `yaml:"logging-config"`

	// Rivers are created in the control store when missing. Existing
	// rivers are left alone.
	Rivers []river.Definition `yaml:"rivers"`
}

// Credentials authenticate against a mongo deployment.
type Credentials struct {
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Source   string `yaml:"auth-source,omitempty"`
}

// MongoConfig locates a mongo database.
type MongoConfig struct {
	Credentials `yaml:",inline"`

	Servers  string        `yaml:"servers"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ServerAddresses parses the configured servers.
func (c MongoConfig) ServerAddresses() ([]river.ServerAddress, error) {
	servers, err := river.ParseServers(c.Servers)
	return servers, errors.Trace(err)
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path,omitempty"`
	Collection string `yaml:"collection,omitempty"`
}

// ElasticConfig locates the target cluster.
type ElasticConfig struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username,omitempty"`
	Password  string   `yaml:"password,omitempty"`
}

// Read loads, defaults and validates the configuration file at path.
func Read(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Config{}, errors.NotFoundf("config file %q", path)
	} else if err != nil {
		return Config{}, errors.Annotatef(err, "reading config file %q", path)
	}
	cfg, err := Parse(data)
	return cfg, errors.Annotatef(err, "config file %q", path)
}

// Parse decodes, defaults and validates configuration.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.NotValidf("config: %v", err)
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// WithDefaults returns a copy of the config with unset values filled in.
func (c Config) WithDefaults() Config {
	if c.Control.Servers == "" {
		c.Control.Servers = DefaultControlServers
	}
	if c.Control.Database == "" {
		c.Control.Database = DefaultControlDatabase
	}
	if c.Control.Timeout == 0 {
		c.Control.Timeout = DefaultDialTimeout
	}
	if c.Checkpoints.Backend == "" {
		c.Checkpoints.Backend = BackendMongo
	}
	if c.Checkpoints.Collection == "" {
		c.Checkpoints.Collection = DefaultCheckpointCollection
	}
	if len(c.Elastic.Addresses) == 0 {
		c.Elastic.Addresses = []string{DefaultElasticAddress}
	}
	if c.PollInterval == 0 {
		c.PollInterval = reconciler.DefaultPollInterval
	}
	if c.StopGrace == 0 {
		c.StopGrace = pipeline.DefaultStopGrace
	}
	if c.Listen == "" {
		c.Listen = DefaultListenAddress
	}
	if c.LoggingConfig == "" {
		c.LoggingConfig = DefaultLoggingConfig
	}
	rivers := make([]river.Definition, len(c.Rivers))
	for i, def := range c.Rivers {
		rivers[i] = def.WithDefaults()
	}
	c.Rivers = rivers
	return c
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if _, err := c.Control.ServerAddresses(); err != nil {
		return errors.Annotate(err, "control servers")
	}
	if c.Control.Database == "" {
		return errors.NotValidf("empty control database")
	}
	if c.Control.Timeout < 0 {
		return errors.NotValidf("control timeout %v", c.Control.Timeout)
	}
	switch c.Checkpoints.Backend {
	case BackendMongo, BackendMemory:
	case BackendSQLite:
		if c.Checkpoints.Path == "" {
			return errors.NotValidf("sqlite checkpoint backend without path")
		}
	default:
		return errors.NotValidf("checkpoint backend %q", c.Checkpoints.Backend)
	}
	for _, addr := range c.Elastic.Addresses {
		if addr == "" {
			return errors.NotValidf("empty elasticsearch address")
		}
	}
	if c.PollInterval <= 0 {
		return errors.NotValidf("poll interval %v", c.PollInterval)
	}
	if c.StopGrace <= 0 {
		return errors.NotValidf("stop grace %v", c.StopGrace)
	}
	if _, err := loggo.ParseConfigString(c.LoggingConfig); err != nil {
		return errors.NotValidf("logging config %q: %v", c.LoggingConfig, err)
	}

	names := set.NewStrings()
	for _, def := range c.Rivers {
		if err := def.Validate(); err != nil {
			return errors.Trace(err)
		}
		if names.Contains(def.Name) {
			return errors.NotValidf("duplicate river %q", def.Name)
		}
		names.Add(def.Name)
	}
	return nil
}
