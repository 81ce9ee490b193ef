// Copyright 2024-2026 Aiku AI

// Package config loads the bot configuration: a YAML file merged onto the
// embedded defaults, then environment overrides.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	DriverMongo  = "mongo"
	DriverBadger = "badger"
)

// Config is the full bot configuration.
type Config struct {
	Mattermost  MattermostConfig  `yaml:"mattermost"`
	SessionDir  string            `yaml:"session_dir"`
	Store       StoreConfig       `yaml:"store"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     zeroconfig.Config `yaml:"logging"`
}

type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	LoginID   string `yaml:"login_id"`
	Password  string `yaml:"password"`
}

type StoreConfig struct {
	Driver string      `yaml:"driver"`
	Mongo  MongoConfig `yaml:"mongo"`
	Badger struct {
		Path string `yaml:"path"`
	} `yaml:"badger"`
}

type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

type EnforcementConfig struct {
	RecheckPrivilege bool `yaml:"recheck_privilege"`
}

type DispatcherConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type ReconnectConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Environment holds the variables that override file settings. Empty values
// leave the file setting in place.
type Environment struct {
	MongoURI    string `env:"MONGO"`
	ServerURL   string `env:"MATTERMOST_URL"`
	LoginID     string `env:"MATTERMOST_LOGIN_ID"`
	Password    string `env:"MATTERMOST_PASSWORD"`
	StoreDriver string `env:"STORE_DRIVER"`
	MetricsAddr string `env:"METRICS_ADDR"`
	SessionDir  string `env:"SESSION_DIR"`
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "login_id")
	helper.Copy(up.Str, "mattermost", "password")
	helper.Copy(up.Str, "session_dir")
	helper.Copy(up.Str, "store", "driver")
	helper.Copy(up.Str, "store", "mongo", "uri")
	helper.Copy(up.Str, "store", "mongo", "database")
	helper.Copy(up.Str, "store", "mongo", "collection")
	helper.Copy(up.Str, "store", "badger", "path")
	helper.Copy(up.Bool, "enforcement", "recheck_privilege")
	helper.Copy(up.Int, "dispatcher", "concurrency")
	helper.Copy(up.Str, "reconnect", "initial_backoff")
	helper.Copy(up.Str, "reconnect", "max_backoff")
	helper.Copy(up.Str|up.Null, "metrics", "listen_addr")
	helper.Copy(up.Map, "logging")
}

// Parse merges the user YAML in data onto the embedded defaults.
func Parse(data []byte) (*Config, error) {
	var base yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		return nil, fmt.Errorf("failed to parse default config: %w", err)
	}
	if len(data) > 0 {
		var user yaml.Node
		if err := yaml.Unmarshal(data, &user); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if user.Kind != 0 {
			upgradeConfig(up.NewHelper(&base, &user))
		}
	}
	var cfg Config
	if err := base.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Load reads the config file at path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Parse(nil)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// LoadDotEnv loads variables from .env files into the process environment
// without overriding variables that are already set. Missing files are
// ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides settings from environ (os.Environ format).
func (c *Config) ApplyEnv(environ []string) error {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	var e Environment
	if err = env.Unmarshal(es, &e); err != nil {
		return fmt.Errorf("failed to decode environment: %w", err)
	}
	override(&c.Store.Mongo.URI, e.MongoURI)
	override(&c.Mattermost.ServerURL, e.ServerURL)
	override(&c.Mattermost.LoginID, e.LoginID)
	override(&c.Mattermost.Password, e.Password)
	override(&c.Store.Driver, e.StoreDriver)
	override(&c.Metrics.ListenAddr, e.MetricsAddr)
	override(&c.SessionDir, e.SessionDir)
	return nil
}

func override(dst *string, val string) {
	if val != "" {
		*dst = val
	}
}

// Validate checks the settings that have no usable fallback.
func (c *Config) Validate() error {
	if c.Mattermost.ServerURL == "" {
		return errors.New("mattermost.server_url is required")
	}
	if c.SessionDir == "" {
		return errors.New("session_dir is required")
	}
	switch c.Store.Driver {
	case DriverMongo:
		if c.Store.Mongo.URI == "" {
			return errors.New("store.mongo.uri (or MONGO) is required for the mongo driver")
		}
		if c.Store.Mongo.Database == "" || c.Store.Mongo.Collection == "" {
			return errors.New("store.mongo.database and store.mongo.collection are required")
		}
	case DriverBadger:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Dispatcher.Concurrency < 1 {
		return fmt.Errorf("dispatcher.concurrency must be positive, got %d", c.Dispatcher.Concurrency)
	}
	if c.Reconnect.InitialBackoff <= 0 || c.Reconnect.MaxBackoff < c.Reconnect.InitialBackoff {
		return fmt.Errorf("invalid reconnect backoff %s..%s", c.Reconnect.InitialBackoff, c.Reconnect.MaxBackoff)
	}
	return nil
}
