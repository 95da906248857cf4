package config

import (
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Host        string   `yaml:"host"`
		Port        string   `yaml:"port"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"server"`

	Database struct {
		// Path is a sqlite file or DSN; empty selects a private in-memory archive.
		Path string `yaml:"path"`
	} `yaml:"database"`

	Blockchain struct {
		Workers   int `yaml:"workers"`
		HashCache int `yaml:"hash_cache"`
	} `yaml:"blockchain"`

	Mining struct {
		// Schedule is a cron spec such as "@every 1m"; empty disables it.
		Schedule string `yaml:"schedule"`
	} `yaml:"mining"`

	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open config")
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	decoder.SetStrict(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", filename)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == "" {
		c.Server.Port = "5000"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Blockchain.Workers < 1 {
		c.Blockchain.Workers = 1
	}
	if c.Blockchain.HashCache < 1 {
		c.Blockchain.HashCache = 256
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}
