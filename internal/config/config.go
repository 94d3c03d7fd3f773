// Package config loads the configuration of the command line tool.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tlmnb/gogoodwe"
)

const (
	EnvHost     = "GOODWE_HOST"
	EnvPort     = "GOODWE_PORT"
	EnvFamily   = "GOODWE_FAMILY"
	EnvLogLevel = "GOODWE_LOG_LEVEL"
)

// Config is the configuration file.
type Config struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Family   string        `yaml:"family"`
	CommAddr int           `yaml:"comm_addr"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
	Capture  string        `yaml:"capture"`
	Log      Log           `yaml:"log"`
}

type Log struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Default returns the configuration used without a file.
func Default() Config {
	return Config{
		Port:    gogoodwe.DefaultPort,
		Timeout: time.Second,
		Retries: 3,
		Log:     Log{Level: "info", Console: true},
	}
}

// Load reads the file at path over the defaults and applies the environment. A
// missing file is not an error when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHost); ok && v != "" {
		c.Host = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Port = port
	}
	if v, ok := lookup(EnvFamily); ok && v != "" {
		c.Family = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate checks the values of c.
func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.CommAddr < 0 || c.CommAddr > 0xFF {
		errs = append(errs, fmt.Errorf("comm_addr %d out of range", c.CommAddr))
	}
	if c.Family != "" {
		if _, err := gogoodwe.ParseFamily(c.Family); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("negative timeout %s", c.Timeout))
	}
	return errors.Join(errs...)
}

// Options returns the inverter options of c.
func (c Config) Options() gogoodwe.Options {
	return gogoodwe.Options{
		Port:     c.Port,
		CommAddr: byte(c.CommAddr),
		Timeout:  c.Timeout,
		Retries:  c.Retries,
	}
}
