/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package app

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/secureshare/secureshare/config"
	"github.com/secureshare/secureshare/httpserver"
	"github.com/secureshare/secureshare/internal/jobhandlers"
	"github.com/secureshare/secureshare/internal/scheduler"
	"github.com/secureshare/secureshare/jobqueue"
	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/profserver"
	"github.com/secureshare/secureshare/ratelimit"
)

// EnvVarsPrefix is the prefix of environment variables overriding configuration values
// (SECURESHARE_JOBQUEUE_CONCURRENCY=4).
const EnvVarsPrefix = "SECURESHARE"

// Config aggregates configurations of all components.
type Config struct {
	Log         *log.Config
	Server      *httpserver.Config
	RateLimit   *ratelimit.Config
	JobQueue    *jobqueue.Config
	JobHandlers *jobhandlers.Config
	Scheduler   *scheduler.Config
	ProfServer  *profserver.Config
}

// NewConfig creates a new instance of the Config with default key prefixes.
func NewConfig() *Config {
	return &Config{
		Log:         log.NewConfig(),
		Server:      httpserver.NewConfig(),
		RateLimit:   ratelimit.NewConfig(),
		JobQueue:    jobqueue.NewConfig(),
		JobHandlers: jobhandlers.NewConfig(),
		Scheduler:   scheduler.NewConfig(),
		ProfServer:  profserver.NewConfig(),
	}
}

func (c *Config) all() []config.Config {
	return []config.Config{c.Log, c.Server, c.RateLimit, c.JobQueue, c.JobHandlers, c.Scheduler, c.ProfServer}
}

// LoadConfig reads the configuration file (if path is not empty) and environment variables.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()
	cfgs := cfg.all()
	loader := config.NewDefaultLoader(EnvVarsPrefix)
	var err error
	if path == "" {
		err = loader.Load(cfgs[0], cfgs[1:]...)
	} else {
		err = loader.LoadFromFile(path, config.DataTypeFromPath(path), cfgs[0], cfgs[1:]...)
	}
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfigYAML returns the default configuration as YAML.
func DefaultConfigYAML() ([]byte, error) {
	va := config.NewViperAdapter()
	cfgs := NewConfig().all()
	if err := config.NewLoader(va).Load(cfgs[0], cfgs[1:]...); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(va.AllSettings()); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
