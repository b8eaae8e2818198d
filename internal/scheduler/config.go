/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/secureshare/secureshare/config"
	"github.com/secureshare/secureshare/jobqueue"
)

const cfgDefaultKeyPrefix = "scheduler"

const (
	cfgKeyEnabled  = "enabled"
	cfgKeyLocation = "location"
	cfgKeyEntries  = "entries"
)

// EntryConfig is a single scheduled entry in the configuration.
// Payload is a JSON document kept as a string, so its keys are not case-folded by the config loader.
type EntryConfig struct {
	Name     string `mapstructure:"name"`
	Schedule string `mapstructure:"schedule"`
	Type     string `mapstructure:"type"`
	Priority string `mapstructure:"priority"`
	Payload  string `mapstructure:"payload"`
}

// Entry converts the configuration into a scheduler Entry.
func (ec EntryConfig) Entry() Entry {
	e := Entry{Name: ec.Name, Schedule: ec.Schedule, JobType: ec.Type, Priority: jobqueue.Priority(ec.Priority)}
	if ec.Payload != "" {
		e.Payload = json.RawMessage(ec.Payload)
	}
	return e
}

// Config represents a set of configuration parameters for the job scheduler.
type Config struct {
	Enabled  bool
	Location *time.Location
	Entries  []EntryConfig

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return NewConfigWithKeyPrefix(cfgDefaultKeyPrefix)
}

// NewConfigWithKeyPrefix creates a new instance of the Config with the given key prefix.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
func (c *Config) KeyPrefix() string {
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyEnabled, false)
	dp.SetDefault(cfgKeyLocation, "UTC")
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	var err error
	if c.Enabled, err = dp.GetBool(cfgKeyEnabled); err != nil {
		return err
	}

	locName, err := dp.GetString(cfgKeyLocation)
	if err != nil {
		return err
	}
	if c.Location, err = time.LoadLocation(locName); err != nil {
		return dp.WrapKeyErr(cfgKeyLocation, err)
	}

	c.Entries = nil
	if dp.IsSet(cfgKeyEntries) {
		if err = dp.UnmarshalKey(cfgKeyEntries, &c.Entries); err != nil {
			return dp.WrapKeyErr(cfgKeyEntries, err)
		}
	}
	seen := make(map[string]struct{}, len(c.Entries))
	for i, ec := range c.Entries {
		key := fmt.Sprintf("%s[%d]", cfgKeyEntries, i)
		if ec.Name == "" {
			return dp.WrapKeyErr(key, fmt.Errorf("name is required"))
		}
		if _, dup := seen[ec.Name]; dup {
			return dp.WrapKeyErr(key, fmt.Errorf("duplicate entry %q", ec.Name))
		}
		seen[ec.Name] = struct{}{}
		if ec.Type == "" {
			return dp.WrapKeyErr(key, fmt.Errorf("type is required"))
		}
		if _, err = ParseSchedule(ec.Schedule); err != nil {
			return dp.WrapKeyErr(key, fmt.Errorf("parse schedule %q: %w", ec.Schedule, err))
		}
		if _, err = jobqueue.ParsePriority(ec.Priority); err != nil {
			return dp.WrapKeyErr(key, err)
		}
		if ec.Payload != "" && !json.Valid([]byte(ec.Payload)) {
			return dp.WrapKeyErr(key, fmt.Errorf("payload is not valid JSON"))
		}
	}
	return nil
}

// SchedulerEntries returns entries ready for New.
func (c *Config) SchedulerEntries() []Entry {
	entries := make([]Entry, 0, len(c.Entries))
	for _, ec := range c.Entries {
		entries = append(entries, ec.Entry())
	}
	return entries
}
